package edge

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/starwalkn/edge/internal/rewrite"
)

// DefaultPattern is the catch-all behavior every table must define.
const DefaultPattern = "*"

// Specificity orders behaviors; lower values are tried first.
type Specificity uint8

const (
	SpecificityExact Specificity = iota
	SpecificitySingleSegment
	SpecificityMultiSegment
	SpecificityDefault
)

func (s Specificity) String() string {
	switch s {
	case SpecificityExact:
		return "exact"
	case SpecificitySingleSegment:
		return "single-segment"
	case SpecificityMultiSegment:
		return "multi-segment"
	case SpecificityDefault:
		return "default"
	default:
		return "unknown"
	}
}

type AllowedMethods uint8

const (
	AllowGetHead AllowedMethods = iota
	AllowGetHeadOptions
	AllowAll
)

func (a AllowedMethods) String() string {
	switch a {
	case AllowGetHead:
		return "get_head"
	case AllowGetHeadOptions:
		return "get_head_options"
	case AllowAll:
		return "all"
	default:
		return "unknown"
	}
}

func (a AllowedMethods) Allows(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	case http.MethodOptions:
		return a != AllowGetHead
	default:
		return a == AllowAll
	}
}

// Header returns the value of the Allow header for a 405 response.
func (a AllowedMethods) Header() string {
	switch a {
	case AllowGetHead:
		return "GET, HEAD"
	case AllowGetHeadOptions:
		return "GET, HEAD, OPTIONS"
	default:
		return "GET, HEAD, OPTIONS, PUT, PATCH, POST, DELETE"
	}
}

// Behavior binds a path pattern to an origin target, a cache policy and an optional rewrite.
type Behavior struct {
	Pattern        string
	Target         *OriginGroup
	CachePolicy    CachePolicy
	Rewrite        *rewrite.Rule
	AllowedMethods AllowedMethods

	specificity Specificity
	glob        string
	literals    int
	order       int
}

func (b *Behavior) Specificity() Specificity {
	return b.specificity
}

// IsDefault reports whether b is the catch-all behavior.
func (b *Behavior) IsDefault() bool {
	return b.specificity == SpecificityDefault
}

// OriginPath returns the path static origins receive for a client path.
func (b *Behavior) OriginPath(path string) string {
	if b.Rewrite == nil {
		return path
	}

	return b.Rewrite.Apply(path)
}

func (b *Behavior) matches(path string) bool {
	switch b.specificity {
	case SpecificityDefault:
		return true
	case SpecificityExact:
		return path == b.Pattern
	default:
		ok, err := doublestar.Match(b.glob, strings.TrimPrefix(path, "/"))
		return err == nil && ok
	}
}

// BehaviorTable is an immutable, specificity-ordered list of behaviors.
type BehaviorTable struct {
	behaviors []*Behavior
	fallback  *Behavior
}

var ErrNoDefaultBehavior = errors.New("behavior table has no default behavior (pattern \"*\")")

// NewBehaviorTable validates and orders behaviors. Configuration order breaks ties.
func NewBehaviorTable(behaviors []*Behavior) (*BehaviorTable, error) {
	table := &BehaviorTable{behaviors: make([]*Behavior, 0, len(behaviors))}
	seen := make(map[string]struct{}, len(behaviors))

	for i, b := range behaviors {
		if _, dup := seen[b.Pattern]; dup {
			return nil, fmt.Errorf("duplicate behavior pattern %q", b.Pattern)
		}

		seen[b.Pattern] = struct{}{}

		if err := classify(b); err != nil {
			return nil, err
		}

		if b.Target == nil {
			return nil, fmt.Errorf("behavior %q has no origin", b.Pattern)
		}

		b.order = i

		if b.IsDefault() {
			table.fallback = b
			continue
		}

		table.behaviors = append(table.behaviors, b)
	}

	if table.fallback == nil {
		return nil, ErrNoDefaultBehavior
	}

	slices.SortStableFunc(table.behaviors, func(a, b *Behavior) int {
		if a.specificity != b.specificity {
			return int(a.specificity) - int(b.specificity)
		}

		if a.literals != b.literals {
			return b.literals - a.literals
		}

		return a.order - b.order
	})

	return table, nil
}

// Match returns the most specific behavior for path. It never returns nil.
func (t *BehaviorTable) Match(path string) *Behavior {
	for _, b := range t.behaviors {
		if b.matches(path) {
			return b
		}
	}

	return t.fallback
}

// Behaviors returns behaviors in match order, the default last.
func (t *BehaviorTable) Behaviors() []*Behavior {
	return append(slices.Clone(t.behaviors), t.fallback)
}

func (t *BehaviorTable) Default() *Behavior {
	return t.fallback
}

func classify(b *Behavior) error {
	p := b.Pattern

	switch {
	case p == DefaultPattern:
		b.specificity = SpecificityDefault
		return nil
	case p == "":
		return errors.New("behavior pattern must not be empty")
	case !hasMeta(p):
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("exact behavior pattern %q must start with '/'", p)
		}

		b.specificity = SpecificityExact
		b.literals = len(p)

		return nil
	}

	glob := strings.TrimPrefix(p, "/")
	if !strings.HasPrefix(p, "/") {
		// Relative patterns match at any depth.
		glob = "**/" + p
	}

	if !doublestar.ValidatePattern(glob) {
		return fmt.Errorf("invalid behavior pattern %q", p)
	}

	b.glob = glob
	b.literals = countLiterals(p)
	b.specificity = SpecificitySingleSegment

	if strings.Contains(glob, "**") {
		b.specificity = SpecificityMultiSegment
	}

	return nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[{\`)
}

func countLiterals(p string) int {
	n := 0

	for _, r := range p {
		if !strings.ContainsRune(`*?[]{},\`, r) {
			n++
		}
	}

	return n
}
