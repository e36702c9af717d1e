// Package rewrite turns directory-style request paths into concrete document paths.
package rewrite

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const indexDocument = "index.html"

type Scope string

const (
	ScopeAll    Scope = "all"
	ScopePrefix Scope = "prefix"
)

// Normalize appends index.html to paths whose final segment does not look like a file.
// It works on decoded paths, so a literal "%" is ordinary text. The rewrite is purely
// textual. Paths that are not valid UTF-8 are returned unchanged.
func Normalize(path string) string {
	if !utf8.ValidString(path) {
		return path
	}

	lastSegment := path[strings.LastIndexByte(path, '/')+1:]
	if strings.Contains(lastSegment, ".") {
		return path
	}

	return strings.TrimRight(path, "/") + "/" + indexDocument
}

// Rule is a named, scoped application of Normalize.
type Rule struct {
	ID     string
	Scope  Scope
	Prefix string
}

func NewRule(id string, scope Scope, prefix string) (Rule, error) {
	switch scope {
	case ScopeAll:
		return Rule{ID: id, Scope: scope}, nil
	case ScopePrefix:
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return Rule{}, fmt.Errorf("rewrite %q: prefix must be an absolute, non-root path, got %q", id, prefix)
		}

		return Rule{ID: id, Scope: scope, Prefix: prefix}, nil
	default:
		return Rule{}, fmt.Errorf("rewrite %q: unknown scope %q", id, scope)
	}
}

// Apply rewrites path if it falls within the rule's scope.
func (r Rule) Apply(path string) string {
	if !r.InScope(path) {
		return path
	}

	return Normalize(path)
}

func (r Rule) InScope(path string) bool {
	if r.Scope != ScopePrefix {
		return true
	}

	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}
