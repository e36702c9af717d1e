package cache

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

const keySeparator = "\x00"

// Key identifies a cached response. Path is kept separate so invalidation can match on it.
type Key struct {
	Path    string
	Variant string
}

func (k Key) String() string {
	return k.Path + keySeparator + k.Variant
}

func parseKey(s string) Key {
	path, variant, _ := strings.Cut(s, keySeparator)

	return Key{Path: path, Variant: variant}
}

// KeyBuilder derives cache keys from the components a cache policy selects.
type KeyBuilder struct {
	policy       string
	queryStrings []string
	allQuery     bool
	headers      []string
}

// NewKeyBuilder returns a builder for a policy. A query string list of ["*"] keys on the whole query.
func NewKeyBuilder(policy string, queryStrings, headers []string) KeyBuilder {
	kb := KeyBuilder{policy: policy}

	for _, q := range queryStrings {
		if q == "*" {
			kb.allQuery = true
			continue
		}

		kb.queryStrings = append(kb.queryStrings, q)
	}

	for _, h := range headers {
		kb.headers = append(kb.headers, http.CanonicalHeaderKey(h))
	}

	slices.Sort(kb.queryStrings)
	slices.Sort(kb.headers)

	return kb
}

// Build returns the key for a request. GET and HEAD share entries.
func (kb KeyBuilder) Build(method, path string, query url.Values, header http.Header) Key {
	parts := []string{kb.policy, methodClass(method)}

	if q := kb.queryPart(query); q != "" {
		parts = append(parts, q)
	}

	if h := kb.headerPart(header); h != "" {
		parts = append(parts, h)
	}

	return Key{Path: path, Variant: strings.Join(parts, "|")}
}

func (kb KeyBuilder) queryPart(query url.Values) string {
	if kb.allQuery {
		if len(query) == 0 {
			return ""
		}

		return "q:" + query.Encode()
	}

	var parts []string

	for _, name := range kb.queryStrings {
		for _, v := range query[name] {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(v))
		}
	}

	if len(parts) == 0 {
		return ""
	}

	return "q:" + strings.Join(parts, "&")
}

func (kb KeyBuilder) headerPart(header http.Header) string {
	var parts []string

	for _, name := range kb.headers {
		for _, v := range header.Values(name) {
			parts = append(parts, name+"="+v)
		}
	}

	if len(parts) == 0 {
		return ""
	}

	return "h:" + strings.Join(parts, "&")
}

func methodClass(method string) string {
	if method == http.MethodHead {
		return http.MethodGet
	}

	return method
}
