package query

import (
	"fmt"
	"regexp"
)

// FlagsFilter tests the source text of an allocation call's flags argument
// against a user-supplied regex.
type FlagsFilter struct {
	re       *regexp.Regexp
	explicit bool
}

// NewFlagsFilter compiles pattern into a filter. An empty pattern means
// match-any. An invalid pattern is a fatal configuration error.
func NewFlagsFilter(pattern string) (*FlagsFilter, error) {
	if pattern == "" {
		return &FlagsFilter{re: regexp.MustCompile(`.*`)}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid flags regex %q: %w", pattern, err)
	}
	return &FlagsFilter{re: re, explicit: true}, nil
}

// Accept reports whether the match passes the flags filter.
//
// Call shapes without a flags argument (arity 1) pass when the filter is the
// default match-any, and are rejected when the user supplied an explicit
// pattern: an explicit pattern expresses a constraint those calls cannot
// satisfy.
func (f *FlagsFilter) Accept(m Match, content []byte) bool {
	if !m.HasFlags {
		return !f.explicit
	}
	return f.re.MatchString(m.Flags.Text(content))
}
