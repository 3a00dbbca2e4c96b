// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"
	"regexp"
	"strings"
)

// StringMatcher matches step outputs and error messages.
type StringMatcher struct {
	desc  string
	match func(string) bool
}

// Match reports whether s satisfies the matcher.
func (m StringMatcher) Match(s string) bool { return m.match(s) }

// Description names the matcher in failure messages.
func (m StringMatcher) Description() string { return m.desc }

func Contains(substr string) StringMatcher {
	return StringMatcher{
		desc:  fmt.Sprintf("contains %q", substr),
		match: func(s string) bool { return strings.Contains(s, substr) },
	}
}

func Equals(want string) StringMatcher {
	return StringMatcher{
		desc:  fmt.Sprintf("equals %q", want),
		match: func(s string) bool { return s == want },
	}
}

func HasPrefix(prefix string) StringMatcher {
	return StringMatcher{
		desc:  fmt.Sprintf("has prefix %q", prefix),
		match: func(s string) bool { return strings.HasPrefix(s, prefix) },
	}
}

// Regex matches against pattern. An invalid pattern matches nothing.
func Regex(pattern string) StringMatcher {
	re, err := regexp.Compile(pattern)
	return StringMatcher{
		desc:  fmt.Sprintf("matches %q", pattern),
		match: func(s string) bool { return err == nil && re.MatchString(s) },
	}
}
