// origin/rule.go
package origin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies which sort of allow-rule matched an origin.
type Kind int

const (
	KindNone Kind = iota
	KindLiteral
	KindPrefix
	KindPattern
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindPrefix:
		return "prefix"
	case KindPattern:
		return "pattern"
	default:
		return "none"
	}
}

// wildcardSegment is what a "*" in a wildcard origin stands for: one host
// label or port, never a dot, colon or slash.
const wildcardSegment = `[A-Za-z0-9-]+`

// Rule is one compiled allow-rule. The zero Rule matches nothing and has
// KindNone. Rules are immutable once built.
type Rule struct {
	kind  Kind
	value string
	re    *regexp.Regexp
}

// Literal returns a rule matching exactly origin, e.g. "http://localhost:3000".
func Literal(origin string) (Rule, error) {
	o := strings.TrimSpace(origin)
	if err := checkOrigin(o); err != nil {
		return Rule{}, err
	}
	if strings.Contains(o, "*") {
		return Rule{}, fmt.Errorf("literal origin %q contains a wildcard", origin)
	}
	return Rule{kind: KindLiteral, value: o}, nil
}

// Prefix returns a rule matching origins that start with prefix. A prefix
// that does not end in ":" or "/" only matches at a port boundary, so
// "http://localhost" matches "http://localhost:5173" but not
// "http://localhost.evil.com".
func Prefix(prefix string) (Rule, error) {
	p := strings.TrimSpace(prefix)
	if err := checkOrigin(p); err != nil {
		return Rule{}, err
	}
	return Rule{kind: KindPrefix, value: p}, nil
}

// Pattern returns a rule matching origins against a regular expression. The
// expression is anchored to the whole origin.
func Pattern(expr string) (Rule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return Rule{}, errors.New("empty origin pattern")
	}
	re, err := regexp.Compile(`^(?:` + e + `)$`)
	if err != nil {
		return Rule{}, fmt.Errorf("origin pattern %q: %w", expr, err)
	}
	return Rule{kind: KindPattern, value: e, re: re}, nil
}

// Wildcard returns a pattern rule for an origin whose "*" characters each
// stand for one host label or port, e.g. "http://192.168.*.*:3001".
func Wildcard(origin string) (Rule, error) {
	o := strings.TrimSpace(origin)
	if err := checkOrigin(o); err != nil {
		return Rule{}, err
	}
	parts := strings.Split(o, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile(`^` + strings.Join(parts, wildcardSegment) + `$`)
	return Rule{kind: KindPattern, value: o, re: re}, nil
}

func checkOrigin(o string) error {
	switch {
	case o == "":
		return errors.New("empty origin rule")
	case o == "*":
		return errors.New(`"*" is not an origin; list origins explicitly`)
	}
	scheme, rest, ok := strings.Cut(o, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, "*/:") {
		return fmt.Errorf("origin rule %q has no scheme", o)
	}
	if rest == "" {
		return fmt.Errorf("origin rule %q has no host", o)
	}
	return nil
}

// Kind reports the rule's kind.
func (r Rule) Kind() Kind { return r.kind }

// Value is the rule as configured.
func (r Rule) Value() string { return r.value }

func (r Rule) String() string {
	if r.kind == KindNone {
		return "none"
	}
	return r.kind.String() + ":" + r.value
}

// Match reports whether origin satisfies the rule.
func (r Rule) Match(origin string) bool {
	switch r.kind {
	case KindLiteral:
		return origin == r.value
	case KindPrefix:
		if !strings.HasPrefix(origin, r.value) {
			return false
		}
		if strings.HasSuffix(r.value, ":") || strings.HasSuffix(r.value, "/") {
			return true
		}
		rest := origin[len(r.value):]
		return rest == "" || rest[0] == ':'
	case KindPattern:
		return r.re.MatchString(origin)
	default:
		return false
	}
}
