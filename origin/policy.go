// origin/policy.go
package origin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dalemusser/dashgate/config"
)

// Config lists the allow-rules a Policy is compiled from.
type Config struct {
	// Origins are exact origins. An entry containing "*" is compiled as a
	// Wildcard pattern instead.
	Origins []string

	// LoopbackPrefixes are consulted only when LoosePrefixes is set.
	LoopbackPrefixes []string
	LoosePrefixes    bool

	// Patterns are regular expressions matched against the whole origin.
	Patterns []string
}

// ConfigFromCORS maps the gateway's CORS settings onto a policy Config.
func ConfigFromCORS(c config.CORSConfig) Config {
	return Config{
		Origins:          c.CORSAllowedOrigins,
		LoopbackPrefixes: c.CORSLoopbackPrefixes,
		LoosePrefixes:    c.CORSAllowLoopback,
		Patterns:         c.CORSOriginPatterns,
	}
}

// Decision is the outcome of checking one request's Origin header.
type Decision struct {
	Allowed bool
	// Origin is the header value as received.
	Origin string
	// Rule is the rule that matched; KindNone when nothing did.
	Rule Rule
}

// Policy is a compiled, read-only rule set. It is safe for concurrent use.
type Policy struct {
	literals map[string]Rule
	prefixes []Rule
	patterns []Rule
	loose    bool
}

// New compiles cfg. Every malformed entry is reported in the returned error.
func New(cfg Config) (*Policy, error) {
	p := &Policy{
		literals: make(map[string]Rule, len(cfg.Origins)),
		loose:    cfg.LoosePrefixes,
	}
	var errs []error

	for _, o := range cfg.Origins {
		if strings.Contains(o, "*") && strings.TrimSpace(o) != "*" {
			r, err := Wildcard(o)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.patterns = append(p.patterns, r)
			continue
		}
		r, err := Literal(o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.literals[r.Value()] = r
	}

	if cfg.LoosePrefixes {
		for _, pre := range cfg.LoopbackPrefixes {
			r, err := Prefix(pre)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.prefixes = append(p.prefixes, r)
		}
	}

	for _, expr := range cfg.Patterns {
		r, err := Pattern(expr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.patterns = append(p.patterns, r)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("origin rules: %w", errors.Join(errs...))
	}
	return p, nil
}

// Decide checks origin against the rules: literals first, then loopback
// prefixes (when loose), then patterns. The first match wins. An empty
// origin is never allowed.
func (p *Policy) Decide(origin string) Decision {
	d := Decision{Origin: origin}
	if origin == "" || p == nil {
		return d
	}

	if r, ok := p.literals[origin]; ok {
		d.Allowed, d.Rule = true, r
		return d
	}
	if p.loose {
		for _, r := range p.prefixes {
			if r.Match(origin) {
				d.Allowed, d.Rule = true, r
				return d
			}
		}
	}
	for _, r := range p.patterns {
		if r.Match(origin) {
			d.Allowed, d.Rule = true, r
			return d
		}
	}
	return d
}

// Allows is Decide(origin).Allowed.
func (p *Policy) Allows(origin string) bool {
	return p.Decide(origin).Allowed
}

// Len is the number of compiled rules.
func (p *Policy) Len() int {
	return len(p.literals) + len(p.prefixes) + len(p.patterns)
}
