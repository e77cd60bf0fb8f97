package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPriority is assigned to plugins that do not configure one.
// Lower numbers execute earlier.
const DefaultPriority = 1000

// Config is the static configuration of one plugin instance.
type Config struct {
	// Name identifies this instance (unique within the registry).
	Name string `yaml:"name" json:"name"`

	// Type selects the implementation from the factory table.
	Type string `yaml:"type" json:"type"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Priority orders execution within a phase, ascending. Ties break by
	// registration order.
	Priority int `yaml:"priority" json:"priority"`

	// Settings is the opaque per-plugin configuration payload.
	Settings map[string]any `yaml:"settings" json:"settings"`

	// Conditions restrict which requests the plugin applies to. A plugin
	// with no conditions matches every request.
	Conditions Conditions `yaml:"conditions" json:"conditions"`
}

// IsEnabled reports whether the instance should be loaded.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EffectivePriority returns the configured priority or the default.
func (c *Config) EffectivePriority() int {
	if c.Priority == 0 {
		return DefaultPriority
	}
	return c.Priority
}

// Conditions is the condition set evaluated against a request context.
// Within a field's list patterns are ORed; across fields they are ANDed.
// Each pattern is a literal string, or a regular expression when wrapped in
// slashes ("/^gpt-4.*/" matches the whole value).
type Conditions struct {
	Paths   []string            `yaml:"paths" json:"paths"`
	Methods []string            `yaml:"methods" json:"methods"`
	Headers map[string][]string `yaml:"headers" json:"headers"`
	Callers []string            `yaml:"callers" json:"callers"`
	Models  []string            `yaml:"models" json:"models"`
}

// Empty reports whether no condition is configured.
func (c *Conditions) Empty() bool {
	return len(c.Paths) == 0 && len(c.Methods) == 0 &&
		len(c.Headers) == 0 && len(c.Callers) == 0 && len(c.Models) == 0
}

// pattern matches a value either literally or by anchored regexp.
type pattern struct {
	literal string
	re      *regexp.Regexp
}

func (p pattern) match(value string) bool {
	if p.re != nil {
		return p.re.MatchString(value)
	}
	return p.literal == value
}

func compilePattern(raw string) (pattern, error) {
	if len(raw) >= 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") {
		expr := raw[1 : len(raw)-1]
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return pattern{}, fmt.Errorf("invalid condition pattern %q: %w", raw, err)
		}
		return pattern{re: re}, nil
	}
	return pattern{literal: raw}, nil
}

func compilePatterns(raws []string) ([]pattern, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	out := make([]pattern, 0, len(raws))
	for _, raw := range raws {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// compiledConditions is the load-time compiled form of Conditions.
// Matching is pure and side-effect-free, so it can be re-computed safely
// when a pipeline reevaluation restarts matching against a mutated request.
type compiledConditions struct {
	paths   []pattern
	methods []pattern
	headers map[string][]pattern
	callers []pattern
	models  []pattern
}

func compileConditions(c Conditions) (*compiledConditions, error) {
	out := &compiledConditions{}
	var err error

	if out.paths, err = compilePatterns(c.Paths); err != nil {
		return nil, err
	}
	if out.methods, err = compilePatterns(c.Methods); err != nil {
		return nil, err
	}
	if out.callers, err = compilePatterns(c.Callers); err != nil {
		return nil, err
	}
	if out.models, err = compilePatterns(c.Models); err != nil {
		return nil, err
	}

	if len(c.Headers) > 0 {
		out.headers = make(map[string][]pattern, len(c.Headers))
		for name, raws := range c.Headers {
			ps, err := compilePatterns(raws)
			if err != nil {
				return nil, err
			}
			out.headers[name] = ps
		}
	}

	return out, nil
}

// matches evaluates the condition set against the current, possibly mutated,
// request. Fields with no patterns are not constrained.
func (c *compiledConditions) matches(rc *RequestContext) bool {
	if !matchAny(c.paths, rc.Path) {
		return false
	}
	if !matchAny(c.methods, rc.Method) {
		return false
	}
	if !matchAny(c.callers, callerID(rc)) {
		return false
	}

	model := ""
	if rc.Request != nil {
		model = rc.Request.Model
	}
	if !matchAny(c.models, model) {
		return false
	}

	for name, ps := range c.headers {
		value := ""
		if rc.Headers != nil {
			value = rc.Headers.Get(name)
		}
		if !matchAny(ps, value) {
			return false
		}
	}

	return true
}

func matchAny(ps []pattern, value string) bool {
	if len(ps) == 0 {
		return true
	}
	for _, p := range ps {
		if p.match(value) {
			return true
		}
	}
	return false
}

func callerID(rc *RequestContext) string {
	if rc.Caller == nil {
		return ""
	}
	return rc.Caller.Subject
}
