package fleet

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Role is the stratum a node belongs to.
type Role string

const (
	RoleData   Role = "data"
	RoleMiddle Role = "middle"
	RoleEdge   Role = "edge"
)

// Classifier maps a node name to its role.
type Classifier interface {
	Classify(name string) Role
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(name string) Role

func (f ClassifierFunc) Classify(name string) Role { return f(name) }

// Tier is one stratum of a topology. A tier without a pattern is the
// fallback for names no other tier matches.
type Tier struct {
	Role    Role   `yaml:"role"`
	Pattern string `yaml:"pattern,omitempty"`
}

// Topology lists tiers in start order: dependencies first, traffic last.
type Topology struct {
	Tiers []Tier `yaml:"tiers"`
}

// DefaultTopology is the three-tier data / middle / edge layout.
func DefaultTopology() Topology {
	return Topology{Tiers: []Tier{
		{Role: RoleData, Pattern: `^\w*db\d{3}`},
		{Role: RoleMiddle},
		{Role: RoleEdge, Pattern: `^lb\d{3}`},
	}}
}

// LoadTopology reads a topology from a YAML file.
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("parse topology %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

// Validate checks that roles are unique, patterns compile, and exactly one
// tier is the fallback.
func (t Topology) Validate() error {
	if len(t.Tiers) == 0 {
		return errors.New("no tiers defined")
	}
	seen := make(map[Role]bool)
	fallbacks := 0
	for _, tier := range t.Tiers {
		if tier.Role == "" {
			return errors.New("tier without a role")
		}
		if seen[tier.Role] {
			return fmt.Errorf("duplicate role %q", tier.Role)
		}
		seen[tier.Role] = true
		if tier.Pattern == "" {
			fallbacks++
			continue
		}
		if _, err := regexp.Compile(tier.Pattern); err != nil {
			return fmt.Errorf("role %q: %w", tier.Role, err)
		}
	}
	if fallbacks != 1 {
		return fmt.Errorf("exactly one tier must have no pattern, found %d", fallbacks)
	}
	return nil
}

// Order returns the roles in start order.
func (t Topology) Order() []Role {
	order := make([]Role, len(t.Tiers))
	for i, tier := range t.Tiers {
		order[i] = tier.Role
	}
	return order
}

type rule struct {
	role    Role
	pattern *regexp.Regexp
}

// PatternClassifier assigns the role of the first tier whose pattern matches
// the name, evaluated in topology order, and the fallback role otherwise.
type PatternClassifier struct {
	rules    []rule
	fallback Role
	patterns map[Role]string
}

// NewPatternClassifier builds a classifier from a validated topology.
func NewPatternClassifier(t Topology) (*PatternClassifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &PatternClassifier{patterns: make(map[Role]string)}
	for _, tier := range t.Tiers {
		c.patterns[tier.Role] = tier.Pattern
		if tier.Pattern == "" {
			c.fallback = tier.Role
			continue
		}
		c.rules = append(c.rules, rule{role: tier.Role, pattern: regexp.MustCompile(tier.Pattern)})
	}
	return c, nil
}

func (c *PatternClassifier) Classify(name string) Role {
	for _, r := range c.rules {
		if r.pattern.MatchString(name) {
			return r.role
		}
	}
	return c.fallback
}

// PatternFor returns the pattern that selects role, empty for the fallback.
func (c *PatternClassifier) PatternFor(role Role) string {
	return c.patterns[role]
}
