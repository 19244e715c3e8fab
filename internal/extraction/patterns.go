package extraction

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Wildcard matches any tenant or category in a pattern scope.
const Wildcard = "*"

// Pattern is a known-benign or known-resolved signature. A case matches when
// the share of conditions it satisfies, scaled by Confidence, reaches
// Threshold and the scope fits.
type Pattern struct {
	Name       string            `yaml:"name"`
	Tenant     string            `yaml:"tenant"`
	Category   string            `yaml:"category"`
	Conditions map[string]string `yaml:"match"`
	Confidence float64           `yaml:"confidence"`
	Threshold  float64           `yaml:"threshold"`
	Summary    string            `yaml:"summary"`
}

// Match is a pattern hit.
type Match struct {
	Pattern    string
	Confidence float64
	Matched    []string
	Summary    string
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// LoadPatterns reads a pattern file.
func LoadPatterns(file string) ([]Pattern, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read patterns: %w", err)
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse patterns %s: %w", file, err)
	}
	for i := range pf.Patterns {
		if err := pf.Patterns[i].validate(); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
	}
	return pf.Patterns, nil
}

func (p *Pattern) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.Conditions) == 0 {
		return fmt.Errorf("%s: at least one match condition is required", p.Name)
	}
	if p.Confidence <= 0 || p.Confidence > 1 {
		return fmt.Errorf("%s: confidence %v outside (0,1]", p.Name, p.Confidence)
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("%s: threshold %v outside (0,1]", p.Name, p.Threshold)
	}
	if p.Tenant == "" {
		p.Tenant = Wildcard
	}
	if p.Category == "" {
		p.Category = Wildcard
	}
	for field, want := range p.Conditions {
		if _, err := path.Match(strings.ToLower(want), ""); err != nil {
			return fmt.Errorf("%s: bad pattern for %s: %w", p.Name, field, err)
		}
	}
	return nil
}

func scoped(scope, value string) bool {
	return scope == Wildcard || strings.EqualFold(scope, value)
}

// evaluate scores f against p. It returns false when the scope does not fit.
func (p *Pattern) evaluate(tenant string, f Features) (Match, bool) {
	if !scoped(p.Tenant, tenant) || !scoped(p.Category, f.Category) {
		return Match{}, false
	}
	m := Match{Pattern: p.Name, Summary: p.Summary}
	for field, want := range p.Conditions {
		if fieldMatches(f, field, strings.ToLower(want)) {
			m.Matched = append(m.Matched, field)
		}
	}
	sort.Strings(m.Matched)
	m.Confidence = p.Confidence * float64(len(m.Matched)) / float64(len(p.Conditions))
	return m, true
}

func fieldMatches(f Features, field, want string) bool {
	if field == "indicator" {
		for _, ind := range f.Indicators {
			if ok, _ := path.Match(want, ind); ok {
				return true
			}
		}
		return false
	}
	v, ok := f.Fields[strings.ToLower(field)]
	if !ok {
		return false
	}
	got := strings.ToLower(fmt.Sprint(v))
	ok, _ = path.Match(want, got)
	return ok
}

// Matcher holds the active pattern set. It is safe for concurrent use and
// can be swapped at runtime.
type Matcher struct {
	mu       sync.RWMutex
	patterns []Pattern
}

// NewMatcher creates a matcher over patterns. Patterns are validated.
func NewMatcher(patterns []Pattern) (*Matcher, error) {
	m := &Matcher{}
	if err := m.Set(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

// Set replaces the active patterns.
func (m *Matcher) Set(patterns []Pattern) error {
	cp := make([]Pattern, len(patterns))
	copy(cp, patterns)
	for i := range cp {
		if err := cp[i].validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.patterns = cp
	m.mu.Unlock()
	return nil
}

// Len returns the number of active patterns.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns)
}

// Best returns the highest-confidence pattern whose confidence reaches its
// threshold. Ties go to the pattern listed first.
func (m *Matcher) Best(tenant string, f Features) (Match, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best  Match
		found bool
	)
	for i := range m.patterns {
		p := &m.patterns[i]
		hit, ok := p.evaluate(tenant, f)
		if !ok || hit.Confidence < p.Threshold {
			continue
		}
		if !found || hit.Confidence > best.Confidence {
			best, found = hit, true
		}
	}
	return best, found
}
