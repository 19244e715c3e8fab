package enrichment

import (
	"context"
	"net"
	"regexp"
	"strings"
)

// TaxonomyMapper maps a case category to attack tactics and classifies its
// indicators. It runs locally and never fails.
type TaxonomyMapper struct {
	tactics map[string][]string
}

var defaultTactics = map[string][]string{
	"phishing":   {"initial-access"},
	"malware":    {"execution", "persistence"},
	"intrusion":  {"initial-access", "lateral-movement"},
	"credential": {"credential-access"},
	"policy":     {"defense-evasion"},
	"exfil":      {"exfiltration"},
}

var (
	hashPattern   = regexp.MustCompile(`^[a-f0-9]{32}$|^[a-f0-9]{40}$|^[a-f0-9]{64}$`)
	domainPattern = regexp.MustCompile(`^([a-z0-9-]+\.)+[a-z]{2,}$`)
)

// NewTaxonomyMapper creates a mapper. A nil table uses the built-in one.
func NewTaxonomyMapper(tactics map[string][]string) *TaxonomyMapper {
	if tactics == nil {
		tactics = defaultTactics
	}
	return &TaxonomyMapper{tactics: tactics}
}

func (t *TaxonomyMapper) Name() string { return "taxonomy" }

func (t *TaxonomyMapper) Enrich(_ context.Context, req Request) (map[string]any, error) {
	tactics := t.tactics[strings.ToLower(req.Category)]
	if tactics == nil {
		tactics = []string{}
	}
	kinds := make(map[string]string, len(req.Indicators))
	for _, ind := range req.Indicators {
		kinds[ind] = indicatorKind(ind)
	}
	return map[string]any{
		"category":   req.Category,
		"tactics":    tactics,
		"indicators": kinds,
	}, nil
}

func indicatorKind(v string) string {
	switch {
	case net.ParseIP(v) != nil:
		return "ip"
	case strings.Contains(v, "://"):
		return "url"
	case strings.Contains(v, "@"):
		return "email"
	case hashPattern.MatchString(v):
		return "hash"
	case domainPattern.MatchString(v):
		return "domain"
	default:
		return "other"
	}
}
