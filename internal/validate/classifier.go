package validate

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/civicledger/panelscore/internal/extract"
	"github.com/civicledger/panelscore/internal/model"
)

// governmentLabels are public-suffix first labels used only by
// government registries (gov.uk, go.kr, gob.mx, gouv.fr ...)
var governmentLabels = map[string]bool{
	"gov":  true,
	"go":   true,
	"govt": true,
	"gob":  true,
	"gouv": true,
	"gv":   true,
	"mil":  true,
}

// Classifier decides whether a locator points at an institutional host
type Classifier struct {
	institutional map[string]bool
	platforms     map[string]bool
}

// NewClassifier builds a classifier from allowlisted domain suffixes and
// social platform hosts
func NewClassifier(institutional, platforms []string) *Classifier {
	c := &Classifier{
		institutional: make(map[string]bool, len(institutional)),
		platforms:     make(map[string]bool, len(platforms)),
	}
	for _, d := range institutional {
		c.institutional[normalizeDomain(d)] = true
	}
	for _, d := range platforms {
		c.platforms[normalizeDomain(d)] = true
	}
	return c
}

// Institutional reports whether host belongs to a government or
// legislative body
func (c *Classifier) Institutional(host string) bool {
	host = normalizeDomain(host)
	if host == "" {
		return false
	}
	if matchSuffix(host, c.institutional) {
		return true
	}

	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && c.institutional[etld1] {
		return true
	}

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann {
		return false
	}
	if suffix == "gov" || suffix == "mil" {
		return true
	}
	first, _, _ := strings.Cut(suffix, ".")
	return strings.Contains(suffix, ".") && governmentLabels[first]
}

// Platform reports whether host is a social platform that blocks probes
func (c *Classifier) Platform(host string) bool {
	return matchSuffix(normalizeDomain(host), c.platforms)
}

// Consistent reports whether a locator matches its declared source class.
// OFFICIAL needs an institutional URL; PUBLIC must not be one.
func (c *Classifier) Consistent(locator string, class model.SourceClass) bool {
	institutional := c.Institutional(extract.Host(locator))
	if class == model.SourceOfficial {
		return institutional
	}
	return !institutional
}

func matchSuffix(host string, set map[string]bool) bool {
	for h := host; h != ""; {
		if set[h] {
			return true
		}
		_, rest, ok := strings.Cut(h, ".")
		if !ok {
			break
		}
		h = rest
	}
	return false
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimPrefix(d, ".")
	if i := strings.LastIndex(d, ":"); i > 0 && !strings.Contains(d[i:], "]") {
		d = d[:i]
	}
	return strings.TrimPrefix(strings.TrimSuffix(d, "."), "www.")
}
