// Package extract derives identity and metadata from evidence locators and
// the pages they point to.
package extract

import (
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// trackingParams are query keys that never change the identity of a page
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"ref_src": true,
	"si":      true,
}

// NormalizeLocator returns the identity form of a source locator.
//
// URLs lose their scheme, a leading www., default ports, fragments,
// tracking parameters and trailing slashes; the host is lowercased and the
// remaining query is sorted. Anything that is not a URL (a platform handle,
// a document number) is lowercased with whitespace collapsed.
func NormalizeLocator(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	u, ok := parseWebURL(s)
	if !ok {
		return strings.ToLower(strings.Join(strings.Fields(s), " "))
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ".")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	path := u.EscapedPath()
	path = strings.TrimRight(path, "/")

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	if q := cleanQuery(u.Query()); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// IsURL reports whether the locator is a fetchable http(s) URL
func IsURL(raw string) bool {
	_, ok := parseWebURL(strings.TrimSpace(raw))
	return ok
}

// Host returns the lowercased host of a URL locator without www., or ""
func Host(raw string) string {
	u, ok := parseWebURL(strings.TrimSpace(raw))
	if !ok {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// FetchURL returns the locator as an absolute URL suitable for a request
func FetchURL(raw string) (string, bool) {
	u, ok := parseWebURL(strings.TrimSpace(raw))
	if !ok {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// parseWebURL accepts http(s) URLs and bare host/path forms such as
// "assembly.go.kr/bill/123"
func parseWebURL(s string) (*url.URL, bool) {
	if s == "" || strings.ContainsAny(s, " \t\n") || strings.HasPrefix(s, "@") {
		return nil, false
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(s, "://") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript:") {
			return nil, false
		}
		host := s
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		if !strings.Contains(host, ".") {
			return nil, false
		}
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return nil, false
	}
	return u, true
}

// cleanQuery drops tracking parameters and encodes the rest sorted by key
func cleanQuery(q url.Values) string {
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			delete(q, k)
		}
	}
	if len(q) == 0 {
		return ""
	}
	for _, vs := range q {
		sort.Strings(vs)
	}
	return q.Encode()
}

// minFingerprintTokens keeps very short titles out of near-duplicate
// suppression; "Budget" alone says nothing about identity
const minFingerprintTokens = 3

// TitleFingerprint reduces a title to lowercase letter/digit tokens so that
// reworded punctuation, casing and a trailing " - Site Name" suffix do not
// hide a duplicate. It returns "" for titles too short to compare.
func TitleFingerprint(title string) string {
	t := strings.TrimSpace(title)
	for _, sep := range []string{" | ", " - ", " – ", " — "} {
		if i := strings.LastIndex(t, sep); i > 0 && len(strings.Fields(t[:i])) >= minFingerprintTokens {
			t = t[:i]
		}
	}

	tokens := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) < minFingerprintTokens {
		return ""
	}
	return strings.Join(tokens, " ")
}

// resolveURL resolves href against base, keeping only http(s) targets
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := parsed
	if base != nil {
		resolved = base.ResolveReference(parsed)
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}
