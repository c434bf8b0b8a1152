package normalize

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/njoerd114/listingrelay/internal/model"
)

var defaultImageHosts = map[model.Source][]string{
	model.SourceEncar:     {"*.encar.com", "*.auto-api.com"},
	model.SourceChe168:    {"*.autoimg.cn", "*.che168.com", "*.auto-api.com"},
	model.SourceDongchedi: {"*.byteimg.com", "*.dcarimg.com", "*.dongchedi.com", "*.auto-api.com"},
}

// blockedImageHosts are signed CDN hosts that refuse requests from outside
// mainland China.
var blockedImageHosts = []string{"p*-dcd-sign.byteimg.com"}

var doubleEncoded = regexp.MustCompile(`%25([0-9A-Fa-f]{2})`)

// imageList reads images given as a JSON array, a JSON-encoded array inside
// a string, or a single URL string.
func imageList(r gjson.Result) []string {
	switch {
	case r.IsArray():
		var out []string
		for _, item := range r.Array() {
			if item.Type == gjson.String {
				out = append(out, item.String())
			}
		}
		return out
	case r.Type == gjson.String:
		s := strings.TrimSpace(r.String())
		if strings.HasPrefix(s, "[") && gjson.Valid(s) {
			return imageList(gjson.Parse(s))
		}
		if s != "" {
			return []string{s}
		}
	}
	return nil
}

// repairURL collapses double percent-encoding and escapes literal plus signs
// in the query, which CDNs otherwise read as spaces in signatures.
func repairURL(raw string) string {
	s := doubleEncoded.ReplaceAllString(strings.TrimSpace(raw), "%$1")
	base, query, ok := strings.Cut(s, "?")
	if !ok {
		return s
	}
	return base + "?" + strings.ReplaceAll(query, "+", "%2B")
}

func hostMatches(host string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, host); ok {
			return true
		}
	}
	return false
}

// filterImages repairs, validates and deduplicates urls, preserving order.
// URLs that fail validation are returned as rejected.
func filterImages(urls []string, allowed []string) (accepted, rejected []string) {
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		fixed := repairURL(raw)
		u, err := url.Parse(fixed)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			rejected = append(rejected, raw)
			continue
		}
		host := strings.ToLower(u.Hostname())
		if hostMatches(host, blockedImageHosts) || !hostMatches(host, allowed) {
			rejected = append(rejected, raw)
			continue
		}
		if _, dup := seen[fixed]; dup {
			continue
		}
		seen[fixed] = struct{}{}
		accepted = append(accepted, fixed)
	}
	if accepted == nil {
		accepted = []string{}
	}
	return accepted, rejected
}
