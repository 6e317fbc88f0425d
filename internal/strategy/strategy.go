// Package strategy selects outbound request headers for anime CDN hosts.
//
// Each CDN family owns an ordered list of header builders. Attempt 0 looks
// like a full browser request; later attempts get progressively more minimal
// until the last one identifies as a plain media client.
package strategy

import (
	"net/http"
	"strings"
)

const (
	uaChrome       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	uaEdge         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0"
	uaFirefox      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0"
	uaSafari       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	uaMobileSafari = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	uaVLC          = "VLC/3.0.20 LibVLC/3.0.20"
	uaCurl         = "curl/8.5.0"
)

// Builder produces the header set for one attempt against domain.
type Builder func(domain string) http.Header

// Family is a group of CDN hosts sharing one anti-hotlinking behaviour.
type Family struct {
	Name     string
	Patterns []string // lowercase hostname substrings
	Builders []Builder
}

func (f Family) matches(host string) bool {
	for _, p := range f.Patterns {
		if strings.Contains(host, p) {
			return true
		}
	}
	return false
}

// Strategy is the immutable header set chosen for one attempt.
type Strategy struct {
	Family  string
	Attempt int
	header  http.Header
}

// Header returns a copy of the strategy's headers, safe to attach to a request.
func (s Strategy) Header() http.Header {
	return s.header.Clone()
}

// Selector maps (domain, attempt) to a Strategy. It holds no mutable state
// and is safe for concurrent use.
type Selector struct {
	families []Family
	fallback Family
}

// NewSelector returns a Selector over the built-in CDN family table.
func NewSelector() *Selector {
	return NewSelectorWith(defaultFamilies(), genericFamily())
}

// NewSelectorWith returns a Selector over a custom table. Families are
// matched in order; fallback is used when none matches and must have at
// least one builder.
func NewSelectorWith(families []Family, fallback Family) *Selector {
	return &Selector{families: families, fallback: fallback}
}

// FamilyFor returns the family a hostname is classified into.
func (s *Selector) FamilyFor(domain string) Family {
	host := strings.ToLower(domain)
	for _, f := range s.families {
		if f.matches(host) {
			return f
		}
	}
	return s.fallback
}

// Select returns the header strategy for domain at the given attempt. Attempts
// past the end of the family's list reuse its last, most conservative entry.
// A non-empty rangeHeader is merged into every strategy.
func (s *Selector) Select(domain string, attempt int, rangeHeader string) Strategy {
	f := s.FamilyFor(domain)

	idx := max(attempt, 0)
	if idx >= len(f.Builders) {
		idx = len(f.Builders) - 1
	}

	h := f.Builders[idx](strings.ToLower(domain))
	if rangeHeader != "" {
		h.Set("Range", rangeHeader)
	}

	return Strategy{Family: f.Name, Attempt: attempt, header: h}
}

// browser returns a full desktop-browser header set with the given referer
// origin. An empty origin omits Referer and Origin.
func browser(ua, origin string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate")
	h.Set("Connection", "keep-alive")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "cross-site")
	if origin != "" {
		h.Set("Referer", origin+"/")
		h.Set("Origin", origin)
	}
	return h
}

// plain returns a reduced header set: user agent, accept and optional referer.
func plain(ua, referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "*/*")
	if referer != "" {
		h.Set("Referer", referer)
	}
	return h
}

// mediaClient identifies as a standalone player with no browser context.
func mediaClient(ua string) Builder {
	return func(string) http.Header {
		h := http.Header{}
		h.Set("User-Agent", ua)
		h.Set("Accept", "*/*")
		return h
	}
}

func selfOrigin(domain string) string {
	return "https://" + domain
}

func defaultFamilies() []Family {
	return []Family{
		{
			Name:     "twist",
			Patterns: []string{"twist.moe", "twistcdn", "cdn.twist"},
			Builders: []Builder{
				func(string) http.Header { return browser(uaChrome, "https://twist.moe") },
				func(string) http.Header { return plain(uaFirefox, "https://twist.moe/") },
				func(string) http.Header { return plain(uaSafari, "https://twist.moe/") },
				mediaClient(uaVLC),
			},
		},
		{
			Name:     "lightning",
			Patterns: []string{"lightningspark", "lightning", "haildrop"},
			Builders: []Builder{
				func(d string) http.Header { return browser(uaChrome, selfOrigin(d)) },
				func(d string) http.Header { return plain(uaFirefox, selfOrigin(d)+"/") },
				mediaClient(uaVLC),
			},
		},
		{
			Name: "hianime",
			Patterns: []string{
				"hianime", "aniwatch", "megacloud", "rapid-cloud", "rabbitstream",
				"vidcloud", "netmagcdn", "biananset", "mgstatics",
			},
			Builders: []Builder{
				func(string) http.Header { return browser(uaChrome, "https://megacloud.blog") },
				func(string) http.Header { return browser(uaEdge, "https://hianime.to") },
				func(string) http.Header { return plain(uaFirefox, "https://megacloud.blog/") },
				func(string) http.Header { return plain(uaMobileSafari, "") },
				mediaClient(uaCurl),
			},
		},
	}
}

func genericFamily() Family {
	return Family{
		Name: "generic",
		Builders: []Builder{
			func(d string) http.Header { return browser(uaChrome, selfOrigin(d)) },
			func(d string) http.Header { return plain(uaFirefox, selfOrigin(d)+"/") },
			func(string) http.Header { return plain(uaSafari, "") },
			mediaClient(uaVLC),
			mediaClient(uaCurl),
		},
	}
}
