package playlist

import (
	"net/url"
	"path"
	"strings"
)

// Rewriter turns relative playlist references into proxy URLs of the form
// {proxyBase}{endpoint}?url=<escaped absolute URL>.
type Rewriter struct {
	endpoint string
	prefix   string
}

// NewRewriter returns a Rewriter for a proxy reachable at proxyBase (may be
// empty for host-relative output) with the stream endpoint mounted at endpoint.
func NewRewriter(proxyBase, endpoint string) *Rewriter {
	proxyBase = strings.TrimRight(proxyBase, "/")
	return &Rewriter{
		endpoint: endpoint,
		prefix:   proxyBase + endpoint + "?url=",
	}
}

// Result is the output of a single rewrite pass.
type Result struct {
	Text      string
	Rewritten int // number of lines replaced
}

// BaseURL returns target truncated after its last '/', without query or
// fragment. Relative playlist references resolve against it.
func BaseURL(target *url.URL) *url.URL {
	base := *target
	base.RawQuery = ""
	base.Fragment = ""
	base.RawFragment = ""
	if i := strings.LastIndex(base.Path, "/"); i >= 0 {
		base.Path = base.Path[:i+1]
	} else {
		base.Path = "/"
	}
	base.RawPath = ""
	return &base
}

// ProxyURL wraps an absolute upstream URL as a proxy call.
func (r *Rewriter) ProxyURL(absolute string) string {
	return r.prefix + url.QueryEscape(absolute)
}

// Rewrite replaces every relative reference to a playlist or segment with a
// proxy URL resolved against base. Directives, blank lines, absolute URLs and
// lines that already are proxy calls are left untouched, so running Rewrite on
// its own output is a no-op. Line endings are preserved.
func (r *Rewriter) Rewrite(body string, base *url.URL) Result {
	lines := strings.Split(body, "\n")
	res := Result{}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		ref, ok := r.rewritable(trimmed)
		if !ok {
			continue
		}

		out := r.ProxyURL(base.ResolveReference(ref).String())
		if strings.HasSuffix(line, "\r") {
			out += "\r"
		}
		lines[i] = out
		res.Rewritten++
	}

	res.Text = strings.Join(lines, "\n")
	return res
}

// rewritable reports whether a trimmed playlist line is a relative
// reference to rewrite. The extension is checked on the path alone, so
// query strings on segment URLs do not prevent rewriting.
func (r *Rewriter) rewritable(line string) (*url.URL, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, false
	}
	if strings.HasPrefix(line, r.prefix) {
		return nil, false
	}

	ref, err := url.Parse(line)
	if err != nil || ref.IsAbs() {
		return nil, false
	}
	if r.isProxyCall(ref) {
		return nil, false
	}

	switch strings.ToLower(path.Ext(ref.Path)) {
	case ManifestExt, SegmentExt:
		return ref, true
	}
	return nil, false
}

func (r *Rewriter) isProxyCall(ref *url.URL) bool {
	return strings.HasSuffix(ref.Path, r.endpoint) && ref.Query().Has("url")
}
