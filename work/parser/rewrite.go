package parser

import (
	"net/url"
	"strings"

	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/utils"
)

// Passthrough is the routing context every rewritten reference carries
// forward, so a sub-playlist or segment fetched through the proxy sees the
// same proxy and time-shift input as its parent.
type Passthrough struct {
	Proxy    string // socks5:// selector, possibly empty
	Playseek string // raw playseek expression, re-derived on every hop
	Start    string // raw program-guide start
	End      string // raw program-guide end
}

// RewriteContext describes one manifest being rewritten.
type RewriteContext struct {
	SelfURL     string // query endpoint of this proxy, e.g. http://host:8080/
	ManifestURL string // absolute URL the manifest was fetched from
	Passthrough
}

// RewriteManifest re-routes every URI line of an HLS manifest through the
// proxy, so that sub-playlists and segments are fetched by the proxy with
// the same upstream proxy and time-shift input as the manifest itself.
//
// Each line is handled on its own and line order is kept exactly:
//   - blank lines and lines starting with "#" are copied verbatim
//   - lines already pointing at rc.SelfURL are copied verbatim, so a
//     manifest rewritten twice comes out unchanged
//   - every other line is resolved to an absolute URL with ResolveReference
//     and replaced by BuildProxyURL(rc.SelfURL, target, rc.Passthrough)
//
// Lines of any length are kept; nothing is filtered or deduplicated. A
// trailing "\r" is dropped from each line, the result is rejoined with "\n"
// and no trailing newline is added.
//
// Parameters:
//   - text: manifest body as fetched from upstream
//   - rc: self URL, manifest URL and the passthrough fields to carry forward
//
// Returns:
//   - string: the rewritten manifest
func RewriteManifest(text string, rc RewriteContext) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	rewritten := 0
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		lines[i] = line
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") || isSelfReference(line, rc.SelfURL) {
			continue
		}
		target := ResolveReference(rc.ManifestURL, line)
		lines[i] = BuildProxyURL(rc.SelfURL, target, rc.Passthrough)
		rewritten++
	}

	logger.Debug("{parser/rewrite - RewriteManifest} rewrote %d of %d lines from %s", rewritten, len(lines), rc.ManifestURL)
	return strings.Join(lines, "\n")
}

// ResolveReference turns a manifest URI line into an absolute URL.
//
// Absolute http(s) references are returned unchanged, scheme-relative ones
// get an "http:" prefix, root-relative ones are joined to the manifest's
// scheme and host, and anything else is resolved against the manifest URL
// truncated at its last "/".
func ResolveReference(manifestURL, ref string) string {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return "http:" + ref
	case strings.HasPrefix(ref, "/"):
		base, err := url.Parse(manifestURL)
		if err != nil {
			logger.Debug("{parser/rewrite - ResolveReference} unparsable manifest URL %q: %v", manifestURL, err)
			return ref
		}
		return base.Scheme + "://" + base.Host + ref
	}

	dir := manifestURL
	if i := strings.LastIndex(manifestURL, "/"); i >= 0 {
		dir = manifestURL[:i+1]
	}

	base, err := url.Parse(dir)
	if err != nil {
		return dir + ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return dir + ref
	}
	return base.ResolveReference(rel).String()
}

// BuildProxyURL encodes target and the passthrough fields as query
// parameters of selfURL, in the order target, proxy, playseek, start, end.
// Empty fields are omitted and every value is percent-encoded with no safe
// characters.
func BuildProxyURL(selfURL, target string, p Passthrough) string {
	var b strings.Builder
	b.WriteString(selfURL)
	if strings.Contains(selfURL, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString("target=")
	b.WriteString(utils.PercentEncode(target, ""))

	for _, param := range []struct{ key, value string }{
		{"proxy", p.Proxy},
		{"playseek", p.Playseek},
		{"start", p.Start},
		{"end", p.End},
	} {
		if param.value == "" {
			continue
		}
		b.WriteByte('&')
		b.WriteString(param.key)
		b.WriteByte('=')
		b.WriteString(utils.PercentEncode(param.value, ""))
	}
	return b.String()
}

// isSelfReference reports whether line already points at this proxy with a
// target parameter, which happens when a manifest is rewritten twice.
func isSelfReference(line, selfURL string) bool {
	if selfURL == "" || !strings.HasPrefix(line, selfURL) {
		return false
	}
	u, err := url.Parse(line)
	if err != nil {
		return false
	}
	q := u.Query()
	return q.Get("target") != "" || q.Get("a") != ""
}
