package utils

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"kptv-timeshift/work/config"
)

const upperhex = "0123456789ABCDEF"

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks the rest.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// PercentEncode escapes every byte of s except ALPHA, DIGIT, "-", ".", "_",
// "~" and the bytes listed in safe. Spaces become %20, never "+".
func PercentEncode(s string, safe string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || (c < 0x80 && strings.IndexByte(safe, c) >= 0) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// SelfURL returns the URL clients should use to reach this proxy's query
// endpoint. A configured base URL wins; otherwise it is built from the
// request, honouring X-Forwarded-Proto.
func SelfURL(cfg *config.Config, r *http.Request) string {
	if cfg != nil && cfg.BaseURL != "" {
		return cfg.BaseURL + "/"
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return fmt.Sprintf("%s://%s/", scheme, r.Host)
}

// FormatBytes renders a byte count using binary units.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
