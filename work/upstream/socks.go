package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"kptv-timeshift/work/logger"
)

// supportedSchemes lists the proxy URL prefixes accepted from requests.
var supportedSchemes = []string{"socks5://", "socks5h://"}

// ProxyConfig is a validated SOCKS5 proxy selected for one request.
type ProxyConfig struct {
	Raw  string
	URL  *url.URL
	auth *proxy.Auth
}

// ResolveProxy validates an explicit proxy selector. Anything that is not
// a parsable socks5:// or socks5h:// URL means direct connect, reported as
// (nil, false).
func ResolveProxy(raw string) (*ProxyConfig, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !hasSupportedScheme(raw) {
		return nil, false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		logger.Debug("{upstream/socks - ResolveProxy} ignoring unparsable proxy %q: %v", raw, err)
		return nil, false
	}

	pc := &ProxyConfig{Raw: raw, URL: u}
	if u.User != nil {
		pc.auth = &proxy.Auth{User: u.User.Username()}
		if password, ok := u.User.Password(); ok {
			pc.auth.Password = password
		}
	}
	return pc, true
}

func hasSupportedScheme(raw string) bool {
	lower := strings.ToLower(raw)
	for _, scheme := range supportedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Key identifies the proxy for connection reuse; direct connect is "".
func (pc *ProxyConfig) Key() string {
	if pc == nil {
		return ""
	}
	return pc.Raw
}

// DialContext connects to addr through the SOCKS5 proxy.
func (pc *ProxyConfig) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", pc.URL.Host, pc.auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", pc.URL.Host, err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}
