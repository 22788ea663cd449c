package proxy

import (
	"strings"

	"kptv-timeshift/work/parser"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/upstream"
)

// Resolution describes how a target will be played through the proxy.
type Resolution struct {
	URL         string `json:"url"`          // proxied play URL
	OriginalURL string `json:"original_url"` // target as supplied
	ProxyType   string `json:"proxy_type"`   // "socks5" or "direct"
	ProxyServer string `json:"proxy_server"` // raw proxy URL or "none"
	Playseek    string `json:"playseek"`     // raw expression or "none"
	SeekRange   string `json:"seek_range"`   // range the upstream would receive, or "none"
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Status      string `json:"status"`
}

// Resolve validates rc.Target and builds the proxied play URL for it. The raw
// time inputs are carried on the URL; SeekRange is reported for display only.
func (sp *StreamProxy) Resolve(rc types.RequestContext, self string) (*Resolution, error) {
	if rc.Target == "" {
		return nil, ErrMissingParameter
	}
	if !strings.HasPrefix(rc.Target, "http://") && !strings.HasPrefix(rc.Target, "https://") {
		return nil, ErrInvalidURLScheme
	}

	pc, ok := upstream.ResolveProxy(rc.Proxy)
	proxyType, proxyServer := "direct", "none"
	if ok {
		proxyType, proxyServer = "socks5", pc.Raw
		sp.dispatchProbe(rc.Target, pc)
	}

	seek, _ := sp.SeekRange(rc)

	return &Resolution{
		URL: parser.BuildProxyURL(self, rc.Target, parser.Passthrough{
			Proxy:    rc.Proxy,
			Playseek: rc.Playseek,
			Start:    rc.Start,
			End:      rc.End,
		}),
		OriginalURL: rc.Target,
		ProxyType:   proxyType,
		ProxyServer: proxyServer,
		Playseek:    orNone(rc.Playseek),
		SeekRange:   orNone(seek),
		StartTime:   orNone(rc.Start),
		EndTime:     orNone(rc.End),
		Status:      "ready",
	}, nil
}
