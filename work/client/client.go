package client

import (
	"net"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"

	"kptv-timeshift/work/config"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/upstream"
)

// defaultMaxClients bounds the client cache when the config leaves it unset.
const defaultMaxClients = 64

// HeaderSettingClient sends upstream requests with the proxy's fixed header
// set. It keeps one http.Client per SOCKS5 proxy (plus one for direct
// connect) so keep-alive connections are shared by requests that pick the
// same proxy.
//
// The proxy selector arrives in the request query, so the set of clients is
// held in a size-bounded cache. An evicted client has its idle connections
// closed; requests still holding it finish normally.
type HeaderSettingClient struct {
	config  *config.Config
	clients *otter.Cache[string, *http.Client]
}

// NewHeaderSettingClient creates a client with an empty transport set,
// holding at most cfg.MaxProxyClients transports.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	maxClients := cfg.MaxProxyClients
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	return &HeaderSettingClient{
		config: cfg,
		clients: otter.Must(&otter.Options[string, *http.Client]{
			MaximumSize: maxClients,
			OnDeletion: func(e otter.DeletionEvent[string, *http.Client]) {
				e.Value.CloseIdleConnections()
				logger.Debug("{client/client - NewHeaderSettingClient} dropped client for proxy %q", e.Key)
			},
		}),
	}
}

// newTransport builds the tuned transport used for every upstream, dialing
// through pc when it is non-nil. No overall timeout is set; callers bound
// each request with a context.
func newTransport(pc *upstream.ProxyConfig) *http.Transport {
	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		DisableCompression:    true,
	}
	if pc != nil {
		transport.DialContext = pc.DialContext
	} else {
		transport.DialContext = (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	return transport
}

// clientFor returns the shared client for pc, creating it on first use.
// Two racing callers may both build one; only the stored client is returned.
func (hsc *HeaderSettingClient) clientFor(pc *upstream.ProxyConfig) *http.Client {
	key := pc.Key()
	if c, ok := hsc.clients.GetIfPresent(key); ok {
		return c
	}

	c, inserted := hsc.clients.SetIfAbsent(key, &http.Client{Transport: newTransport(pc)})
	if inserted {
		logger.Debug("{client/client - clientFor} created client for proxy %q", key)
	}
	return c
}

// Do sends req directly or through pc after applying the standard headers.
func (hsc *HeaderSettingClient) Do(req *http.Request, pc *upstream.ProxyConfig) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.clientFor(pc).Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
}

// ClientCount returns how many distinct upstream clients are cached.
func (hsc *HeaderSettingClient) ClientCount() int {
	hsc.clients.CleanUp()
	return hsc.clients.EstimatedSize()
}

// CloseIdleConnections drops idle keep-alive connections on every client.
func (hsc *HeaderSettingClient) CloseIdleConnections() {
	for _, c := range hsc.clients.All() {
		c.CloseIdleConnections()
	}
}
