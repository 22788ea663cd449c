package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-timeshift/work/cache"
	"kptv-timeshift/work/catalog"
	"kptv-timeshift/work/client"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/gateway"
	"kptv-timeshift/work/proxy"
	"kptv-timeshift/work/timeshift"
	"kptv-timeshift/work/token"
	"kptv-timeshift/work/upstream"
)

// newOrigin serves a channel list, a gateway playlist and segments.
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list.txt":
			_, _ = io.WriteString(w, "News,#genre#\nCCTV1,http://src.test/p?id=cctv1\n")
		case strings.HasSuffix(r.URL.Path, "/playlist.m3u8"):
			_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:10,\n100.ts\n")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			_, _ = io.WriteString(w, "ts:"+r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, origin string) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Upstreams:             []string{origin + "/"},
		ListURL:               origin + "/list.txt",
		FallbackURL:           "http://fallback.test/oceans.mp4",
		AuthTID:               "mc42afe745533",
		ManifestTimeout:       time.Second,
		SegmentTimeout:        time.Second,
		GatewaySegmentTimeout: time.Second,
		ListTimeout:           time.Second,
		SlowRequestThreshold:  2 * time.Second,
		CatalogRate:           100,
		UserAgent:             "kptv-test/1.0",
	}
	require.NoError(t, cfg.SetClearKey("secret"))

	hsc := client.NewHeaderSettingClient(cfg)
	pool, err := upstream.NewPool(cfg.Upstreams)
	require.NoError(t, err)

	sp := proxy.New(cfg, hsc, timeshift.NewNormalizer(), nil)
	gw := gateway.New(cfg, pool, token.NewManager(time.Hour), hsc, sp)
	cat := catalog.New(cfg, hsc, cache.NewCache(time.Hour))

	mux := http.NewServeMux()
	mux.HandleFunc("/resolve", HandleResolve(sp, cfg))
	mux.HandleFunc("/healthz", HandleHealth())
	mux.HandleFunc("/", HandleRoot(sp, gw, cat, cfg))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// noRedirect returns a client that surfaces 3xx responses.
func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func get(t *testing.T, u string) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirect().Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestRoot_ChannelList(t *testing.T) {
	srv := newTestServer(t, newOrigin(t).URL)

	resp, body := get(t, srv.URL+"/?unknown=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "News,#genre#\nCCTV1,"+srv.URL+"/?id=cctv1", body)
}

func TestRoot_GatewayPlaylistWithoutToken(t *testing.T) {
	srv := newTestServer(t, newOrigin(t).URL)

	resp, body := get(t, srv.URL+"/?id=cctv1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 3)
	segment := lines[2]
	assert.True(t, strings.HasPrefix(segment, srv.URL+"/?id=cctv1&token="))

	// following the rewritten reference serves the segment
	resp, body = get(t, segment)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ts:/cctv1/100.ts", body)
}

func TestRoot_SegmentWithoutTokenRedirects(t *testing.T) {
	srv := newTestServer(t, newOrigin(t).URL)

	resp, _ := get(t, srv.URL+"/?id=cctv1&ts=100.ts")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "100.ts", location.Query().Get("ts"))
	assert.NotEmpty(t, location.Query().Get("token"))

	resp, body := get(t, location.String())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ts:/cctv1/100.ts", body)
}

func TestRoot_Forward(t *testing.T) {
	origin := newOrigin(t)
	srv := newTestServer(t, origin.URL)

	resp, body := get(t, srv.URL+"/?a="+url.QueryEscape(origin.URL+"/x/seg.ts"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ts:/x/seg.ts", body)

	resp, body = get(t, srv.URL+"/?target="+url.QueryEscape(origin.URL+"/missing.m3u8"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "request failed: 404", body)
}

func TestRoot_ClearCache(t *testing.T) {
	srv := newTestServer(t, newOrigin(t).URL)

	resp, _ := get(t, srv.URL+"/?action=clear_cache&key=wrong")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := get(t, srv.URL+"/?action=clear_cache&key=secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "cache cleared\nchannel list rebuilt, count: 1", body)
}

func TestResolve(t *testing.T) {
	srv := newTestServer(t, newOrigin(t).URL)

	resp, body := get(t, srv.URL+"/resolve")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "missing URL parameter target")

	resp, _ = get(t, srv.URL+"/resolve?target=rtmp://o.test/live")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get(t, srv.URL+"/resolve?target="+url.QueryEscape("http://o.test/a.m3u8")+"&start=11-20+07:00&end=11-20+08:00")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res proxy.Resolution
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	assert.Equal(t, "direct", res.ProxyType)
	assert.Equal(t, "11-20 07:00", res.StartTime)
	assert.Equal(t, srv.URL+"/?target=http%3A%2F%2Fo.test%2Fa.m3u8&start=11-20%2007%3A00&end=11-20%2008%3A00", res.URL)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newOrigin(t).URL)

	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}
