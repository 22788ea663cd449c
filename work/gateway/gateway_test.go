package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-timeshift/work/client"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/proxy"
	"kptv-timeshift/work/timeshift"
	"kptv-timeshift/work/token"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/upstream"
)

var fixedNow = time.Unix(1732060800, 0)

func newTestGateway(t *testing.T, origins ...string) *Gateway {
	t.Helper()
	cfg := &config.Config{
		AuthTID:               "mc42afe745533",
		FallbackURL:           "http://fallback.test/oceans.mp4",
		ListTimeout:           time.Second,
		GatewaySegmentTimeout: time.Second,
		SegmentTimeout:        time.Second,
		ManifestTimeout:       time.Second,
		UserAgent:             "kptv-test/1.0",
	}
	pool, err := upstream.NewPool(origins)
	require.NoError(t, err)

	tokens := token.NewManager(2400 * time.Second)
	tokens.Now = func() time.Time { return fixedNow }

	hsc := client.NewHeaderSettingClient(cfg)
	gw := New(cfg, pool, tokens, hsc, proxy.New(cfg, hsc, timeshift.NewNormalizer(), nil))
	gw.Now = func() time.Time { return fixedNow }
	return gw
}

func TestPlaylistURL(t *testing.T) {
	gw := newTestGateway(t, "http://o.test/")

	ct := "11547072" // 1732060800 / 150
	sum := md5.Sum([]byte("tvata nginx auth module/cctv1/playlist.m3u8mc42afe745533" + ct))

	assert.Equal(t,
		"http://o.test/cctv1/playlist.m3u8?tid=mc42afe745533&ct="+ct+"&tsum="+hex.EncodeToString(sum[:]),
		gw.PlaylistURL("http://o.test/", "cctv1", fixedNow))
}

func TestPlaylistRewritesSegments(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:10,\n1732060800.ts\n")
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv.URL+"/")
	content, err := gw.Playlist(t.Context(), "cctv1", "abc:1732060800", "http://proxy.test/")
	require.NoError(t, err)

	assert.Equal(t, "/cctv1/playlist.m3u8", gotPath)
	assert.Equal(t,
		"#EXTM3U\n#EXTINF:10,\nhttp://proxy.test/?id=cctv1&token=abc%3A1732060800&ts=1732060800.ts\n",
		content)
}

func TestPlaylistFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	gw := newTestGateway(t, srv.URL+"/")
	_, err := gw.Playlist(t.Context(), "cctv1", "tok", "http://proxy.test/")
	assert.ErrorIs(t, err, ErrPlaylistUnavailable)

	rec := httptest.NewRecorder()
	gw.ServePlaylist(rec, httptest.NewRequest(http.MethodGet, "/?id=cctv1", nil), types.RequestContext{ID: "cctv1"})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://fallback.test/oceans.mp4", rec.Header().Get("Location"))
}

func TestServePlaylistNeverRedirectsOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\nseg.ts\n")
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv.URL+"/")
	rec := httptest.NewRecorder()
	gw.ServePlaylist(rec, httptest.NewRequest(http.MethodGet, "http://proxy.test/?id=cctv1", nil), types.RequestContext{ID: "cctv1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	u, err := url.Parse(lines[1])
	require.NoError(t, err)
	assert.True(t, gw.Tokens.IsValid(u.Query().Get("token")))
	assert.Equal(t, "seg.ts", u.Query().Get("ts"))
}

func TestSegmentRedirect(t *testing.T) {
	gw := newTestGateway(t, "http://o.test/")

	valid := gw.Tokens.Issue()
	_, redirect := gw.SegmentRedirect("cctv1", "a.ts", valid, "http://proxy.test/")
	assert.False(t, redirect)

	stale := "deadbeef:" + "1732050000"
	for _, tok := range []string{"", "garbage", stale} {
		location, redirect := gw.SegmentRedirect("cctv1", "a.ts", tok, "http://proxy.test/")
		require.True(t, redirect, tok)

		u, err := url.Parse(location)
		require.NoError(t, err)
		assert.Equal(t, "cctv1", u.Query().Get("id"))
		assert.Equal(t, "a.ts", u.Query().Get("ts"))
		assert.True(t, gw.Tokens.IsValid(u.Query().Get("token")))
	}
}

func TestServeSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cctv1/a.ts" {
			_, _ = io.WriteString(w, "ts-data")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv.URL+"/")
	tok := gw.Tokens.Issue()
	req := httptest.NewRequest(http.MethodGet, "http://proxy.test/?id=cctv1&ts=a.ts", nil)

	rec := httptest.NewRecorder()
	gw.ServeSegment(rec, req, types.RequestContext{ID: "cctv1", Segment: "a.ts", Token: tok})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ts-data", rec.Body.String())

	rec = httptest.NewRecorder()
	gw.ServeSegment(rec, req, types.RequestContext{ID: "cctv1", Segment: "missing.ts", Token: tok})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	gw.ServeSegment(rec, req, types.RequestContext{ID: "cctv1", Segment: "a.ts"})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "http://proxy.test/?id=cctv1&ts=a.ts&token="))
}
