// Package gateway serves channels by id from the signed origin pool. Players
// receive a channel playlist whose segment references point back at this
// proxy, each carrying an access token.
package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"kptv-timeshift/work/client"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/metrics"
	"kptv-timeshift/work/parser"
	"kptv-timeshift/work/proxy"
	"kptv-timeshift/work/token"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/upstream"
	"kptv-timeshift/work/utils"
)

// authRealm prefixes the string signed into tsum.
const authRealm = "tvata nginx auth module/"

// authWindow is the granularity of the ct parameter.
const authWindow = 150

// ErrPlaylistUnavailable is returned when no usable channel playlist came back.
var ErrPlaylistUnavailable = errors.New("channel playlist unavailable")

// Gateway resolves channel ids against the origin pool.
type Gateway struct {
	Config     *config.Config
	Pool       *upstream.Pool
	Tokens     *token.Manager
	HttpClient *client.HeaderSettingClient
	Forwarder  *proxy.StreamProxy
	Now        func() time.Time
}

// New wires a Gateway.
func New(cfg *config.Config, pool *upstream.Pool, tokens *token.Manager, httpClient *client.HeaderSettingClient, forwarder *proxy.StreamProxy) *Gateway {
	return &Gateway{
		Config:     cfg,
		Pool:       pool,
		Tokens:     tokens,
		HttpClient: httpClient,
		Forwarder:  forwarder,
		Now:        time.Now,
	}
}

// PlaylistURL builds the signed playlist URL for id on origin.
func (g *Gateway) PlaylistURL(origin, id string, now time.Time) string {
	ct := strconv.FormatInt(now.Unix()/authWindow, 10)
	sum := md5.Sum([]byte(authRealm + id + "/playlist.m3u8" + g.Config.AuthTID + ct))

	return origin + id + "/playlist.m3u8?tid=" + url.QueryEscape(g.Config.AuthTID) +
		"&ct=" + ct +
		"&tsum=" + hex.EncodeToString(sum[:])
}

// channelBase is the self URL prefix every rewritten segment reference and
// redirect starts from.
func channelBase(self, id string) string {
	return self + "?id=" + utils.PercentEncode(id, "/")
}

// Playlist fetches the channel playlist for id from the next origin and
// points its segment references at self, stamped with tok.
func (g *Gateway) Playlist(ctx context.Context, id, tok, self string) (string, error) {
	origin := g.Pool.Next()
	target := g.PlaylistURL(origin, id, g.Now())

	ctx, cancel := context.WithTimeout(ctx, g.Config.ListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlaylistUnavailable, err)
	}

	resp, err := g.HttpClient.Do(req, nil)
	if err != nil {
		logger.Error("{gateway/gateway - Playlist} fetch %s failed: %v", utils.LogURL(g.Config, target), err)
		return "", fmt.Errorf("%w: %v", ErrPlaylistUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Error("{gateway/gateway - Playlist} %s returned %d", utils.LogURL(g.Config, target), resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrPlaylistUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlaylistUnavailable, err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrPlaylistUnavailable)
	}

	base := channelBase(self, id) + "&token=" + utils.PercentEncode(tok, "/")
	return parser.RewriteSegmentRefs(string(body), base), nil
}

// SegmentRedirect returns where a segment request holding a missing or stale
// token should be sent, with a fresh token attached. ok is false when tok is
// still valid.
func (g *Gateway) SegmentRedirect(id, ts, tok, self string) (location string, ok bool) {
	if tok != "" && g.Tokens.IsValid(tok) {
		return "", false
	}
	fresh := g.Tokens.Issue()
	metrics.TokensIssued.Inc()
	return channelBase(self, id) +
		"&ts=" + utils.PercentEncode(ts, "/") +
		"&token=" + utils.PercentEncode(fresh, "/"), true
}

// Segment opens the segment ts of channel id on the next origin.
func (g *Gateway) Segment(ctx context.Context, id, ts string) (*proxy.Response, error) {
	target := g.Pool.Next() + id + "/" + ts
	return g.Forwarder.FetchSegment(ctx, target, nil, g.Config.GatewaySegmentTimeout)
}

// ServePlaylist answers an id request. It never redirects to itself; when
// the origin fails the player is sent to the fallback media instead.
func (g *Gateway) ServePlaylist(w http.ResponseWriter, r *http.Request, rc types.RequestContext) {
	tok := g.Tokens.IssueOrReuse(rc.Token)
	if tok != rc.Token {
		metrics.TokensIssued.Inc()
	}

	content, err := g.Playlist(r.Context(), rc.ID, tok, utils.SelfURL(g.Config, r))
	if err != nil {
		metrics.Requests.WithLabelValues("playlist", "fallback").Inc()
		http.Redirect(w, r, g.Config.FallbackURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
	metrics.Requests.WithLabelValues("playlist", "ok").Inc()
}

// ServeSegment answers an id+ts request behind the token gate.
func (g *Gateway) ServeSegment(w http.ResponseWriter, r *http.Request, rc types.RequestContext) {
	started := g.Now()

	if location, redirect := g.SegmentRedirect(rc.ID, rc.Segment, rc.Token, utils.SelfURL(g.Config, r)); redirect {
		logger.Debug("{gateway/gateway - ServeSegment} token missing or stale for %s, redirecting", rc.ID)
		metrics.Requests.WithLabelValues("segment", "redirect").Inc()
		http.Redirect(w, r, location, http.StatusFound)
		return
	}

	resp, err := g.Segment(r.Context(), rc.ID, rc.Segment)
	if err != nil {
		metrics.Requests.WithLabelValues("segment", "error").Inc()
		http.Error(w, "404 Not Found", http.StatusNotFound)
		return
	}
	defer resp.Close()

	g.Forwarder.WriteResponse(w, resp, started)
	metrics.Requests.WithLabelValues("segment", "ok").Inc()
}
