package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"kptv-timeshift/work/buffer"
	"kptv-timeshift/work/client"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/metrics"
	"kptv-timeshift/work/parser"
	"kptv-timeshift/work/timeshift"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/upstream"
	"kptv-timeshift/work/utils"
)

// chunkSize is the segment copy buffer; each chunk is flushed to the client.
const chunkSize = 8 * 1024

// ContentKind tells a rewritten manifest from a piped media segment.
type ContentKind string

const (
	KindManifest ContentKind = "manifest"
	KindSegment  ContentKind = "segment"
)

// StreamProxy forwards absolute upstream targets on behalf of players. It is
// the engine behind every rewritten manifest reference: a player fetches a
// manifest through it, receives references that point back at it, and then
// fetches sub-playlists and segments through it the same way.
//
// Manifests are buffered whole under a short deadline so they can be
// rewritten before they are returned. Segments are streamed to the client as
// they arrive, with a deadline that only covers the wait for headers. Every
// forward may also queue a HEAD probe of the target on the worker pool; the
// probe only feeds logs and metrics and never changes the response.
//
// A StreamProxy holds no per-request state and is safe for concurrent use.
type StreamProxy struct {
	Config       *config.Config              // application configuration
	HttpClient   *client.HeaderSettingClient // upstream client, one transport per SOCKS5 proxy
	Normalizer   *timeshift.Normalizer       // time expression conversion
	BufferPool   *buffer.BufferPool          // manifest bodies and segment copy chunks
	WorkerPool   *ants.Pool                  // runs background reachability probes
	ProbeLimiter ratelimit.Limiter           // caps probe rate
	now          func() time.Time
}

// Response is the outcome of a successful Fetch. Exactly one of Body and
// Stream is set; Streamed reports which.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	Timeout    time.Duration // budget the upstream request ran under
	Streamed   bool
	Kind       ContentKind
	Playlist   parser.PlaylistKind
	Target     string // upstream URL after playseek splicing
	cancel     context.CancelFunc
}

// Close releases the upstream body and its request context.
func (r *Response) Close() error {
	var err error
	if r.Stream != nil {
		err = r.Stream.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

// New creates a StreamProxy. A nil workerPool disables probing.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, normalizer *timeshift.Normalizer, workerPool *ants.Pool) *StreamProxy {
	rate := cfg.ProbeRate
	if rate <= 0 {
		rate = 20
	}
	logger.Debug("{proxy/stream - New} probe limiter at %d req/sec", rate)

	return &StreamProxy{
		Config:       cfg,
		HttpClient:   httpClient,
		Normalizer:   normalizer,
		BufferPool:   buffer.NewBufferPool(chunkSize),
		WorkerPool:   workerPool,
		ProbeLimiter: ratelimit.New(rate),
		now:          time.Now,
	}
}

// IsManifestRequest reports whether target should be treated as a manifest,
// either by its extension or because the client asked for an mpegurl type.
func IsManifestRequest(target, accept string) bool {
	return strings.Contains(strings.ToLower(target), ".m3u8") ||
		strings.Contains(strings.ToLower(accept), "mpegurl")
}

// SeekRange derives the upstream seek range for rc. Guide start/end win over
// a playseek expression. The second return value is the fallback flag.
func (sp *StreamProxy) SeekRange(rc types.RequestContext) (string, bool) {
	var res timeshift.Result
	switch {
	case rc.HasProgramRange():
		res = sp.Normalizer.ProgramRange(rc.Start, rc.End)
		logger.Info("{proxy/stream - SeekRange} program time %s - %s -> %s", rc.Start, rc.End, res.Value)
		if res.Fallback {
			metrics.TimeFallbacks.WithLabelValues("program").Inc()
		}
	case rc.Playseek != "":
		res = sp.Normalizer.ProcessPlayseek(rc.Playseek)
		logger.Debug("{proxy/stream - SeekRange} playseek %s -> %s", rc.Playseek, res.Value)
		if res.Fallback {
			metrics.TimeFallbacks.WithLabelValues("playseek").Inc()
		}
	}
	return res.Value, res.Fallback
}

// Fetch performs one forward for rc.
//
// The seek range is derived first (a guide start/end pair wins over
// playseek) and spliced into the target as its playseek parameter, after
// which a reachability probe is queued. The target is then treated as a
// manifest when it ends in .m3u8 or the client accepts an mpegurl type,
// and as a segment otherwise. Manifests come back fully read and rewritten
// against self, carrying the raw passthrough fields; segments come back as
// an open stream the caller must Close.
//
// Parameters:
//   - ctx: request context; cancelling it aborts the upstream read
//   - rc: parsed query of the forward request
//   - self: the proxy's own query URL, used in rewritten references
//   - accept: the client's Accept header
//
// Returns:
//   - *Response: manifest body or segment stream with its headers set
//   - error: ErrMissingParameter, or an *UpstreamError for timeouts,
//     connection failures and non-200 answers
func (sp *StreamProxy) Fetch(ctx context.Context, rc types.RequestContext, self, accept string) (*Response, error) {
	if rc.Target == "" {
		return nil, ErrMissingParameter
	}

	pc, _ := upstream.ResolveProxy(rc.Proxy)
	seek, _ := sp.SeekRange(rc)
	target := timeshift.SpliceIntoURL(rc.Target, seek)

	sp.dispatchProbe(target, pc)

	var (
		resp *Response
		err  error
	)
	if IsManifestRequest(target, accept) {
		resp, err = sp.fetchManifest(ctx, target, pc, rc, self)
	} else {
		resp, err = sp.FetchSegment(ctx, target, pc, sp.Config.SegmentTimeout)
	}
	if err != nil {
		return nil, err
	}

	resp.Header.Set("X-Playseek", orNone(seek))
	if resp.Kind == KindManifest {
		resp.Header.Set("X-Program-Start", orNone(rc.Start))
		resp.Header.Set("X-Program-End", orNone(rc.End))
	}
	return resp, nil
}

func (sp *StreamProxy) fetchManifest(ctx context.Context, target string, pc *upstream.ProxyConfig, rc types.RequestContext, self string) (*Response, error) {
	timeout := sp.Config.ManifestTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &UpstreamError{Kind: UpstreamConnectionFailure, Err: err}
	}

	started := time.Now()
	resp, err := sp.HttpClient.Do(req, pc)
	if err != nil {
		return nil, sp.upstreamFailure("manifest", classifyTransportError(err, false))
	}
	defer resp.Body.Close()
	metrics.UpstreamLatency.WithLabelValues(string(KindManifest)).Observe(time.Since(started).Seconds())

	if resp.StatusCode != http.StatusOK {
		return nil, sp.upstreamFailure("manifest", &UpstreamError{Kind: UpstreamNonSuccessStatus, StatusCode: resp.StatusCode})
	}

	bb := sp.BufferPool.Get()
	defer sp.BufferPool.Put(bb)
	if _, err := bb.ReadFrom(resp.Body); err != nil {
		return nil, sp.upstreamFailure("manifest", classifyTransportError(err, false))
	}

	text := bb.String()
	playlist := parser.ClassifyPlaylist(text)
	body := parser.RewriteManifest(text, parser.RewriteContext{
		SelfURL:     self,
		ManifestURL: target,
		Passthrough: parser.Passthrough{
			Proxy:    rc.Proxy,
			Playseek: rc.Playseek,
			Start:    rc.Start,
			End:      rc.End,
		},
	})
	metrics.Manifests.WithLabelValues(string(playlist)).Inc()
	logger.Debug("{proxy/stream - fetchManifest} rewrote %s playlist from %s (%d bytes)", playlist, utils.LogURL(sp.Config, target), len(body))

	header := http.Header{}
	header.Set("Content-Type", "application/vnd.apple.mpegurl")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-cache, max-age=0")
	header.Set("Access-Control-Allow-Origin", "*")

	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       []byte(body),
		Timeout:    timeout,
		Kind:       KindManifest,
		Playlist:   playlist,
		Target:     target,
	}, nil
}

// FetchSegment opens target for streaming. timeout bounds only the wait for
// response headers; the body is read under ctx alone, so a client
// disconnect stops the upstream read.
func (sp *StreamProxy) FetchSegment(ctx context.Context, target string, pc *upstream.ProxyConfig, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, &UpstreamError{Kind: UpstreamConnectionFailure, Err: err}
	}

	started := time.Now()
	resp, err := sp.HttpClient.Do(req, pc)
	stopped := timer.Stop()
	if err != nil {
		cancel()
		return nil, sp.upstreamFailure("segment", classifyTransportError(err, timedOut.Load()))
	}
	if !stopped {
		// headers raced the timer; the body context is already cancelled
		resp.Body.Close()
		cancel()
		return nil, sp.upstreamFailure("segment", &UpstreamError{Kind: UpstreamTimeout, Err: context.DeadlineExceeded})
	}
	metrics.UpstreamLatency.WithLabelValues(string(KindSegment)).Observe(time.Since(started).Seconds())

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, sp.upstreamFailure("segment", &UpstreamError{Kind: UpstreamNonSuccessStatus, StatusCode: resp.StatusCode})
	}

	header := http.Header{}
	header.Set("Content-Type", "video/mp2t")
	header.Set("Cache-Control", "public, max-age=3600")
	header.Set("Access-Control-Allow-Origin", "*")
	if resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}

	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Stream:     resp.Body,
		Timeout:    timeout,
		Streamed:   true,
		Kind:       KindSegment,
		Target:     target,
		cancel:     cancel,
	}, nil
}

func (sp *StreamProxy) upstreamFailure(operation string, err *UpstreamError) *UpstreamError {
	metrics.UpstreamErrors.WithLabelValues(operation, err.Kind.String()).Inc()
	if err.Err != nil {
		logger.Warn("{proxy/stream - %s} upstream %s: %v", operation, err.Kind, err.Err)
	} else {
		logger.Warn("{proxy/stream - %s} upstream returned %d", operation, err.StatusCode)
	}
	return err
}

// WriteResponse sends resp to w. Manifests are written in one piece;
// segments are copied in chunks and flushed as they arrive. It returns the
// number of body bytes written.
func (sp *StreamProxy) WriteResponse(w http.ResponseWriter, resp *Response, started time.Time) int64 {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Processing-Time", fmt.Sprintf("%.2fs", time.Since(started).Seconds()))
	w.WriteHeader(resp.StatusCode)

	if !resp.Streamed {
		n, _ := w.Write(resp.Body)
		metrics.BytesTransferred.WithLabelValues(string(resp.Kind)).Add(float64(n))
		return int64(n)
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	flusher, _ := w.(http.Flusher)
	chunk := sp.BufferPool.Chunk()
	defer sp.BufferPool.Put(chunk)
	buf := chunk.B

	var total int64
	for {
		n, readErr := resp.Stream.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				logger.Debug("{proxy/stream - WriteResponse} client went away after %s", utils.FormatBytes(total))
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Debug("{proxy/stream - WriteResponse} upstream read ended: %v", readErr)
			}
			break
		}
	}
	metrics.BytesTransferred.WithLabelValues(string(resp.Kind)).Add(float64(total))
	return total
}

// ServeForward handles a forward request end to end.
func (sp *StreamProxy) ServeForward(w http.ResponseWriter, r *http.Request, rc types.RequestContext) {
	started := sp.now()

	resp, err := sp.Fetch(r.Context(), rc, utils.SelfURL(sp.Config, r), r.Header.Get("Accept"))
	if err != nil {
		metrics.Requests.WithLabelValues("forward", "error").Inc()
		WriteError(w, err)
		return
	}
	defer resp.Close()

	sp.WriteResponse(w, resp, started)
	metrics.Requests.WithLabelValues("forward", "ok").Inc()

	if elapsed := sp.now().Sub(started); elapsed > sp.Config.SlowRequestThreshold {
		logger.Info("{proxy/stream - ServeForward} slow %s request: %.2fs %s", resp.Kind, elapsed.Seconds(), utils.LogURL(sp.Config, resp.Target))
	}
}

// dispatchProbe queues a HEAD probe of target. A full pool drops the probe.
func (sp *StreamProxy) dispatchProbe(target string, pc *upstream.ProxyConfig) {
	if !sp.Config.ProbeEnabled || sp.WorkerPool == nil {
		return
	}
	if err := sp.WorkerPool.Submit(func() { sp.probe(target, pc) }); err != nil {
		metrics.Probes.WithLabelValues("dropped").Inc()
		logger.Debug("{proxy/stream - dispatchProbe} probe dropped: %v", err)
	}
}

func (sp *StreamProxy) probe(target string, pc *upstream.ProxyConfig) {
	sp.ProbeLimiter.Take()

	ctx, cancel := context.WithTimeout(context.Background(), sp.Config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		metrics.Probes.WithLabelValues("error").Inc()
		return
	}
	resp, err := sp.HttpClient.Do(req, pc)
	if err != nil {
		metrics.Probes.WithLabelValues("error").Inc()
		logger.Debug("{proxy/stream - probe} %s unreachable: %v", utils.LogURL(sp.Config, target), err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		metrics.Probes.WithLabelValues("ok").Inc()
		logger.Debug("{proxy/stream - probe} %s reachable", utils.LogURL(sp.Config, target))
		return
	}
	metrics.Probes.WithLabelValues("status").Inc()
	logger.Debug("{proxy/stream - probe} %s returned %d", utils.LogURL(sp.Config, target), resp.StatusCode)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
