package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"kptv-timeshift/work/catalog"
	"kptv-timeshift/work/config"
	"kptv-timeshift/work/gateway"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/metrics"
	"kptv-timeshift/work/middleware"
	"kptv-timeshift/work/proxy"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/utils"
)

// HandleRoot dispatches the single query endpoint on which parameters are
// present: cache clearing, absolute forwarding, gateway segments, gateway
// playlists, and finally the channel list.
func HandleRoot(sp *proxy.StreamProxy, gw *gateway.Gateway, cat *catalog.Catalog, cfg *config.Config) http.HandlerFunc {
	list := middleware.GzipMiddleware(HandleList(cat, cfg))

	return func(w http.ResponseWriter, r *http.Request) {
		rc, ignored := types.ParseRequestContext(r.URL.Query())
		if len(ignored) > 0 {
			logger.Debug("{handlers/handlers - HandleRoot} ignoring parameters: %s", strings.Join(ignored, ", "))
		}

		switch {
		case rc.Action == "clear_cache" && rc.Key != "":
			handleClearCache(w, r, cat, cfg, rc.Key)
		case rc.Target != "":
			sp.ServeForward(w, r, rc)
		case rc.ID == "":
			list(w, r)
		case rc.Segment != "":
			gw.ServeSegment(w, r, rc)
		default:
			gw.ServePlaylist(w, r, rc)
		}
	}
}

// HandleList writes the grouped text channel list.
func HandleList(cat *catalog.Catalog, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels := cat.Channels(r.Context(), false)
		body := catalog.RenderText(channels, utils.SelfURL(cfg, r))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
		metrics.Requests.WithLabelValues("list", "ok").Inc()
	}
}

func handleClearCache(w http.ResponseWriter, r *http.Request, cat *catalog.Catalog, cfg *config.Config, key string) {
	if !cfg.CheckClearKey(key) {
		logger.Warn("{handlers/handlers - handleClearCache} rejected clear request from %s", r.RemoteAddr)
		metrics.Requests.WithLabelValues("clear_cache", "denied").Inc()
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	report := cat.Rebuild(r.Context())
	logger.Info("{handlers/handlers - handleClearCache} %s", strings.ReplaceAll(report, "\n", "; "))
	metrics.Requests.WithLabelValues("clear_cache", "ok").Inc()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, report)
}

// HandleResolve reports how an absolute target would be played through the
// proxy, as JSON.
func HandleResolve(sp *proxy.StreamProxy, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, _ := types.ParseRequestContext(r.URL.Query())

		res, err := sp.Resolve(rc, utils.SelfURL(cfg, r))
		if err != nil {
			status, msg := proxy.ErrorStatus(err)
			metrics.Requests.WithLabelValues("resolve", "error").Inc()
			writeJSON(w, status, map[string]string{"error": msg})
			return
		}

		metrics.Requests.WithLabelValues("resolve", "ok").Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleHealth answers liveness checks.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} encode failed: %v", err)
	}
}
