package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/middleware"
	"kptv-timeshift/work/types"
	"kptv-timeshift/work/utils"
)

// StatsResponse is the admin view of process and pool state.
type StatsResponse struct {
	Uptime          string `json:"uptime"`
	MemoryUsage     string `json:"memoryUsage"`
	Upstreams       int    `json:"upstreams"`
	Channels        int    `json:"channels"`
	CacheTTL        string `json:"cacheTTL"`
	ProbeEnabled    bool   `json:"probeEnabled"`
	ProbeRunning    int    `json:"probeRunning"`
	ProbeCapacity   int    `json:"probeCapacity"`
	UpstreamClients int    `json:"upstreamClients"`
	Goroutines      int    `json:"goroutines"`

	UpstreamSelections map[string]int64 `json:"upstreamSelections"`
}

// ChannelResponse is one channel as listed by the admin API.
type ChannelResponse struct {
	types.Channel
	URL string `json:"url"` // gateway URL served by this proxy
}

// LogEntry is one line of the in-memory admin log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	adminStartTime = time.Now()

	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, maxLogEntries)
)

// setupAdminRoutes registers the JSON admin API.
func setupAdminRoutes(router *mux.Router, a *app) {
	router.HandleFunc("/api/stats", middleware.CORS(middleware.GzipMiddleware(handleGetStats(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels", middleware.CORS(middleware.GzipMiddleware(handleGetChannels(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/cache/clear", middleware.CORS(handleClearCache(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/logs", middleware.CORS(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", middleware.CORS(handleClearLogs)).Methods("DELETE")
}

func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		channels, _ := a.catalog.Cached()
		stats := StatsResponse{
			Uptime:          formatDuration(time.Since(adminStartTime)),
			MemoryUsage:     utils.FormatBytes(int64(m.Alloc)),
			Upstreams:       a.origins.Len(),
			Channels:        len(channels),
			CacheTTL:        a.config.CacheTTL.String(),
			ProbeEnabled:    a.config.ProbeEnabled,
			ProbeRunning:    a.workerPool.Running(),
			ProbeCapacity:   a.workerPool.Cap(),
			UpstreamClients: a.httpClient.ClientCount(),
			Goroutines:      runtime.NumGoroutine(),

			UpstreamSelections: a.origins.Selections(),
		}
		writeAdminJSON(w, http.StatusOK, stats)
	}
}

func handleGetChannels(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		self := utils.SelfURL(a.config, r)

		channels := a.catalog.Channels(r.Context(), false)
		out := make([]ChannelResponse, 0, len(channels))
		for _, ch := range channels {
			out = append(out, ChannelResponse{Channel: ch, URL: self + "?id=" + ch.ID})
		}
		writeAdminJSON(w, http.StatusOK, out)
	}
}

func handleClearCache(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.config.CheckClearKey(r.FormValue("key")) {
			logger.Warn("{main/admin_handlers - handleClearCache} rejected cache clear from %s", r.RemoteAddr)
			writeAdminJSON(w, http.StatusForbidden, map[string]string{"status": "denied"})
			return
		}

		report := a.catalog.Rebuild(r.Context())
		logger.Info("{main/admin_handlers - handleClearCache} cache cleared via admin API: %s", strings.ReplaceAll(report, "\n", "; "))
		writeAdminJSON(w, http.StatusOK, map[string]interface{}{
			"status": "success",
			"report": strings.Split(report, "\n"),
		})
	}
}

func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := make([]LogEntry, len(logEntries))
	copy(entries, logEntries)
	logMu.Unlock()

	writeAdminJSON(w, http.StatusOK, entries)
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()

	writeAdminJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// addLogEntry appends to the admin log, keeping the newest maxLogEntries.
// It is installed as the logger hook, so it must not log itself.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     strings.ToLower(level),
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

func writeAdminJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin_handlers - writeAdminJSON} failed to encode response: %v", err)
	}
}

// formatDuration renders d as "45s", "12m", "3h 4m" or "2d 5h".
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
