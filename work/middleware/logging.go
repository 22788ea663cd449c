package middleware

import (
	"net/http"
	"time"

	"kptv-timeshift/work/config"
	"kptv-timeshift/work/logger"
	"kptv-timeshift/work/utils"
)

// statusRecorder remembers the status and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(status int) {
	if sr.status == 0 {
		sr.status = status
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Flush keeps segment streaming working through the recorder.
func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// RequestLogger logs method, path, status, size and duration of every
// request at DEBUG. Below DEBUG the writer is passed through unwrapped.
func RequestLogger(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsDebug() {
				next.ServeHTTP(w, r)
				return
			}

			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			logger.Debug("{middleware/logging - RequestLogger} %s %s -> %d %s in %v",
				r.Method, utils.LogURL(cfg, r.URL.String()), rec.status, utils.FormatBytes(rec.bytes), time.Since(started).Round(time.Millisecond))
		})
	}
}
