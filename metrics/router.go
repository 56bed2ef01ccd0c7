package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RosterSource is what the status router needs from a running host.
type RosterSource interface {
	Roster() []string
	SessionCount() int
}

// NewRouter returns the status HTTP handler:
//
//	GET /metrics  Prometheus exposition from gatherer
//	GET /healthz  "ok" plus the session count in X-Notnet-Sessions
//	GET /roster   active names, one per line, in join order
func NewRouter(gatherer prometheus.Gatherer, roster RosterSource) http.Handler {
	r := chi.NewRouter()

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Notnet-Sessions", strconv.Itoa(roster.SessionCount()))
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/roster", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		names := roster.Roster()
		if len(names) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		_, _ = w.Write([]byte(strings.Join(names, "\n") + "\n"))
	})

	return r
}
