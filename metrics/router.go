package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caio-sobreiro/dicomgateway/journal"
)

// ShutdownTimeout is the time given to outstanding requests on shutdown.
const ShutdownTimeout = time.Second

// SessionStore reads journaled sessions.
type SessionStore interface {
	Session(sessionID string) (journal.SessionRecord, error)
	Outcomes(sessionID string) ([]journal.OutcomeRecord, error)
}

type router struct {
	*mux.Router
	sessions SessionStore
	requests *prometheus.CounterVec
}

// NewRouter serves /metrics from gatherer, /healthz and, when sessions is not
// nil, /sessions/{id}.
func NewRouter(reg prometheus.Registerer, gatherer prometheus.Gatherer, sessions SessionStore) http.Handler {
	r := &router{
		Router:   mux.NewRouter(),
		sessions: sessions,
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_requests_total",
			Help:      "Admin HTTP requests by route",
		}, []string{"method", "path"}),
	}
	r.Use(r.trackMetrics)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	if sessions != nil {
		r.HandleFunc("/sessions/{id}", r.handleSession).Methods(http.MethodGet)
	}
	return r
}

func (r *router) trackMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if route := mux.CurrentRoute(req); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				r.requests.WithLabelValues(req.Method, tmpl).Inc()
			}
		}
		next.ServeHTTP(w, req)
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type sessionResponse struct {
	journal.SessionRecord
	Outcomes []journal.OutcomeRecord `json:"outcomes"`
}

func (r *router) handleSession(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	session, err := r.sessions.Session(id)
	if errors.Is(err, journal.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	outcomes, err := r.sessions.Outcomes(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionResponse{SessionRecord: session, Outcomes: outcomes})
}

// Serve serves handler on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(ctx.Err())
}
