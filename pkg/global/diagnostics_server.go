package global

import (
	"context"
	"net/http"

	// The pprof package does not provide a function for registering
	// its endpoints against an arbitrary mux. Load it to force
	// registration against the default mux, so we can forward
	// traffic to that mux instead.
	_ "net/http/pprof"
	"sync/atomic"

	"github.com/buildbarn/bb-checkpoint/pkg/program"
	"github.com/buildbarn/bb-checkpoint/pkg/util"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DiagnosticsServer is a web server that exposes Prometheus metrics
// and health check endpoints. The readiness endpoint reports success
// once the tip has been reset to the latest checkpoint.
type DiagnosticsServer struct {
	listenAddress string
	enablePprof   bool
	ready         atomic.Bool
}

// NewDiagnosticsServer creates a DiagnosticsServer that listens on the
// provided address once Serve() is called.
func NewDiagnosticsServer(listenAddress string, enablePprof bool) *DiagnosticsServer {
	return &DiagnosticsServer{
		listenAddress: listenAddress,
		enablePprof:   enablePprof,
	}
}

// Handler returns the HTTP handler of the diagnostics server.
func (ds *DiagnosticsServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/-/healthy", func(http.ResponseWriter, *http.Request) {})
	router.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ds.ready.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
	router.Handle("/metrics", promhttp.Handler())
	if ds.enablePprof {
		router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}
	return router
}

// SetReady reports healthy and ready on the health endpoints.
func (ds *DiagnosticsServer) SetReady() {
	ds.ready.Store(true)
}

// SetNotServing reports healthy but not ready on the health endpoints.
func (ds *DiagnosticsServer) SetNotServing() {
	ds.ready.Store(false)
}

// Serve the diagnostics endpoints until the context is canceled. It
// has the signature of a program.Routine.
func (ds *DiagnosticsServer) Serve(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
	server := &http.Server{
		Addr:    ds.listenAddress,
		Handler: ds.Handler(),
	}
	siblingsGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		<-ctx.Done()
		ds.SetNotServing()
		return server.Shutdown(context.WithoutCancel(ctx))
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return util.StatusWrap(err, "Diagnostics server")
	}
	return nil
}
