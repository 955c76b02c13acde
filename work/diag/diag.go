package diag

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/middleware"
)

// Status is the point-in-time snapshot served at /status.
type Status struct {
	Running    bool  `json:"running"`
	Port       int   `json:"port"`
	Handlers   int   `json:"handlers"`
	CacheBytes int64 `json:"cacheBytes"`
}

// StatusFunc produces the current status snapshot.
type StatusFunc func() Status

// Server is the optional diagnostics HTTP endpoint. It is never mounted on
// the proxy socket; the proxy's wire contract stays GET /proxy only.
type Server struct {
	httpSrv *http.Server
}

// Start serves /metrics and /status on addr in the background.
func Start(addr string, status StatusFunc) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/status", middleware.Gzip(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			logger.Debug("{diag - status} failed to encode status: %v", err)
		}
	})).Methods("GET")

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("{diag - Start} diagnostics server failed: %v", err)
		}
	}()

	logger.Info("{diag - Start} diagnostics listening on %s", addr)
	return &Server{httpSrv: srv}
}

// Stop closes the diagnostics listener.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}
