package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/peerlink/internal/util"
)

// NewRegistry returns a registry holding only c.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

// Handler serves the telemetry endpoint, a health check and a landing page.
func Handler(reg *prometheus.Registry, telemetryPath string) http.Handler {
	if telemetryPath == "" {
		telemetryPath = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(telemetryPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
<head><title>peerlink</title></head>
<body>
<h1>peerlink</h1>
<p><a href="` + telemetryPath + `">Metrics</a></p>
</body>
</html>`))
	})
	return mux
}

// Serve runs the telemetry HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr, telemetryPath string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(reg, telemetryPath),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("[listen] metrics addr=%s path=%s health=/healthz", addr, telemetryPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
