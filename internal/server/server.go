package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestRecorder receives one observation per HTTP request.
type RequestRecorder interface {
	RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64)
}

type Deps struct {
	Hub      *Hub
	Flows    Flows
	Store    SessionStore
	Files    AudioFiles
	Metrics  RequestRecorder
	Gatherer prometheus.Gatherer
}

func Handler(d Deps) (http.Handler, error) {
	if d.Hub == nil {
		return nil, errors.New("server: hub is required")
	}
	if d.Flows == nil {
		return nil, errors.New("server: flows are required")
	}
	if d.Files == nil {
		return nil, errors.New("server: audio files are required")
	}

	r := &router{mux: http.NewServeMux(), metrics: d.Metrics}

	r.mux.HandleFunc("GET /ws", wsHandler(d.Hub))
	registerFlowRoutes(r, d.Flows, d.Files)
	if d.Store != nil {
		registerAPIRoutes(r, d.Store)
	}
	if d.Gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return r.mux, nil
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("milo listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type router struct {
	mux     *http.ServeMux
	metrics RequestRecorder
}

func (r *router) handle(pattern string, h http.HandlerFunc) {
	method, endpoint, _ := strings.Cut(pattern, " ")
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		if r.metrics == nil {
			h(w, req)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, req)
		r.metrics.RecordHTTPRequest(method, endpoint, strconv.Itoa(rec.status), time.Since(started).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
