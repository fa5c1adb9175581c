package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/cqrsflow/internal/runtime/codec"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
)

const (
	defaultMetricsPort = 9090
	readHeaderTimeout  = 5 * time.Second
)

type httpServer struct {
	port   int
	mux    *http.ServeMux
	server *http.Server
}

func newHTTPServer(port int) *httpServer {
	return &httpServer{port: port, mux: http.NewServeMux()}
}

// HandlerSummary lists the message types this process handles.
type HandlerSummary struct {
	Commands []string `json:"commands"`
	Events   []string `json:"events"`
}

// EventFailureView is the JSON shape of one failed event handler invocation.
type EventFailureView struct {
	MessageID string    `json:"message_id"`
	TypeTag   string    `json:"type"`
	Handler   string    `json:"handler"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

func (s *Service) registerIntrospection(port int) {
	if port == 0 {
		port = defaultMetricsPort
	}
	s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/dead-letters", http.HandlerFunc(s.handleGetDeadLetters))
	s.RegisterHTTPHandler(port, "/api/event-failures", http.HandlerFunc(s.handleGetEventFailures))
	s.RegisterHTTPHandler(port, "/api/resources", http.HandlerFunc(s.handleGetResources))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, HandlerSummary{
		Commands: s.commands.Types(),
		Events:   s.events.Types(),
	})
}

func (s *Service) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	stats := s.metrics.DeadLetters()
	if stats == nil {
		stats = map[string]metrics.DeadLetterStats{}
	}
	s.writeJSON(w, r, stats)
}

func (s *Service) handleGetEventFailures(w http.ResponseWriter, r *http.Request) {
	failures := s.EventFailures()
	views := make([]EventFailureView, 0, len(failures))
	for _, f := range failures {
		view := EventFailureView{MessageID: f.MessageID, TypeTag: f.TypeTag, Handler: f.Handler, At: f.At}
		if f.Err != nil {
			view.Error = f.Err.Error()
		}
		views = append(views, view)
	}
	s.writeJSON(w, r, views)
}

func (s *Service) handleGetResources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.resources.Snapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := codec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// startHTTPServers binds every registered port before serving so a port in
// use fails Start instead of a background goroutine.
func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	var started []*httpServer
	for port, srv := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			for _, done := range started {
				_ = done.server.Close()
				done.server = nil
			}
			return fmt.Errorf("listen on %s: %w", addr, err)
		}

		srv.server = &http.Server{Handler: srv.mux, ReadHeaderTimeout: readHeaderTimeout}
		started = append(started, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(server *http.Server, addr string) {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}(srv.server, addr)
	}
	return nil
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Conf.GracePeriod())
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, srv := range s.httpServers {
		server := srv.server
		if server == nil {
			continue
		}
		srv.server = nil
		g.Go(func() error {
			return server.Shutdown(gctx)
		})
	}
	return g.Wait()
}
