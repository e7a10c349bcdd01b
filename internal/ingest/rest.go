package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"geotrack/internal/config"
)

// RESTServer accepts reports over HTTP for publishers that cannot reach the
// broker. Reports are handled synchronously.
type RESTServer struct {
	handler Handler
	logger  *slog.Logger
}

func NewRESTServer(handler Handler, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTServer{handler: handler, logger: logger}
}

// StartREST serves POST /reports until ctx is cancelled. When wg is non-nil
// it is held until the graceful shutdown, which waits for in-flight
// requests, has finished.
func StartREST(ctx context.Context, cfg config.RESTConfig, handler Handler, logger *slog.Logger, wg *sync.WaitGroup) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("rest ingest disabled")
		return nil
	}
	logger.Info("rest ingest enabled", "addr", cfg.Addr)
	server := NewRESTServer(handler, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Routes(), ReadHeaderTimeout: 5 * time.Second}
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rest ingest server error", "error", err)
		}
	}()
	return httpServer
}

func (s *RESTServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/reports", s.handleReports)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (s *RESTServer) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	reports, errs, err := DecodeBatch(body)
	if err != nil {
		s.handler.Rejected("rest", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	accepted := 0
	failed := 0
	for i, report := range reports {
		if errs[i] != nil {
			s.handler.Rejected("rest", errs[i])
			failed++
			continue
		}
		// a client hanging up must not abort a report that already arrived
		if err := s.handler.Handle(context.WithoutCancel(r.Context()), report); err != nil {
			failed++
			continue
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}
