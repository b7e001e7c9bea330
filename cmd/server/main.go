// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/thesara-space/appbuild/internal/bus"
	"github.com/thesara-space/appbuild/internal/buildstore"
	"github.com/thesara-space/appbuild/internal/config"
	"github.com/thesara-space/appbuild/internal/events"
	"github.com/thesara-space/appbuild/internal/pipeline"
	"github.com/thesara-space/appbuild/internal/scheduler"
	"github.com/thesara-space/appbuild/pkg/schema"
)

// buildIDRe limits ids to filesystem-safe tokens; ids name directories
// under the data root.
var buildIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

type server struct {
	cfg   config.Config
	store *buildstore.Store
	sched *scheduler.Scheduler
	nc    *bus.Client
	log   *slog.Logger
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("server starting", "http_addr", cfg.HTTPAddr, "builds_dir", cfg.DataDir, "preview_dir", cfg.PreviewDir)

	for _, dir := range []string{cfg.DataDir, cfg.PreviewDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(logger, "ensure directory", err, "dir", dir)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildstore.Open(ctx, filepath.Join(cfg.DataDir, "builds.db"))
	if err != nil {
		fatal(logger, "open build store", err)
	}
	defer store.Close()

	notifier := events.NewNotifier()
	defer notifier.Close()
	runner := pipeline.NewRunner(cfg, store, notifier, logger)
	sched := scheduler.New(runner, store, notifier, pipeline.Options{}, logger)

	srv := &server{cfg: cfg, store: store, sched: sched, log: logger}

	// The durable path and the event relay are active only when a
	// broker is reachable; the in-process queue works without one.
	if cfg.NATSURL != "" {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		nc, err := bus.ConnectWithRetry(cctx, cfg.NATSURL)
		cancel()
		if err != nil {
			logger.Warn("NATS unavailable, durable path disabled", "nats_url", cfg.NATSURL, "err", err)
		} else {
			srv.nc = nc
			defer nc.Close()
			logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
		}
	}

	// Builds interrupted by a previous crash resume before traffic is
	// accepted.
	if err := sched.ResumePending(ctx); err != nil {
		fatal(logger, "resume pending builds", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.routes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return sched.Shutdown(shutdownCtx)
	})
	if srv.nc != nil {
		g.Go(func() error {
			srv.relayEvents(gctx, notifier)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fatal(logger, "server stopped", err)
	}
	logger.Info("server stopped")
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/builds", s.handleEnqueue)
	r.Get("/builds/{id}/status", s.handleStatus)
	r.Post("/builds/{id}/cancel", s.handleCancel)
	r.Get("/builds/{id}/events", s.handleEvents)
	return r
}

type enqueueRequest struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id,omitempty"`
	ContentID string `json:"content_id,omitempty"`
	// Durable routes the job through the queue to a worker process
	// instead of the in-process scheduler.
	Durable bool `json:"durable,omitempty"`
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !buildIDRe.MatchString(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}

	job := schema.BuildJob{
		BuildID:    req.ID,
		ListingID:  req.ListingID,
		ContentID:  req.ContentID,
		HappenedAt: time.Now().UnixMilli(),
	}

	if req.Durable {
		if s.nc == nil {
			writeError(w, http.StatusServiceUnavailable, "durable queue unavailable")
			return
		}
		if _, err := s.store.Init(r.Context(), job.BuildID, job.ListingID, job.ContentID); err != nil {
			s.log.Error("init build record", "id", job.BuildID, "err", err)
			writeError(w, http.StatusInternalServerError, "init build record")
			return
		}
		if err := s.nc.PublishJSON(s.cfg.JobSubject, job); err != nil {
			s.log.Error("publish job", "id", job.BuildID, "err", err)
			writeError(w, http.StatusBadGateway, "publish job")
			return
		}
	} else {
		if err := s.sched.Enqueue(r.Context(), job); err != nil {
			s.log.Error("enqueue build", "id", job.BuildID, "err", err)
			writeError(w, http.StatusInternalServerError, "enqueue build")
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID, "state": string(schema.StateQueued)})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Read(r.Context(), id)
	if errors.Is(err, buildstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown build")
		return
	}
	if err != nil {
		s.log.Error("read build", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "read build")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	active := s.sched.IsActive(id)
	s.sched.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "active": active})
}

// handleEvents streams state and final events over SSE. The first frame
// is always a snapshot from the record, so late subscribers of a
// finished build still get an answer.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Read(r.Context(), id)
	if errors.Is(err, buildstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown build")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read build")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// A closed channel for a finished build ends the stream right
	// after the snapshot frame.
	ch, unsub := s.sched.Subscribe(id, 16)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	writeSSE(w, "state", schema.StateEvent{
		BuildID:    rec.ID,
		State:      rec.State,
		Progress:   rec.Progress,
		HappenedAt: rec.UpdatedAt,
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.State != nil {
				writeSSE(w, "state", ev.State)
			}
			if ev.Final != nil {
				writeSSE(w, "final", ev.Final)
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

// relayEvents forwards final build events to the broker for downstream
// consumers (catalog refresh, notifications).
func (s *server) relayEvents(ctx context.Context, notifier *events.Notifier) {
	ch, unsub := notifier.SubscribeAll(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Final == nil {
				continue
			}
			if err := s.nc.PublishJSON(s.cfg.EventSubject, ev.Final); err != nil {
				s.log.Warn("relay final event", "id", ev.Final.BuildID, "err", err)
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
