// Package admin exposes the operational surface of the pipeline: queue
// statistics, manual purge and dead letter reprocessing. It is an
// administrative API, not part of the delivery path.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/connectivity"
	"github.com/example/crm-messaging/internal/dedup"
	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/retry"
	"github.com/example/crm-messaging/internal/store"
)

// QueueAdmin is the broker surface the admin API needs.
type QueueAdmin interface {
	QueueInfo(queue string) (broker.QueueStats, error)
	Purge(queue string) (int, error)
}

// RetryAdmin is the retry manager surface exposed to operators: re-enter
// dead-lettered messages into the pipeline or give up on pending retries.
type RetryAdmin interface {
	Reprocess(ctx context.Context, messageID string) error
	Abandon(ctx context.Context, messageID string) error
}

// Config carries the admin server settings.
type Config struct {
	// Queues is the set of queues exposed through the stats endpoints.
	Queues []string
	// Token, when set, is required in the X-Admin-Token header.
	Token string
}

// Server wires the admin handlers onto a chi router.
type Server struct {
	cfg     Config
	queues  QueueAdmin
	retries RetryAdmin
	store   store.DocumentStore
	monitor *connectivity.Monitor
	dedup   *dedup.Cache
	logger  zerolog.Logger
}

// NewServer constructs the admin server.
func NewServer(cfg Config, queues QueueAdmin, retries RetryAdmin, docs store.DocumentStore, monitor *connectivity.Monitor, cache *dedup.Cache, logger zerolog.Logger) (*Server, error) {
	if queues == nil {
		return nil, errors.New("admin: queue admin dependency is required")
	}
	if retries == nil {
		return nil, errors.New("admin: reprocessor dependency is required")
	}
	if docs == nil {
		return nil, errors.New("admin: store dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Server{
		cfg:     cfg,
		queues:  queues,
		retries: retries,
		store:   docs,
		monitor: monitor,
		dedup:   cache,
		logger:  logger.With().Str("component", "admin_api").Logger(),
	}, nil
}

// Router builds the chi router with all admin routes registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	if s.cfg.Token != "" {
		r.Use(s.authMiddleware)
	}
	r.Get("/healthz", s.handleHealth)
	r.Get("/queues", s.handleQueueList)
	r.Get("/queues/{queue}", s.handleQueueInfo)
	r.Post("/queues/{queue}/purge", s.handlePurge)
	r.Get("/dead-letters", s.handleDeadLetters)
	r.Post("/dead-letters/{id}/reprocess", s.handleReprocess)
	r.Post("/retries/{id}/abandon", s.handleAbandon)
	r.Get("/connectivity", s.handleConnectivity)
	r.Get("/dedup", s.handleDedupStats)
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Token") != s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueList(w http.ResponseWriter, _ *http.Request) {
	stats := make([]broker.QueueStats, 0, len(s.cfg.Queues))
	for _, queue := range s.cfg.Queues {
		qs, err := s.queues.QueueInfo(queue)
		if err != nil {
			s.logger.Warn().Err(err).Str("queue", queue).Msg("queue stats unavailable")
			continue
		}
		stats = append(stats, qs)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	qs, err := s.queues.QueueInfo(queue)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	n, err := s.queues.Purge(queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("queue", queue).Int("purged", n).Msg("queue purged by operator")
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "purged": n})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	raws, err := s.store.Query(r.Context(), models.CollectionDeadLetters, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	letters := make([]models.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl models.DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil {
			continue
		}
		letters = append(letters, dl)
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.retries.Reprocess(r.Context(), id)
	if errors.Is(err, retry.ErrNoDeadLetter) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("message_id", id).Msg("dead letter reprocess requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id, "status": "reprocessing"})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.retries.Abandon(r.Context(), id)
	if errors.Is(err, retry.ErrNoRetryRecord) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("message_id", id).Msg("pending retry abandoned by operator")
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id, "status": "abandoned"})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, []connectivity.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Statuses())
}

func (s *Server) handleDedupStats(w http.ResponseWriter, _ *http.Request) {
	if s.dedup == nil {
		writeJSON(w, http.StatusOK, dedup.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.dedup.Stats())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
