// Package httpapi exposes the broker's producer/consumer contract over
// HTTP: submitting prompts, polling job status, and a status websocket for
// dashboards. It is a thin transport layer over the Scheduler; all cost
// estimation and queueing logic lives there.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/devskill-org/solar-broker/internal/jobstore"
	"github.com/devskill-org/solar-broker/internal/scheduler"
)

// Server serves the HTTP surface described in the producer/consumer
// contract, plus a status broadcast websocket for dashboards.
type Server struct {
	sched     *scheduler.Scheduler
	server    *http.Server
	startTime time.Time
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
	log       zerolog.Logger
}

// promptRequest is the POST /prompts body.
type promptRequest struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}

type promptResponse struct {
	JobID               string `json:"job_id"`
	EstimatedCompletion string `json:"estimated_completion"`
}

// New builds a Server listening on addr (e.g. ":8080"). Call Start to begin
// serving and broadcasting.
func New(sched *scheduler.Scheduler, addr string, log zerolog.Logger) *Server {
	s := &Server{
		sched:     sched,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		log:       log.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Post("/prompts", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/queue", s.handleQueueStatus)
	r.Get("/ws", s.handleWS)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start launches the broadcast loop, the periodic status pusher, and the
// HTTP listener. It returns immediately; listener errors are logged, not
// returned, so a transport failure doesn't take down the scheduler.
func (s *Server) Start() {
	go s.handleBroadcasts()
	go s.broadcastStatusLoop()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()
}

// Stop closes websocket clients and gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status, err := s.sched.QueueStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ready":        true,
		"queue_length": status.QueueLength,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, completion, err := s.sched.EnqueuePrompt(r.Context(), req.ConversationID, req.Prompt)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, promptResponse{
		JobID:               jobID,
		EstimatedCompletion: completion.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.sched.JobInfo(r.Context(), id)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sched.QueueStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// writeSchedulerError maps known sentinel errors to their HTTP status
// without string matching, per the producer/consumer contract.
func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrEmptyPrompt), errors.Is(err, scheduler.ErrEmptyConversationID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.clients.Store(conn, true)

	s.sendStatusToClient(conn)

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastStatusLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hasClients := false
			s.clients.Range(func(_, _ any) bool {
				hasClients = true
				return false
			})
			if !hasClients {
				continue
			}
			data, err := s.buildStatusData()
			if err != nil {
				s.log.Warn().Err(err).Msg("failed to build status broadcast")
				continue
			}
			message, err := json.Marshal(data)
			if err != nil {
				s.log.Warn().Err(err).Msg("failed to marshal status broadcast")
				continue
			}
			s.broadcast <- message
		case <-s.done:
			return
		}
	}
}

func (s *Server) sendStatusToClient(conn *websocket.Conn) {
	data, err := s.buildStatusData()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to build initial status payload")
		return
	}
	if err := conn.WriteJSON(data); err != nil {
		s.log.Warn().Err(err).Msg("failed to send initial status payload")
	}
}

func (s *Server) buildStatusData() (map[string]any, error) {
	status, err := s.sched.QueueStatus(context.Background())
	if err != nil {
		return nil, fmt.Errorf("httpapi: queue status: %w", err)
	}
	return map[string]any{
		"type":      "status_update",
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"queue":     status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
