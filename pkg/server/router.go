package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/panel"
	"github.com/go-go-golems/panelfeed/pkg/reconcile"
	"github.com/go-go-golems/panelfeed/pkg/snapshot"
	"github.com/go-go-golems/panelfeed/pkg/store"
	"github.com/go-go-golems/panelfeed/pkg/votes"
)

// Pinger reports whether the change feed transport is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	hub      *Hub
	store    store.Store
	gatherer prometheus.Gatherer
	pinger   Pinger
	metrics  *metrics.Metrics
	limiter  *limiterPool
	upgrader websocket.Upgrader
	// voteWait bounds how long a vote waits for the session's polls to load.
	voteWait time.Duration
}

type ServerOption func(*Server)

func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

func WithPinger(p Pinger) ServerOption {
	return func(s *Server) { s.pinger = p }
}

func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithVoteLimit sets the per-voter rate of vote submissions.
func WithVoteLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = newLimiterPool(rps, burst) }
}

func NewServer(hub *Hub, st store.Store, opts ...ServerOption) (*Server, error) {
	if hub == nil || st == nil {
		return nil, errors.New("server: hub and store are required")
	}
	s := &Server{
		hub:      hub,
		store:    st,
		limiter:  newLimiterPool(0, 0),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		voteWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{session}/questions", s.listQuestions)
	mux.HandleFunc("POST /api/sessions/{session}/questions", s.createQuestion)
	mux.HandleFunc("PATCH /api/sessions/{session}/questions/{id}", s.updateQuestion)
	mux.HandleFunc("DELETE /api/sessions/{session}/questions/{id}", s.deleteQuestion)
	mux.HandleFunc("POST /api/sessions/{session}/polls", s.createPoll)
	mux.HandleFunc("PATCH /api/sessions/{session}/polls/{poll}", s.updatePoll)
	mux.HandleFunc("GET /api/sessions/{session}/polls/tally", s.tally)
	mux.HandleFunc("POST /api/sessions/{session}/polls/{poll}/votes", s.vote)
	mux.HandleFunc("GET /ws", s.ws)
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the error taxonomy onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case panel.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case panel.IsWriteError(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case panel.IsFetchError(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("component", "server").Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type questionRequest struct {
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	Anonymous  bool   `json:"anonymous"`
}

type questionPatch struct {
	Content  *string `json:"content"`
	Answered *bool   `json:"answered"`
}

type pollRequest struct {
	Question string             `json:"question"`
	Options  []panel.PollOption `json:"options"`
	Active   *bool              `json:"active"`
}

type pollPatch struct {
	Active *bool `json:"active"`
}

type voteRequest struct {
	OptionID string `json:"option_id"`
	VoterID  string `json:"voter_id"`
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	cmp, ok := reconcile.ComparatorByName(r.URL.Query().Get("order"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown order")
		return
	}
	sessionID := r.PathValue("session")
	loader, err := snapshot.Questions(s.store, snapshot.WithMetrics(s.metrics))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	recs, err := loader.Load(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	engine := reconcile.NewEngine(reconcile.WithComparator(cmp))
	engine.Reset(sessionID)
	engine.ApplySnapshot(recs)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "questions": questionViews(engine.Records())})
}

func (s *Server) createQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	m, err := s.store.Insert(r.Context(), panel.CollectionQuestions, panel.Record{
		SessionID:  r.PathValue("session"),
		Content:    strings.TrimSpace(req.Content),
		AuthorName: strings.TrimSpace(req.AuthorName),
		Anonymous:  req.Anonymous,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m.Record)
}

func (s *Server) updateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionPatch
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sessionID, id := r.PathValue("session"), r.PathValue("id")
	rec, err := s.store.Get(r.Context(), panel.CollectionQuestions, sessionID, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		rec.Content = strings.TrimSpace(*req.Content)
	}
	if req.Answered != nil {
		rec.Answered = *req.Answered
	}
	m, err := s.store.Update(r.Context(), panel.CollectionQuestions, rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Record)
}

func (s *Server) deleteQuestion(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Delete(r.Context(), panel.CollectionQuestions, r.PathValue("session"), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Question) == "" || len(req.Options) < 2 {
		writeError(w, http.StatusBadRequest, "a question and at least two options are required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	m, err := s.store.Insert(r.Context(), panel.CollectionPolls, panel.Record{
		SessionID: r.PathValue("session"),
		Content:   strings.TrimSpace(req.Question),
		Options:   req.Options,
		Active:    active,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m.Record)
}

func (s *Server) updatePoll(w http.ResponseWriter, r *http.Request) {
	var req pollPatch
	if err := decodeBody(w, r, &req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	rec, err := s.store.Get(r.Context(), panel.CollectionPolls, r.PathValue("session"), r.PathValue("poll"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rec.Active = *req.Active
	m, err := s.store.Update(r.Context(), panel.CollectionPolls, rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Record)
}

func (s *Server) tally(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	loader, err := snapshot.Polls(s.store, snapshot.WithMetrics(s.metrics))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	recs, err := loader.Load(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	agg := votes.NewAggregator()
	agg.Reset(sessionID)
	agg.ApplySnapshot(recs)

	if pollID := r.URL.Query().Get("poll"); pollID != "" {
		t, err := agg.Tally(pollID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "polls": agg.View()})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) vote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.OptionID) == "" {
		writeError(w, http.StatusBadRequest, "option_id is required")
		return
	}
	sessionID, pollID := r.PathValue("session"), r.PathValue("poll")
	voter := strings.TrimSpace(req.VoterID)
	key := voter
	if key == "" {
		key = "ip:" + clientIP(r)
	}
	if !s.limiter.Allow(sessionID + "/" + key) {
		s.metrics.VoteRejected("rate_limited")
		writeError(w, http.StatusTooManyRequests, "too many votes")
		return
	}

	room, err := s.hub.Room(sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.voteWait)
	defer cancel()
	if err := room.AwaitPolls(ctx); err != nil {
		if panel.IsFetchError(err) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "polls are not loaded yet")
		return
	}
	if err := room.Votes.RecordVote(r.Context(), pollID, req.OptionID, voter); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": s.hub.Count()})
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	room, err := s.hub.Attach(sessionID, conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to join session"}`))
		_ = conn.Close()
		return
	}
	wsLog := log.With().
		Str("component", "server").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", sessionID).
		Logger()
	wsLog.Info().Msg("viewer connected")
	room.sendCurrent(conn)

	defer wsLog.Info().Msg("viewer disconnected")
	defer s.hub.Detach(room, conn)
	pong, _ := json.Marshal(FrameHeader{Type: FramePong, SessionID: sessionID})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
			room.pool.SendToOne(conn, pong)
		}
	}
}
