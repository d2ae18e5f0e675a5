// Package api is the command surface: REST endpoints for instruction
// commands and queries, plus the WebSocket endpoint for real-time sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/lifecycle"
	"github.com/uhyunpark/instruction-desk/pkg/session"
	"github.com/uhyunpark/instruction-desk/pkg/storage"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

// Users checks username/password pairs.
type Users interface {
	Authenticate(username, password string) (auth.Identity, error)
}

// Tokens issues and resolves bearer tokens.
type Tokens interface {
	auth.Authenticator
	Issue(id auth.Identity) (string, time.Time, error)
}

type Deps struct {
	Engine   *lifecycle.Engine
	Sessions *session.Manager
	Users    Users
	Tokens   Tokens
	Journal  storage.Journal
	Logger   *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine   *lifecycle.Engine
	sessions *session.Manager
	users    Users
	tokens   Tokens
	journal  storage.Journal
	logger   *zap.SugaredLogger

	router  *mux.Router
	origins []string
	srv     *http.Server
}

// NewServer creates a new API server
func NewServer(d Deps, allowedOrigins []string) *Server {
	s := &Server{
		engine:   d.Engine,
		sessions: d.Sessions,
		users:    d.Users,
		tokens:   d.Tokens,
		journal:  d.Journal,
		logger:   util.OrNop(d.Logger),
		router:   mux.NewRouter(),
		origins:  allowedOrigins,
	}
	if s.journal == nil {
		s.journal = storage.NewNopJournal()
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/auth/token", s.handleLogin).Methods("POST")
	s.router.Handle("/me", s.requireAuth(http.HandlerFunc(s.handleMe))).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAuth)

	// Instruction endpoints
	api.HandleFunc("/instructions", s.handleListInstructions).Methods("GET")
	api.HandleFunc("/instructions", s.handleCreateInstruction).Methods("POST")
	api.HandleFunc("/instructions/{id:[0-9]+}", s.handleGetInstruction).Methods("GET")
	api.HandleFunc("/instructions/{id:[0-9]+}/ack", s.handleAcknowledge).Methods("POST")
	api.HandleFunc("/instructions/{id:[0-9]+}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/instructions/{id:[0-9]+}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/instructions/{id:[0-9]+}/acknowledgements", s.handleAcknowledgements).Methods("GET")

	// Admin endpoints
	api.HandleFunc("/users/{id:[0-9]+}/presence", s.handlePresence).Methods("GET")
	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("api_server_starting", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	} else {
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}

	id, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		s.logger.Infow("login_failed", "username", req.Username)
		respondError(w, http.StatusUnauthorized, CodeAuth, "invalid username or password")
		return
	}
	token, exp, err := s.tokens.Issue(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Infow("login", "user", id.Username, "role", id.Role)
	respondJSON(w, TokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: exp, User: id})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, identityFrom(r.Context()))
}

func (s *Server) handleListInstructions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	var f storage.Filter
	if id.Role == instruction.RoleIM {
		f.CreatedBy = id.UserID
	}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status := instruction.Status(strings.ToUpper(strings.TrimSpace(st)))
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, CodeBadRequest, "unknown status "+st)
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := s.engine.List(r.Context(), f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []*instruction.Instruction{}
	}
	respondJSON(w, list)
}

func (s *Server) handleCreateInstruction(w http.ResponseWriter, r *http.Request) {
	var req instruction.NewInstruction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	id := identityFrom(r.Context())
	in, err := s.engine.Create(r.Context(), id, req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.record(r, "create", in, id)
	respondJSONStatus(w, http.StatusCreated, in)
}

func (s *Server) handleGetInstruction(w http.ResponseWriter, r *http.Request) {
	in, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	respondJSON(w, in)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var ack instruction.Acknowledgement
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	ack.AckType = instruction.AckType(strings.ToUpper(string(ack.AckType)))

	actor := identityFrom(r.Context())
	in, err := s.engine.Acknowledge(r.Context(), id, ack, actor)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.record(r, "ack:"+string(ack.AckType), in, actor)
	respondJSON(w, in)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor := identityFrom(r.Context())
	in, err := s.engine.Cancel(r.Context(), id, actor)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.record(r, "cancel", in, actor)
	respondJSON(w, in)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	in, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	h, err := s.engine.History(r.Context(), in.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, h)
}

func (s *Server) handleAcknowledgements(w http.ResponseWriter, r *http.Request) {
	in, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	h, err := s.engine.History(r.Context(), in.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, instruction.Acknowledgements(h))
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if identityFrom(r.Context()).Role != instruction.RoleAdmin {
		respondError(w, http.StatusForbidden, CodeForbidden, "admin only")
		return
	}
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	online, err := s.sessions.Presence().IsOnline(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, PresenceResponse{UserID: userID, Online: online})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if identityFrom(r.Context()).Role != instruction.RoleAdmin {
		respondError(w, http.StatusForbidden, CodeForbidden, "admin only")
		return
	}
	respondJSON(w, s.sessions.Sessions())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "sessions": s.sessions.Count()})
}

// ==============================
// Helper Functions
// ==============================

// loadVisible fetches the instruction named in the path. Managers only see
// their own instructions.
func (s *Server) loadVisible(w http.ResponseWriter, r *http.Request) (*instruction.Instruction, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	in, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	caller := identityFrom(r.Context())
	if caller.Role == instruction.RoleIM && in.CreatedBy != caller.UserID {
		respondError(w, http.StatusForbidden, CodeForbidden, "not your instruction")
		return nil, false
	}
	return in, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) record(r *http.Request, command string, in *instruction.Instruction, actor auth.Identity) {
	s.journal.Append(storage.JournalEntry{
		At:            in.UpdatedAt,
		RequestID:     requestIDFrom(r.Context()),
		Command:       command,
		InstructionID: in.ID,
		ActorID:       actor.UserID,
		Status:        string(in.Status),
	})
}

// writeErr maps domain errors onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, instruction.ErrInvalidTransition):
		respondError(w, http.StatusConflict, CodeInvalidTransition, err.Error())
	case errors.Is(err, instruction.ErrMissingDetail):
		respondError(w, http.StatusUnprocessableEntity, CodeMissingDetail, err.Error())
	case errors.Is(err, instruction.ErrInvalidInstruction):
		respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, instruction.ErrNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, auth.ErrAuth):
		respondError(w, http.StatusUnauthorized, CodeAuth, err.Error())
	default:
		s.logger.Errorw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
