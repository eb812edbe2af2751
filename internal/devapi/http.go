package devapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/market-client/internal/errs"
	"github.com/and161185/market-client/internal/model"
	"github.com/and161185/market-client/internal/realtime"
)

const forceLogoutHeader = "X-Force-Logout"

type ctxKey string

const userIDKey ctxKey = "devapi.userID"

// WithUserID stores the authenticated user ID in context.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx fetches the user ID stored by the auth middleware.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// Server is the HTTP surface of the dev backend.
type Server struct {
	svc      *Service
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wires svc to a realtime hub; forced logouts are pushed to connected clients.
func NewServer(svc *Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc: svc,
		hub: NewHub(log),
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	svc.onForce = func(id uuid.UUID, msg string) {
		s.hub.Push(id, realtime.EventForceLogout, map[string]string{"message": msg})
	}
	return s
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("OK")) }).Methods(http.MethodGet)

	a := r.PathPrefix("/api/auth").Subrouter()
	a.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	a.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	a.HandleFunc("/refresh-token", s.handleRefresh).Methods(http.MethodPost)
	a.HandleFunc("/check-email", s.handleCheckEmail).Methods(http.MethodPost)
	a.Handle("/logout", s.authenticated(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)
	a.Handle("/me", s.authenticated(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)

	r.Handle("/api/ws", s.authenticated(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)
	r.Handle("/api/echo", s.authenticated(http.HandlerFunc(s.handleEcho)))

	// dev controls, never exposed by a real backend
	r.HandleFunc("/api/dev/force-logout/{id}", s.handleForceLogout).Methods(http.MethodPost)
	return r
}

type authResponse struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message,omitempty"`
	AccessToken  string      `json:"accessToken,omitempty"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	User         *model.User `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}
	out, err := s.svc.Login(r.Context(), in.Email, in.Password, remoteIP(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issuedResponse(out))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string     `json:"email"`
		Password string     `json:"password"`
		Name     string     `json:"name"`
		Role     model.Role `json:"role"`
	}
	if !decode(w, r, &in) {
		return
	}
	out, err := s.svc.Register(r.Context(), in.Email, in.Password, in.Name, in.Role)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issuedResponse(out))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &in) {
		return
	}
	t, err := s.svc.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Success: true, AccessToken: t.AccessToken, RefreshToken: t.RefreshToken})
}

func (s *Server) handleCheckEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &in) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": s.svc.EmailExists(r.Context(), in.Email)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFromCtx(r.Context())
	s.svc.Logout(r.Context(), id)
	writeJSON(w, http.StatusOK, authResponse{Success: true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFromCtx(r.Context())
	u, err := s.svc.Me(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Success: true, User: &u})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFromCtx(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"userId": id.String(), "method": r.Method})
}

func (s *Server) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, authResponse{Message: "bad id"})
		return
	}
	if err := s.svc.ForceLogout(r.Context(), id, r.URL.Query().Get("message")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, _ := UserIDFromCtx(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade", zap.Error(err))
		return
	}
	p := &peer{conn: conn}
	s.hub.register(id, p)
	defer func() {
		s.hub.unregister(id, p)
		_ = conn.Close()
	}()

	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Type == realtime.EventPing {
			_ = p.send(realtime.Event{Type: "pong"})
		}
	}
}

// authenticated extracts "Authorization: Bearer <JWT>" and stores the subject in context.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.fail(w, errs.ErrUnauthorized)
			return
		}
		id, err := s.svc.Authenticate(r.Context(), tok)
		if err != nil {
			s.fail(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}

func bearerToken(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

// fail maps service errors onto statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForceLogout):
		w.Header().Set(forceLogoutHeader, "1")
		writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "forceLogout": true, "message": "signed out by administrator"})
	case errors.Is(err, errs.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, authResponse{Message: "unauthorized"})
	case errors.Is(err, errs.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, authResponse{Message: "too many attempts"})
	case errors.Is(err, ErrEmailTaken):
		writeJSON(w, http.StatusConflict, authResponse{Message: err.Error()})
	case errors.Is(err, errs.ErrValidationRejected):
		writeJSON(w, http.StatusBadRequest, authResponse{Message: err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, authResponse{Message: "not found"})
	default:
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, authResponse{Message: "internal"})
	}
}

func issuedResponse(out Issued) authResponse {
	u := out.User
	return authResponse{Success: true, AccessToken: out.Tokens.AccessToken, RefreshToken: out.Tokens.RefreshToken, User: &u}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, authResponse{Message: fmt.Sprintf("bad json: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder keeps the status for logging and still allows websocket hijacking.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// logging records method, path, status and duration; never bodies or headers.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

// recoverer turns handler panics into 500s.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("panic",
					zap.Any("reason", v),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, authResponse{Message: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
