package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"breaksync/internal/api"
	"breaksync/internal/model"
)

var (
	// ErrBadRequest marks backend errors caused by the request itself.
	ErrBadRequest = errors.New("bad request")
	// ErrUnavailable marks a backend that no longer serves requests.
	ErrUnavailable = errors.New("unavailable")
)

// Backend executes control requests. The agent implements it by posting
// each call onto its loop goroutine.
type Backend interface {
	Status(ctx context.Context) (model.Status, error)
	Claim(ctx context.Context) (api.ClaimResponse, error)
	AddPeer(ctx context.Context, url string) (api.PeerResponse, error)
	RemovePeer(ctx context.Context, url string) (api.PeerResponse, error)
	Reconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// SetSuspended pauses or resumes activity monitoring.
	SetSuspended(ctx context.Context, suspended bool) error
	History(ctx context.Context, from, to string) (api.HistoryResponse, error)
}

// Server provides the local control HTTP API.
type Server struct {
	backend Backend
	log     *log.Logger
	srv     *http.Server
}

// NewServer constructs a control server.
func NewServer(b Backend, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{backend: b, log: logger}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/claim", s.handleClaim)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/reconnect", s.handleReconnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/suspend", s.handleSuspend(true))
	mux.HandleFunc("/resume", s.handleSuspend(false))
	return mux
}

// Serve runs the HTTP server on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Printf("control listening on %s", ln.Addr())
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.backend.Status(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp, err := s.backend.Claim(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	var (
		resp api.PeerResponse
		err  error
	)
	switch r.Method {
	case http.MethodPost:
		var req api.PeerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.URL == "" {
			writeJSONError(w, http.StatusBadRequest, "url required")
			return
		}
		resp, err = s.backend.AddPeer(r.Context(), req.URL)
	case http.MethodDelete:
		u := r.URL.Query().Get("url")
		if u == "" {
			writeJSONError(w, http.StatusBadRequest, "url required")
			return
		}
		resp, err = s.backend.RemovePeer(r.Context(), u)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.backend.Reconnect(r.Context()); err != nil {
		writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.backend.Disconnect(r.Context()); err != nil {
		writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSuspend(suspended bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.backend.SetSuspended(r.Context(), suspended); err != nil {
			writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	resp, err := s.backend.History(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
