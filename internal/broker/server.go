package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/victorarias/rbroker/internal/interpreters"
	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/session"
)

const maxRequestBody = 1 << 20

// Options describe one broker instance.
type Options struct {
	Name       string
	Version    string
	InstanceID string
	// Secret is the Basic auth password clients must present. Empty accepts
	// any credentials.
	Secret string
}

// Server is the broker's HTTP and WebSocket surface over a session manager.
type Server struct {
	opts    Options
	interps *interpreters.Table
	manager *session.Manager
	logf    logging.LogFunc
	handler http.Handler
	bridges bridgeSet
}

func NewServer(manager *session.Manager, interps *interpreters.Table, opts Options, logf logging.LogFunc) *Server {
	s := &Server{
		opts:    opts,
		interps: interps,
		manager: manager,
		logf:    logging.OrNop(logf),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.PathInfo, s.handleInfo)
	mux.HandleFunc("GET "+protocol.PathSessions, s.handleListSessions)
	mux.HandleFunc("GET "+protocol.PathSessions+"/{id}", s.handleGetSession)
	mux.HandleFunc("PUT "+protocol.PathSessions+"/{id}", s.handleCreateSession)
	mux.HandleFunc("DELETE "+protocol.PathSessions+"/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET "+protocol.PathSessions+"/{id}"+protocol.PipeSuffix, s.handlePipe)
	s.handler = basicAuth(opts.Secret, mux, s.logf)
	return s
}

// Handler returns the authenticated request router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.BrokerInfo{
		Name:            s.opts.Name,
		Version:         s.opts.Version,
		ProtocolVersion: protocol.ProtocolVersion,
		InstanceID:      s.opts.InstanceID,
		Interpreters:    s.interps.Infos(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.GetSessions(ownerFrom(r.Context()))
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.GetSession(ownerFrom(r.Context()), id)
	if !ok {
		writeAPIError(w, protocol.NewAPIError(protocol.ErrSessionNotFound, "%s", id))
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := ownerFrom(r.Context())

	var req protocol.SessionCreateRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, protocol.NewAPIError(protocol.ErrBadRequest, "invalid session request: %v", err))
		return
	}

	interp, err := s.interps.Lookup(req.InterpreterPath)
	if err != nil {
		writeAPIError(w, s.apiError(err))
		return
	}
	if req.InterpreterArchitecture != "" {
		interp.Architecture = req.InterpreterArchitecture
	}

	s.logf("create session %s/%s interpreter=%s", owner, id, interp.InstallPath)
	sess, err := s.manager.CreateSession(owner, id, interp, req.CommandLineArguments, req.IsInteractive)
	if err != nil {
		writeAPIError(w, s.apiError(err))
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := ownerFrom(r.Context())
	if err := s.manager.TerminateSession(owner, id); err != nil {
		writeAPIError(w, s.apiError(err))
		return
	}
	s.logf("terminated session %s/%s", owner, id)
	w.WriteHeader(http.StatusNoContent)
}

// apiError maps an internal error to the code clients branch on.
func (s *Server) apiError(err error) *protocol.APIError {
	var (
		notFound   *interpreters.NotFoundError
		missing    *rhost.BinaryMissingError
		startError *rhost.HostStartError
	)
	switch {
	case errors.Is(err, interpreters.ErrNoInterpreters):
		return protocol.NewAPIError(protocol.ErrNoRInterpreters, "")
	case errors.As(err, &notFound):
		return protocol.NewAPIError(protocol.ErrInterpreterNotFound, "%s", notFound.Path)
	case errors.As(err, &missing), errors.As(err, &startError):
		return protocol.NewAPIError(protocol.ErrUnableToStartRHost, "%v", err)
	case errors.Is(err, session.ErrSessionTerminated):
		return protocol.NewAPIError(protocol.ErrUnableToStartRHost, "session was replaced while its host was starting")
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.NewAPIError(protocol.ErrSessionNotFound, "")
	case errors.Is(err, session.ErrClientAlreadyConnected):
		return protocol.NewAPIError(protocol.ErrPipeAlreadyConnected, "")
	default:
		s.logf("request failed: %v", err)
		return protocol.NewAPIError(protocol.ErrOSError, "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, apiErr *protocol.APIError) {
	writeJSON(w, protocol.StatusForCode(apiErr.Code), apiErr)
}
