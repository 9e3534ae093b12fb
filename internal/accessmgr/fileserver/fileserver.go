// Package fileserver is the file-backed reference Access Manager of
// spec.md §6: it implements the same HTTP API a production access manager
// would expose, persisting tokens, usage and server identity as files under
// a storage directory (spec.md §6 "Persisted state"), so the server side of
// relaytun is runnable end-to-end without a separate service. Grounded on
// the teacher's plain-stdlib-`net/http` HTTP surfaces, routed here with
// github.com/go-chi/chi/v5 per the pack's cloudflared dependency.
package fileserver

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaytun/internal/accessmgr"
	"relaytun/internal/token"
	"relaytun/internal/wire"
)

// AccessItem is the persisted form of one token plus its limits
// (spec.md §6 "<token-id>.token").
type AccessItem struct {
	Token           token.Token `json:"token"`
	MaxClientCount  int         `json:"maxClientCount"`
	MaxTrafficBytes int64       `json:"maxTrafficBytes"`
}

type sessionState struct {
	id           uint64
	tokenID      string
	sessionKey   []byte
	hostEndPoint string
	clientIP     string
	usage        wire.Traffic
	suppressedBy string
	closed       bool
}

// Server implements accessmgr.Manager's HTTP surface against a storage
// directory. Construct with New and mount Router() under an http.Server.
type Server struct {
	dir    string
	logger *zap.Logger

	mu            sync.Mutex
	sessions      map[uint64]*sessionState
	tokenSessions map[string][]uint64 // oldest first, for suppression (spec.md §4.3/§8)

	serverID     string
	serverSecret []byte
	configCode   string
}

// New opens (creating if absent) the storage directory and loads or
// generates the server identity files (spec.md §6 "server-id", "server-key").
func New(dir string, logger *zap.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Join(dir, "certificates"), 0o700); err != nil {
		return nil, fmt.Errorf("fileserver: create storage dir: %w", err)
	}
	s := &Server{
		dir:           dir,
		logger:        logger,
		sessions:      make(map[uint64]*sessionState),
		tokenSessions: make(map[string][]uint64),
	}
	if err := s.loadOrCreateIdentity(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) loadOrCreateIdentity() error {
	idPath := filepath.Join(s.dir, "server-id")
	keyPath := filepath.Join(s.dir, "server-key")

	if b, err := os.ReadFile(idPath); err == nil {
		s.serverID = string(b)
	} else {
		s.serverID = uuid.NewString()
		if err := os.WriteFile(idPath, []byte(s.serverID), 0o600); err != nil {
			return fmt.Errorf("fileserver: write server-id: %w", err)
		}
	}

	if b, err := os.ReadFile(keyPath); err == nil {
		s.serverSecret = b
	} else {
		s.serverSecret = make([]byte, 16)
		if _, err := rand.Read(s.serverSecret); err != nil {
			return fmt.Errorf("fileserver: generate server-key: %w", err)
		}
		if err := os.WriteFile(keyPath, s.serverSecret, 0o600); err != nil {
			return fmt.Errorf("fileserver: write server-key: %w", err)
		}
	}
	return nil
}

// Router builds the chi mux exposing the API of spec.md §6.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/configure", s.handleConfigure)
	r.Post("/status", s.handleStatus)
	r.Post("/sessions", s.handleSessionCreate)
	r.Get("/sessions/{id}", s.handleSessionGet)
	r.Post("/sessions/{id}/usage", s.handleSessionUsage)
	r.Get("/certificates/{endpoint}", s.handleCertificate)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, exceptionType, msg string) {
	writeJSON(w, status, accessmgr.ApiError{ExceptionTypeName: exceptionType, Message: msg})
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var info accessmgr.ServerInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeAPIError(w, http.StatusBadRequest, "DecodeError", err.Error())
		return
	}

	s.mu.Lock()
	s.configCode = uuid.NewString()
	cfg := accessmgr.ServerConfig{
		TcpEndPoints: info.TcpEndPoints,
		UdpEndPoint:  info.UdpEndPoint,
		SessionOptions: accessmgr.SessionOptions{
			TcpReuseTimeoutMs:       60_000,
			RequestTimeoutMs:        15_000,
			MaxTcpChannelCount:      64,
			MaxTcpConnectWaitCount:  16,
			MaxDatagramChannelCount: 4,
			SyncIntervalMs:          30_000,
			SyncCacheSize:           1 << 20,
		},
		TrackingOptions: accessmgr.TrackingOptions{TrackClientIP: false},
		ServerSecret:    s.serverSecret,
		ConfigCode:      s.configCode,
	}
	s.mu.Unlock()

	if err := s.persistLastConfig(cfg); err != nil && s.logger != nil {
		s.logger.Warn("fileserver: failed persisting last-config.json", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) persistLastConfig(cfg accessmgr.ServerConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, "last-config.json"), b, 0o600)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status accessmgr.ServerStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		writeAPIError(w, http.StatusBadRequest, "DecodeError", err.Error())
		return
	}
	s.mu.Lock()
	code := s.configCode
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, accessmgr.ServerCommand{ConfigCode: code})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req accessmgr.SessionRequestEx
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "DecodeError", err.Error())
		return
	}

	item, err := s.loadToken(req.TokenID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "NotFoundError", "unknown token")
		return
	}

	usage, err := s.loadUsage(req.TokenID)
	if err != nil {
		usage = wire.Traffic{}
	}
	if item.MaxTrafficBytes > 0 && usage.Sent+usage.Received >= item.MaxTrafficBytes {
		writeJSON(w, http.StatusOK, accessmgr.SessionResponseEx{
			SessionResponseBase: accessmgr.SessionResponseBase{ErrorCode: wire.AccessTrafficOverflow, AccessUsage: usage},
		})
		return
	}

	id, err := randomSessionID()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	st := &sessionState{id: id, tokenID: req.TokenID, sessionKey: key, hostEndPoint: req.HostEndPoint, clientIP: req.ClientIP, usage: usage}

	s.mu.Lock()
	s.sessions[id] = st
	s.tokenSessions[req.TokenID] = append(s.tokenSessions[req.TokenID], id)
	s.applySuppressionLocked(item, req.TokenID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, accessmgr.SessionResponseEx{
		SessionResponseBase: accessmgr.SessionResponseBase{ErrorCode: wire.Ok, AccessUsage: usage},
		SessionID:            id,
		SessionKey:           key,
	})
}

// applySuppressionLocked enforces spec.md §4.3/§8's "max_clients" rule:
// when a token's live session count exceeds MaxClientCount, the oldest
// sessions beyond the limit are marked suppressed so their next sync call
// surfaces SessionSuppressedByOther. MaxClientCount == 0 disables
// suppression entirely (spec.md §8 boundary behavior).
func (s *Server) applySuppressionLocked(item *AccessItem, tokenID string) {
	if item.MaxClientCount <= 0 {
		return
	}
	ids := s.tokenSessions[tokenID]
	live := ids[:0]
	for _, id := range ids {
		if st, ok := s.sessions[id]; ok && !st.closed {
			live = append(live, id)
		}
	}
	s.tokenSessions[tokenID] = live
	for len(live) > item.MaxClientCount {
		oldest := s.sessions[live[0]]
		if oldest != nil {
			oldest.suppressedBy = "Other"
		}
		live = live[1:]
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "DecodeError", err.Error())
		return
	}

	s.mu.Lock()
	st, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NotFoundError", "unknown session")
		return
	}

	// hostEndPoint/clientIP are accepted for API compatibility but unused:
	// tracked only when TrackingOptions.TrackClientIP is set, which this
	// reference implementation never enables.
	_ = r.URL.Query().Get("hostEndPoint")
	_ = r.URL.Query().Get("clientIp")

	resp := accessmgr.SessionResponseEx{
		SessionResponseBase: accessmgr.SessionResponseBase{ErrorCode: wire.Ok, AccessUsage: st.usage},
		SessionID:           st.id,
		SessionKey:          st.sessionKey,
	}
	if st.suppressedBy != "" {
		resp.ErrorCode = wire.SessionSuppressedByOther
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "DecodeError", err.Error())
		return
	}
	closeSession := r.URL.Query().Get("closeSession") == "true"

	var delta wire.Traffic
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		writeAPIError(w, http.StatusBadRequest, "DecodeError", err.Error())
		return
	}

	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeAPIError(w, http.StatusNotFound, "NotFoundError", "unknown session")
		return
	}
	st.usage = st.usage.Add(delta)
	usage := st.usage
	tokenID := st.tokenID
	suppressed := st.suppressedBy
	if closeSession {
		st.closed = true
	}
	s.mu.Unlock()

	if err := s.saveUsage(tokenID, usage); err != nil && s.logger != nil {
		s.logger.Warn("fileserver: failed persisting usage", zap.String("tokenId", tokenID), zap.Error(err))
	}

	code := wire.Ok
	if item, err := s.loadToken(tokenID); err == nil && item.MaxTrafficBytes > 0 && usage.Sent+usage.Received >= item.MaxTrafficBytes {
		code = wire.AccessTrafficOverflow
	} else if suppressed != "" {
		code = wire.SessionSuppressedByOther
	}

	writeJSON(w, http.StatusOK, accessmgr.SessionResponseBase{ErrorCode: code, AccessUsage: usage})
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	// Reference implementation: a single default certificate shared across
	// host endpoints (spec.md §6 "certificates/default.pfx"); a production
	// access manager would key this by the {endpoint} path segment.
	path := filepath.Join(s.dir, "certificates", "default.pfx")
	b, err := os.ReadFile(path)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "NotFoundError", "no certificate available")
		return
	}
	w.Header().Set("Content-Type", "application/x-pkcs12")
	_, _ = w.Write(b)
}

func (s *Server) tokenPath(id string) string { return filepath.Join(s.dir, id+".token") }
func (s *Server) usagePath(id string) string { return filepath.Join(s.dir, id+".usage") }

func (s *Server) loadToken(id string) (*AccessItem, error) {
	b, err := os.ReadFile(s.tokenPath(id))
	if err != nil {
		return nil, err
	}
	var item AccessItem
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// SaveToken persists a new or updated AccessItem, used by the CLI's
// `token` subcommand.
func (s *Server) SaveToken(item AccessItem) error {
	b, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.tokenPath(item.Token.ID.String()), b, 0o600)
}

func (s *Server) loadUsage(id string) (wire.Traffic, error) {
	b, err := os.ReadFile(s.usagePath(id))
	if err != nil {
		return wire.Traffic{}, err
	}
	var t wire.Traffic
	if err := json.Unmarshal(b, &t); err != nil {
		return wire.Traffic{}, err
	}
	return t, nil
}

func (s *Server) saveUsage(id string, t wire.Traffic) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(s.usagePath(id), b, 0o600)
}

func randomSessionID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint64(buf[:])
	if id == 0 {
		id = 1
	}
	return id, nil
}

func parseSessionID(s string) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, errors.New("fileserver: invalid session id")
	}
	return id, nil
}
