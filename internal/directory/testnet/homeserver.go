package testnet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/model"
)

const (
	// maxBodyBytes caps uploads and sign-up bodies.
	maxBodyBytes = 1 << 20
	// signupSkew bounds how old a sign-up timestamp may be.
	signupSkew = 5 * time.Minute
)

// SignupMessage is the payload a client signs to open a session with the
// node identified by nodePublicKey.
func SignupMessage(nodePublicKey, clientPublicKey string, unixMillis int64) []byte {
	return []byte("netsim-signup:" + nodePublicKey + ":" + clientPublicKey + ":" + strconv.FormatInt(unixMillis, 10))
}

type signupRequest struct {
	PublicKey string `json:"public_key"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type signupResponse struct {
	Token string `json:"token"`
}

type rootResponse struct {
	PublicKey string `json:"public_key"`
	Name      string `json:"name"`
}

// homeserver is one loopback storage node. Content is namespaced by the
// public key of the session owner.
type homeserver struct {
	name    string
	keypair directory.Keypair
	logger  logging.Logger
	now     func() time.Time

	listener net.Listener
	server   *http.Server
	endpoint string

	mu       sync.RWMutex
	sessions map[string]string            // token -> client public key
	store    map[string]map[string][]byte // client public key -> path -> content
}

func newHomeserver(name string, kp directory.Keypair, logger logging.Logger, now func() time.Time) *homeserver {
	return &homeserver{
		name:     name,
		keypair:  kp,
		logger:   logger.With(logging.String("homeserver", name)),
		now:      now,
		sessions: make(map[string]string),
		store:    make(map[string]map[string][]byte),
	}
}

func (h *homeserver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("POST /session", h.handleSignup)
	mux.HandleFunc("PUT /pub/{path...}", h.handlePut)
	mux.HandleFunc("GET /pub/{path...}", h.handleGet)
	mux.HandleFunc("GET /stats", h.handleStats)
	return mux
}

// start binds a loopback port and serves in the background.
func (h *homeserver) start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.listener = ln
	h.endpoint = "http://" + ln.Addr().String()
	h.server = &http.Server{
		Handler:      h.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error(context.Background(), "homeserver stopped", logging.Err(err))
		}
	}()
	return nil
}

func (h *homeserver) stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	if err := h.server.Shutdown(ctx); err != nil {
		return h.server.Close()
	}
	return nil
}

func (h *homeserver) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{PublicKey: h.keypair.PublicKey(), Name: h.name})
}

func (h *homeserver) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "malformed sign-up", http.StatusBadRequest)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, "malformed signature", http.StatusBadRequest)
		return
	}
	age := h.now().Sub(time.UnixMilli(req.Timestamp))
	if age > signupSkew || age < -signupSkew {
		http.Error(w, "stale sign-up", http.StatusUnauthorized)
		return
	}
	msg := SignupMessage(h.keypair.PublicKey(), req.PublicKey, req.Timestamp)
	if !directory.Verify(req.PublicKey, msg, sig) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	token := uuid.NewString()
	h.mu.Lock()
	h.sessions[token] = req.PublicKey
	if _, ok := h.store[req.PublicKey]; !ok {
		h.store[req.PublicKey] = make(map[string][]byte)
	}
	h.mu.Unlock()

	h.logger.Debug(r.Context(), "session opened", logging.String("client", req.PublicKey))
	writeJSON(w, http.StatusOK, signupResponse{Token: token})
}

// owner resolves the bearer token to the client public key.
func (h *homeserver) owner(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	pub, ok := h.sessions[token]
	return pub, ok
}

func (h *homeserver) handlePut(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	path := "/pub/" + r.PathValue("path")

	h.mu.Lock()
	h.store[owner][path] = body
	h.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (h *homeserver) handleGet(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := "/pub/" + r.PathValue("path")

	h.mu.RLock()
	content, found := h.store[owner][path]
	h.mu.RUnlock()
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (h *homeserver) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats())
}

func (h *homeserver) stats() model.StorageStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var s model.StorageStats
	for _, files := range h.store {
		for _, content := range files {
			s.TotalKeys++
			s.TotalBytes += int64(len(content))
		}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
