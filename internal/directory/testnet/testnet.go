// Package testnet is an in-process storage directory: every provisioned node
// is a real HTTP server on a loopback port, sessions are opened with a signed
// sign-up and content lives in memory.
package testnet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/model"
)

// Option customises a Testnet.
type Option func(*Testnet)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Testnet) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithHTTPClient replaces the client used to talk to nodes.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Testnet) {
		if c != nil {
			t.client = c
		}
	}
}

// WithClock overrides the time source used for sign-up timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Testnet) {
		if now != nil {
			t.now = now
		}
	}
}

// Testnet implements directory.Directory and directory.StatsProber.
type Testnet struct {
	logger logging.Logger
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	started bool
	nextID  int
	nodes   map[string]*homeserver // public key -> node
}

var (
	_ directory.Directory   = (*Testnet)(nil)
	_ directory.StatsProber = (*Testnet)(nil)
)

// New constructs a stopped testnet.
func New(opts ...Option) *Testnet {
	t := &Testnet{
		logger: logging.Noop(),
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
		nodes:  make(map[string]*homeserver),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// session is the testnet's directory.Session.
type session struct {
	token     string
	endpoint  string
	clientKey string
	nodeKey   string
}

func (s *session) ID() string { return s.token }

// Start marks the network running. It is idempotent.
func (t *Testnet) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		t.logger.Info(ctx, "testnet started")
	}
	return nil
}

// Stop shuts every node down and forgets them. It is idempotent.
func (t *Testnet) Stop(ctx context.Context) error {
	t.mu.Lock()
	nodes := t.nodes
	t.nodes = make(map[string]*homeserver)
	wasStarted := t.started
	t.started = false
	t.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if err := n.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", n.name, err))
		}
	}
	if wasStarted {
		t.logger.Info(ctx, "testnet stopped", logging.Int("nodes", len(nodes)))
	}
	return errors.Join(errs...)
}

// ProvisionNode starts a new loopback storage node.
func (t *Testnet) ProvisionNode(ctx context.Context) (directory.NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return directory.NodeInfo{}, err
	}
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return directory.NodeInfo{}, directory.ErrNotStarted
	}
	t.nextID++
	name := fmt.Sprintf("testnet-%d", t.nextID)
	t.mu.Unlock()

	kp, err := directory.GenerateKeypair(nil)
	if err != nil {
		return directory.NodeInfo{}, err
	}
	hs := newHomeserver(name, kp, t.logger, t.now)
	if err := hs.start(); err != nil {
		return directory.NodeInfo{}, fmt.Errorf("start %s: %w", name, err)
	}

	t.mu.Lock()
	if !t.started {
		// Stopped while we were binding.
		t.mu.Unlock()
		_ = hs.stop(context.Background())
		return directory.NodeInfo{}, directory.ErrNotStarted
	}
	t.nodes[kp.PublicKey()] = hs
	t.mu.Unlock()

	t.logger.Debug(ctx, "storage node provisioned",
		logging.String("name", name),
		logging.String("endpoint", hs.endpoint),
	)
	return directory.NodeInfo{ID: name, Endpoint: hs.endpoint, PublicKey: kp.PublicKey()}, nil
}

// GenerateIdentity mints a client keypair. It needs no running network.
func (t *Testnet) GenerateIdentity(ctx context.Context) (directory.Identity, error) {
	if err := ctx.Err(); err != nil {
		return directory.Identity{}, err
	}
	kp, err := directory.GenerateKeypair(nil)
	if err != nil {
		return directory.Identity{}, err
	}
	return directory.Identity{PublicKey: kp.PublicKey(), Keypair: kp}, nil
}

func (t *Testnet) endpointFor(nodePublicKey string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started {
		return "", directory.ErrNotStarted
	}
	hs, ok := t.nodes[nodePublicKey]
	if !ok {
		return "", fmt.Errorf("%w: %s", directory.ErrUnknownNode, nodePublicKey)
	}
	return hs.endpoint, nil
}

// EstablishSession signs up kp with the node owning nodePublicKey.
func (t *Testnet) EstablishSession(ctx context.Context, kp directory.Keypair, nodePublicKey string) (directory.Session, error) {
	if !kp.Valid() {
		return nil, fmt.Errorf("%w: empty keypair", directory.ErrUnauthorized)
	}
	endpoint, err := t.endpointFor(nodePublicKey)
	if err != nil {
		return nil, err
	}

	ts := t.now().UnixMilli()
	clientKey := kp.PublicKey()
	sig := kp.Sign(SignupMessage(nodePublicKey, clientKey, ts))
	body, err := json.Marshal(signupRequest{
		PublicKey: clientKey,
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return nil, err
	}

	resp, err := t.do(ctx, http.MethodPost, endpoint+"/session", "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out signupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sign-up response: %w", err)
	}
	return &session{token: out.Token, endpoint: endpoint, clientKey: clientKey, nodeKey: nodePublicKey}, nil
}

// SessionWrite stores data at path on the session's node.
func (t *Testnet) SessionWrite(ctx context.Context, s directory.Session, path string, data []byte) error {
	sess, err := asSession(s)
	if err != nil {
		return err
	}
	resp, err := t.do(ctx, http.MethodPut, sess.endpoint+cleanPath(path), sess.token, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// SessionRead fetches the content at path from the session's node.
func (t *Testnet) SessionRead(ctx context.Context, s directory.Session, path string) ([]byte, error) {
	sess, err := asSession(s)
	if err != nil {
		return nil, err
	}
	resp, err := t.do(ctx, http.MethodGet, sess.endpoint+cleanPath(path), sess.token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", directory.ErrNoContent, path)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// ProbeLiveness treats any 2xx or 4xx answer as alive.
func (t *Testnet) ProbeLiveness(ctx context.Context, endpoint string) bool {
	if endpoint == "" {
		return false
	}
	resp, err := t.do(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/", "", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	code := resp.StatusCode
	return (code >= 200 && code < 300) || (code >= 400 && code < 500)
}

// NodeStats reads the storage statistics of the node at endpoint.
func (t *Testnet) NodeStats(ctx context.Context, endpoint string) (model.StorageStats, error) {
	resp, err := t.do(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/stats", "", nil)
	if err != nil {
		return model.StorageStats{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return model.StorageStats{}, err
	}
	var stats model.StorageStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return model.StorageStats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func (t *Testnet) do(ctx context.Context, method, url, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return t.client.Do(req)
}

func asSession(s directory.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("%w: session %T not issued by testnet", directory.ErrUnauthorized, s)
	}
	return sess, nil
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	serr := &directory.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", directory.ErrUnauthorized, serr)
	}
	return serr
}
