// Package directorytest provides an in-memory directory.Directory with
// deterministic ids and injectable failures.
package directorytest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/model"
)

// Session is the fake's session. Its ID is session-N in issue order.
type Session struct {
	SessionID string
	ClientKey string
	NodeKey   string
}

func (s *Session) ID() string { return s.SessionID }

// Write records one SessionWrite call.
type Write struct {
	SessionID string
	Path      string
	Data      string
}

// Fake is safe for concurrent use. Exported fields configure behaviour and
// must be set before use.
type Fake struct {
	// ProvisionErr makes every ProvisionNode fail.
	ProvisionErr error
	// ProvisionGate, when non-nil, blocks ProvisionNode until it is closed.
	ProvisionGate chan struct{}
	// IdentityErr makes every GenerateIdentity fail.
	IdentityErr error
	// SessionErr makes every EstablishSession fail.
	SessionErr error
	// SessionGate, when non-nil, blocks EstablishSession until it is closed.
	// The wait ignores ctx, like a storage node that never answers.
	SessionGate chan struct{}
	// Dead lists endpoints ProbeLiveness reports as down.
	Dead map[string]bool

	mu       sync.Mutex
	started  bool
	nodes    map[string]string // public key -> endpoint
	nextNode int
	nextKey  int
	nextSess int
	store    map[string][]byte // node key + client key + path -> data
	writes   []Write
	probes   int
}

var (
	_ directory.Directory   = (*Fake)(nil)
	_ directory.StatsProber = (*Fake)(nil)
)

// New returns a started fake.
func New() *Fake {
	return &Fake{
		started: true,
		nodes:   make(map[string]string),
		store:   make(map[string][]byte),
		Dead:    make(map[string]bool),
	}
}

func (f *Fake) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.nodes = make(map[string]string)
	return nil
}

func (f *Fake) ProvisionNode(ctx context.Context) (directory.NodeInfo, error) {
	if f.ProvisionGate != nil {
		select {
		case <-f.ProvisionGate:
		case <-ctx.Done():
			return directory.NodeInfo{}, ctx.Err()
		}
	}
	if f.ProvisionErr != nil {
		return directory.NodeInfo{}, f.ProvisionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return directory.NodeInfo{}, directory.ErrNotStarted
	}
	f.nextNode++
	pub := fmt.Sprintf("node-key-%d", f.nextNode)
	endpoint := fmt.Sprintf("http://fake-%d.invalid", f.nextNode)
	f.nodes[pub] = endpoint
	return directory.NodeInfo{ID: fmt.Sprintf("fake-%d", f.nextNode), Endpoint: endpoint, PublicKey: pub}, nil
}

func (f *Fake) GenerateIdentity(context.Context) (directory.Identity, error) {
	if f.IdentityErr != nil {
		return directory.Identity{}, f.IdentityErr
	}
	f.mu.Lock()
	f.nextKey++
	seed := make([]byte, 32)
	seed[0], seed[1] = byte(f.nextKey), byte(f.nextKey>>8)
	f.mu.Unlock()

	kp, err := directory.KeypairFromSeed(seed)
	if err != nil {
		return directory.Identity{}, err
	}
	return directory.Identity{PublicKey: kp.PublicKey(), Keypair: kp}, nil
}

func (f *Fake) EstablishSession(_ context.Context, kp directory.Keypair, nodePublicKey string) (directory.Session, error) {
	if f.SessionGate != nil {
		<-f.SessionGate
	}
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[nodePublicKey]; !ok {
		return nil, fmt.Errorf("%w: %s", directory.ErrUnknownNode, nodePublicKey)
	}
	f.nextSess++
	return &Session{
		SessionID: fmt.Sprintf("session-%d", f.nextSess),
		ClientKey: kp.PublicKey(),
		NodeKey:   nodePublicKey,
	}, nil
}

func (f *Fake) SessionWrite(_ context.Context, s directory.Session, path string, data []byte) error {
	sess, ok := s.(*Session)
	if !ok {
		return errors.New("foreign session")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[sess.NodeKey+"|"+sess.ClientKey+"|"+path] = append([]byte(nil), data...)
	f.writes = append(f.writes, Write{SessionID: sess.SessionID, Path: path, Data: string(data)})
	return nil
}

func (f *Fake) SessionRead(_ context.Context, s directory.Session, path string) ([]byte, error) {
	sess, ok := s.(*Session)
	if !ok {
		return nil, errors.New("foreign session")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.store[sess.NodeKey+"|"+sess.ClientKey+"|"+path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", directory.ErrNoContent, path)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) ProbeLiveness(_ context.Context, endpoint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.Dead[endpoint] {
		return false
	}
	for _, e := range f.nodes {
		if e == endpoint {
			return true
		}
	}
	return false
}

func (f *Fake) NodeStats(_ context.Context, endpoint string) (model.StorageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var nodeKey string
	for k, e := range f.nodes {
		if e == endpoint {
			nodeKey = k
		}
	}
	var stats model.StorageStats
	for k, v := range f.store {
		if nodeKey != "" && strings.HasPrefix(k, nodeKey+"|") {
			stats.TotalKeys++
			stats.TotalBytes += int64(len(v))
		}
	}
	return stats, nil
}

// Writes returns every recorded write in call order.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// Probes returns how many liveness probes were made.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// SetDead marks an endpoint as down or back up.
func (f *Fake) SetDead(endpoint string, dead bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dead[endpoint] = dead
}
