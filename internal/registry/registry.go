// Package registry owns the simulated network: it creates storage nodes and
// client identities through a directory, holds their keypairs and sessions,
// and is the only writer of node lifecycle data in the topology store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/netsim/internal/directory"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/kb"
	"github.com/signalsfoundry/netsim/layout"
	"github.com/signalsfoundry/netsim/model"
)

// Operation names used in errors, logs and metrics.
const (
	OpCreateStorageNode    = "create_storage_node"
	OpCreateClientIdentity = "create_client_identity"
	OpConnect              = "connect"
	OpWrite                = "write"
	OpRead                 = "read"
	OpWaitForReady         = "wait_for_ready"
	OpRemoveNode           = "remove_node"
	OpMoveNode             = "move_node"
	OpTestConnectivity     = "test_connectivity"
)

// DefaultPollInterval is how often WaitForReady probes when no interval is
// given.
const DefaultPollInterval = 100 * time.Millisecond

// MetricsRecorder counts registry operations by outcome.
type MetricsRecorder interface {
	ObserveRegistryOp(op, outcome string)
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches an operation counter.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithCanvas overrides the canvas used for initial placement and moves.
func WithCanvas(c layout.Canvas) Option {
	return func(r *Registry) { r.canvas = c }
}

// WithConnectivitySettle keeps a node in the Testing state for at least d
// during TestConnectivity.
func WithConnectivitySettle(d time.Duration) Option {
	return func(r *Registry) { r.settle = d }
}

// Registry is safe for concurrent use. Topology subscribers must not call
// back into the registry.
type Registry struct {
	dir     directory.Directory
	kb      *kb.KnowledgeBase
	logger  logging.Logger
	metrics MetricsRecorder
	canvas  layout.Canvas
	settle  time.Duration

	mu         sync.Mutex
	generation uint64
	nextToken  uint64
	tokens     map[string]uint64 // node id -> creation token
	identities map[string]directory.Keypair
	sessions   map[string]directory.Session
	counters   map[model.NodeKind]int
	placed     int

	tasks sync.WaitGroup
}

// New constructs a registry writing into store.
func New(dir directory.Directory, store *kb.KnowledgeBase, opts ...Option) *Registry {
	r := &Registry{
		dir:        dir,
		kb:         store,
		logger:     logging.Noop(),
		canvas:     layout.DefaultCanvas,
		tokens:     make(map[string]uint64),
		identities: make(map[string]directory.Keypair),
		sessions:   make(map[string]directory.Session),
		counters:   make(map[model.NodeKind]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Directory returns the directory the registry drives.
func (r *Registry) Directory() directory.Directory { return r.dir }

// Store returns the topology store.
func (r *Registry) Store() *kb.KnowledgeBase { return r.kb }

// Canvas returns the canvas positions are clamped to.
func (r *Registry) Canvas() layout.Canvas { return r.canvas }

// NodeHandle tracks the outcome of a node creation.
type NodeHandle struct {
	ID   string
	done chan struct{}
	err  error
}

func newHandle(id string) *NodeHandle {
	return &NodeHandle{ID: id, done: make(chan struct{})}
}

func (h *NodeHandle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the node is Running or Error.
func (h *NodeHandle) Done() <-chan struct{} { return h.done }

// Err returns the creation outcome. It is nil until Done is closed.
func (h *NodeHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until creation finished or ctx is done.
func (h *NodeHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewID mints an unused id of the form homeserver-N or client-N.
func (r *Registry) NewID(kind model.NodeKind) string {
	prefix := "homeserver"
	if kind == model.KindClientIdentity {
		prefix = "client"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.counters[kind]++
		id := fmt.Sprintf("%s-%d", prefix, r.counters[kind])
		if _, exists := r.kb.GetNode(id); !exists {
			return id
		}
	}
}

// placeLocked picks the initial position of the next node. Clients are
// placed near the most recently created storage node when there is one.
func (r *Registry) placeLocked(kind model.NodeKind) model.Position {
	count := r.placed
	r.placed++
	if kind == model.KindClientIdentity {
		snap := r.kb.Snapshot()
		for i := len(snap.Nodes) - 1; i >= 0; i-- {
			if snap.Nodes[i].Kind() == model.KindStorageNode {
				target := snap.Nodes[i].Position
				return layout.InitialPosition(r.canvas, count, &target)
			}
		}
	}
	return layout.InitialPosition(r.canvas, count, nil)
}

func (r *Registry) insert(op string, n func(id string, pos model.Position) model.Node, kind model.NodeKind, id string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := n(id, r.placeLocked(kind))
	if err := r.kb.AddNode(node); err != nil {
		if errors.Is(err, kb.ErrNodeExists) {
			return 0, opError(op, id, ErrAlreadyExists, err)
		}
		return 0, opError(op, id, ErrInvalidAction, err)
	}
	r.nextToken++
	r.tokens[id] = r.nextToken
	return r.nextToken, nil
}

// currentLocked reports whether token still identifies the node called id.
// Removing the node or tearing the network down invalidates it.
func (r *Registry) currentLocked(id string, token uint64) bool {
	return r.tokens[id] == token
}

// CreateStorageNode inserts a Starting storage node and provisions it in the
// background. The provisioning outlives ctx cancellation; removing the node
// or Teardown makes its result a no-op. An empty id is replaced by a fresh
// one.
func (r *Registry) CreateStorageNode(ctx context.Context, id string) (*NodeHandle, error) {
	if id == "" {
		id = r.NewID(model.KindStorageNode)
	}
	token, err := r.insert(OpCreateStorageNode, model.NewStorageNode, model.KindStorageNode, id)
	if err != nil {
		r.observe(OpCreateStorageNode, err)
		return nil, err
	}

	h := newHandle(id)
	bg := context.WithoutCancel(ctx)
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		info, perr := r.dir.ProvisionNode(bg)
		err := r.completeStorageNode(token, id, info, perr)
		r.observe(OpCreateStorageNode, err)
		if err != nil {
			r.logger.Warn(bg, "storage node failed", logging.String("node_id", id), logging.Err(err))
		} else {
			r.logger.Info(bg, "storage node running",
				logging.String("node_id", id),
				logging.String("endpoint", info.Endpoint),
			)
		}
		h.finish(err)
	}()
	return h, nil
}

func (r *Registry) completeStorageNode(token uint64, id string, info directory.NodeInfo, perr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.currentLocked(id, token) {
		return opError(OpCreateStorageNode, id, ErrNotFound, errors.New("node was removed during provisioning"))
	}

	update := func(n *model.Node) {
		details, ok := n.StorageNode()
		if !ok {
			return
		}
		if perr != nil {
			n.Status = model.StatusError
			n.Err = perr.Error()
			return
		}
		details.Endpoint = info.Endpoint
		details.PublicKey = info.PublicKey
		n.Status = model.StatusRunning
		n.Err = ""
	}
	if err := r.kb.UpdateNode(id, update); err != nil {
		return opError(OpCreateStorageNode, id, ErrNotFound, err)
	}
	if perr != nil {
		return opError(OpCreateStorageNode, id, ErrProvisionFailure, perr)
	}
	return nil
}

// CreateClientIdentity inserts a client node and generates its keypair. The
// returned handle is already done. On generation failure the node is left in
// the Error state and the error is returned.
func (r *Registry) CreateClientIdentity(ctx context.Context, id string) (*NodeHandle, error) {
	if id == "" {
		id = r.NewID(model.KindClientIdentity)
	}
	token, err := r.insert(OpCreateClientIdentity, model.NewClientIdentity, model.KindClientIdentity, id)
	if err != nil {
		r.observe(OpCreateClientIdentity, err)
		return nil, err
	}

	ident, gerr := r.dir.GenerateIdentity(ctx)

	r.mu.Lock()
	if !r.currentLocked(id, token) {
		r.mu.Unlock()
		err := opError(OpCreateClientIdentity, id, ErrNotFound, errors.New("node was removed during key generation"))
		r.observe(OpCreateClientIdentity, err)
		return nil, err
	}
	uerr := r.kb.UpdateNode(id, func(n *model.Node) {
		details, ok := n.Client()
		if !ok {
			return
		}
		if gerr != nil {
			n.Status = model.StatusError
			n.Err = gerr.Error()
			return
		}
		details.PublicKey = ident.PublicKey
		n.Status = model.StatusRunning
	})
	if uerr == nil && gerr == nil {
		r.identities[id] = ident.Keypair
	}
	r.mu.Unlock()

	switch {
	case uerr != nil:
		err = opError(OpCreateClientIdentity, id, ErrNotFound, uerr)
	case gerr != nil:
		err = opError(OpCreateClientIdentity, id, ErrProvisionFailure, gerr)
	}
	r.observe(OpCreateClientIdentity, err)
	if err != nil {
		return nil, err
	}
	h := newHandle(id)
	h.finish(nil)
	return h, nil
}

// Connect opens a session between a client and a running storage node. A
// previous session and connection edge of the client are replaced.
func (r *Registry) Connect(ctx context.Context, clientID, nodeID string) (directory.Session, error) {
	sess, err := r.connect(ctx, clientID, nodeID)
	r.observe(OpConnect, err)
	return sess, err
}

func (r *Registry) connect(ctx context.Context, clientID, nodeID string) (directory.Session, error) {
	r.mu.Lock()
	kp, ok := r.identities[clientID]
	gen := r.generation
	r.mu.Unlock()
	if !ok {
		return nil, opError(OpConnect, clientID, ErrNotFound, errors.New("no keypair for client"))
	}

	node, ok := r.kb.GetNode(nodeID)
	if !ok {
		return nil, opError(OpConnect, nodeID, ErrNotFound, errors.New("no such storage node"))
	}
	info, ok := node.StorageNode()
	if !ok {
		return nil, opError(OpConnect, nodeID, ErrNotFound, fmt.Errorf("%s is not a storage node", nodeID))
	}
	if node.Status != model.StatusRunning {
		return nil, opError(OpConnect, nodeID, ErrNotReady, fmt.Errorf("storage node is %s", node.Status))
	}

	sess, err := r.dir.EstablishSession(ctx, kp, info.PublicKey)
	if err != nil {
		return nil, opError(OpConnect, clientID, ErrRemoteFailure, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, still := r.identities[clientID]; !still || gen != r.generation {
		return nil, opError(OpConnect, clientID, ErrNotFound, errors.New("client removed while connecting"))
	}
	r.kb.RemoveEdgesFrom(clientID, model.EdgeConnection)
	if err := r.kb.AddEdge(model.Edge{From: clientID, To: nodeID, Kind: model.EdgeConnection}); err != nil {
		return nil, opError(OpConnect, nodeID, ErrNotFound, err)
	}
	r.sessions[clientID] = sess
	_ = r.kb.UpdateNode(clientID, func(n *model.Node) {
		if c, ok := n.Client(); ok {
			c.ConnectedNodeID = nodeID
		}
	})
	return sess, nil
}

// Session returns the client's current session.
func (r *Registry) Session(clientID string) (directory.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

func (r *Registry) sessionFor(op, clientID string) (directory.Session, error) {
	s, ok := r.Session(clientID)
	if !ok {
		return nil, opError(op, clientID, ErrNoSession, nil)
	}
	return s, nil
}

// Write stores data at path through the client's session.
func (r *Registry) Write(ctx context.Context, clientID, path string, data []byte) error {
	err := r.write(ctx, clientID, path, data)
	r.observe(OpWrite, err)
	return err
}

func (r *Registry) write(ctx context.Context, clientID, path string, data []byte) error {
	s, err := r.sessionFor(OpWrite, clientID)
	if err != nil {
		return err
	}
	if err := r.dir.SessionWrite(ctx, s, path, data); err != nil {
		return opError(OpWrite, clientID, ErrRemoteFailure, err)
	}
	return nil
}

// Read fetches path through the client's session.
func (r *Registry) Read(ctx context.Context, clientID, path string) ([]byte, error) {
	data, err := r.read(ctx, clientID, path)
	r.observe(OpRead, err)
	return data, err
}

func (r *Registry) read(ctx context.Context, clientID, path string) ([]byte, error) {
	s, err := r.sessionFor(OpRead, clientID)
	if err != nil {
		return nil, err
	}
	data, err := r.dir.SessionRead(ctx, s, path)
	if err != nil {
		return nil, opError(OpRead, clientID, ErrRemoteFailure, err)
	}
	return data, nil
}

// WaitForReady polls the node's endpoint every interval until it answers or
// timeout elapses. A node that is still starting has no endpoint yet and
// simply keeps the poll going.
func (r *Registry) WaitForReady(ctx context.Context, nodeID string, timeout, interval time.Duration) error {
	err := r.waitForReady(ctx, nodeID, timeout, interval)
	r.observe(OpWaitForReady, err)
	return err
}

func (r *Registry) waitForReady(ctx context.Context, nodeID string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		return opError(OpWaitForReady, nodeID, ErrInvalidAction, fmt.Errorf("timeout must be positive, got %s", timeout))
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		node, ok := r.kb.GetNode(nodeID)
		if !ok {
			return opError(OpWaitForReady, nodeID, ErrNotFound, nil)
		}
		if info, isStorage := node.StorageNode(); isStorage && info.Endpoint != "" {
			if r.dir.ProbeLiveness(deadline, info.Endpoint) {
				return nil
			}
		}

		select {
		case <-deadline.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return opError(OpWaitForReady, nodeID, ErrTimeout, fmt.Errorf("not ready after %s", timeout))
		case <-ticker.C:
		}
	}
}

// RemoveNode deletes a node, its incident edges and any keypair or session
// that references it. Clients connected to a removed storage node lose their
// session.
func (r *Registry) RemoveNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.kb.GetNode(id)
	if !ok {
		err := opError(OpRemoveNode, id, ErrNotFound, nil)
		r.observe(OpRemoveNode, err)
		return err
	}
	delete(r.tokens, id)
	delete(r.identities, id)
	delete(r.sessions, id)

	if node.Kind() == model.KindStorageNode {
		for clientID := range r.sessions {
			client, ok := r.kb.GetNode(clientID)
			if !ok {
				continue
			}
			if info, isClient := client.Client(); isClient && info.ConnectedNodeID == id {
				delete(r.sessions, clientID)
				_ = r.kb.UpdateNode(clientID, func(n *model.Node) {
					if c, ok := n.Client(); ok {
						c.ConnectedNodeID = ""
					}
				})
			}
		}
	}

	var err error
	if rerr := r.kb.RemoveNode(id); rerr != nil {
		err = opError(OpRemoveNode, id, ErrNotFound, rerr)
	}
	r.observe(OpRemoveNode, err)
	return err
}

// Teardown discards all nodes, edges, keypairs and sessions. Background
// creations that finish afterwards are ignored. It is idempotent.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.tokens = make(map[string]uint64)
	r.identities = make(map[string]directory.Keypair)
	r.sessions = make(map[string]directory.Session)
	r.counters = make(map[model.NodeKind]int)
	r.placed = 0
	r.kb.Clear()
}

// Wait blocks until every background creation has finished.
func (r *Registry) Wait() {
	r.tasks.Wait()
}

// MoveNode places a node at pos, clamped to the canvas.
func (r *Registry) MoveNode(id string, pos model.Position) error {
	pos = r.canvas.Clamp(pos)
	var err error
	if uerr := r.kb.UpdateNode(id, func(n *model.Node) { n.Position = pos }); uerr != nil {
		err = opError(OpMoveNode, id, ErrNotFound, uerr)
	}
	r.observe(OpMoveNode, err)
	return err
}

// TestConnectivity probes a storage node, moving it through Testing to
// Connected or Failed. When the directory reports statistics they are
// stored on the node.
func (r *Registry) TestConnectivity(ctx context.Context, id string) error {
	err := r.testConnectivity(ctx, id)
	r.observe(OpTestConnectivity, err)
	return err
}

func (r *Registry) testConnectivity(ctx context.Context, id string) error {
	node, ok := r.kb.GetNode(id)
	if !ok {
		return opError(OpTestConnectivity, id, ErrNotFound, nil)
	}
	info, ok := node.StorageNode()
	if !ok {
		return opError(OpTestConnectivity, id, ErrInvalidAction, fmt.Errorf("%s is not a storage node", id))
	}
	setConnectivity := func(c model.ConnectivityStatus, stats *model.StorageStats) {
		_ = r.kb.UpdateNode(id, func(n *model.Node) {
			if d, ok := n.StorageNode(); ok {
				d.Connectivity = c
				if stats != nil {
					d.Stats = stats
				}
			}
		})
	}
	setConnectivity(model.ConnectivityTesting, nil)

	if r.settle > 0 {
		select {
		case <-time.After(r.settle):
		case <-ctx.Done():
			setConnectivity(model.ConnectivityUnknown, nil)
			return ctx.Err()
		}
	}

	if info.Endpoint == "" || !r.dir.ProbeLiveness(ctx, info.Endpoint) {
		setConnectivity(model.ConnectivityFailed, nil)
		return opError(OpTestConnectivity, id, ErrRemoteFailure, errors.New("storage node did not answer"))
	}

	var stats *model.StorageStats
	if prober, ok := r.dir.(directory.StatsProber); ok {
		s, err := prober.NodeStats(ctx, info.Endpoint)
		if err != nil {
			r.logger.Warn(ctx, "storage stats unavailable", logging.String("node_id", id), logging.Err(err))
		} else {
			stats = &s
		}
	}
	setConnectivity(model.ConnectivityConnected, stats)
	return nil
}

// Snapshot returns a point-in-time copy of the topology.
func (r *Registry) Snapshot() kb.Snapshot {
	return r.kb.Snapshot()
}

// Endpoints lists the endpoints of running storage nodes in creation order.
func (r *Registry) Endpoints() []string {
	snap := r.kb.Snapshot()
	var out []string
	for _, n := range snap.Nodes {
		if info, ok := n.StorageNode(); ok && n.Status == model.StatusRunning && info.Endpoint != "" {
			out = append(out, info.Endpoint)
		}
	}
	return out
}

func (r *Registry) observe(op string, err error) {
	if r.metrics != nil {
		r.metrics.ObserveRegistryOp(op, KindLabel(err))
	}
}
