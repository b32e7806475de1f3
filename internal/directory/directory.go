// Package directory defines the storage directory the simulator drives:
// something that can provision storage nodes, mint client identities, open
// authenticated sessions and move bytes through them.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/netsim/model"
)

var (
	// ErrNotStarted is returned by operations on a directory that is not running.
	ErrNotStarted = errors.New("directory not started")
	// ErrUnknownNode indicates a public key that no provisioned node owns.
	ErrUnknownNode = errors.New("unknown storage node")
	// ErrUnauthorized indicates a rejected signature or session token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoContent indicates nothing is stored at the requested path.
	ErrNoContent = errors.New("no content at path")
)

// NodeInfo describes a provisioned storage node.
type NodeInfo struct {
	ID        string
	Endpoint  string
	PublicKey string
}

// Identity is a freshly generated client identity.
type Identity struct {
	PublicKey string
	Keypair   Keypair
}

// Session is an authenticated channel between one client identity and one
// storage node. Callers treat it as opaque.
type Session interface {
	ID() string
}

// Directory is the storage network the registry drives. Implementations
// must be safe for concurrent use.
type Directory interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	ProvisionNode(ctx context.Context) (NodeInfo, error)
	GenerateIdentity(ctx context.Context) (Identity, error)
	EstablishSession(ctx context.Context, kp Keypair, nodePublicKey string) (Session, error)

	SessionWrite(ctx context.Context, s Session, path string, data []byte) error
	SessionRead(ctx context.Context, s Session, path string) ([]byte, error)

	// ProbeLiveness reports whether the endpoint answers at all.
	ProbeLiveness(ctx context.Context, endpoint string) bool
}

// StatsProber is implemented by directories that can report per-node
// storage statistics.
type StatsProber interface {
	NodeStats(ctx context.Context, endpoint string) (model.StorageStats, error)
}

// StatusError carries a non-success HTTP answer from a storage node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("storage node answered %d", e.Code)
	}
	return fmt.Sprintf("storage node answered %d: %s", e.Code, e.Body)
}
