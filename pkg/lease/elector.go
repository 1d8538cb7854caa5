package lease

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Elector decides which process runs singleton background work.
type Elector interface {
	// Campaign blocks until this process is leader or ctx is done.
	Campaign(ctx context.Context) error

	// Lost is closed when leadership is lost after a successful campaign.
	Lost() <-chan struct{}

	// Resign gives up leadership.
	Resign(ctx context.Context) error
}

// LocalElector always wins. It serves single-process deployments and tests.
type LocalElector struct{}

// Campaign implements Elector.
func (LocalElector) Campaign(ctx context.Context) error { return ctx.Err() }

// Lost implements Elector; a local leader never loses.
func (LocalElector) Lost() <-chan struct{} { return nil }

// Resign implements Elector.
func (LocalElector) Resign(context.Context) error { return nil }

// EtcdElector runs an etcd election on the store's client.
type EtcdElector struct {
	store    *EtcdStore
	name     string
	identity string
	ttl      int
	logger   zerolog.Logger

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
}

// NewEtcdElector creates an elector for the named role. identity is written as
// the leader value so operators can see who holds the role.
func NewEtcdElector(store *EtcdStore, name, identity string, ttlSeconds int, logger zerolog.Logger) *EtcdElector {
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	return &EtcdElector{
		store:    store,
		name:     name,
		identity: identity,
		ttl:      ttlSeconds,
		logger:   logger.With().Str("component", "elector").Str("role", name).Logger(),
	}
}

// Campaign implements Elector. A session left from an earlier term is closed
// first so its leader key cannot hold up the new campaign.
func (e *EtcdElector) Campaign(ctx context.Context) error {
	e.mu.Lock()
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("Failed to close previous election session")
		}
		e.session, e.election = nil, nil
	}
	e.mu.Unlock()

	session, err := concurrency.NewSession(e.store.Client(), concurrency.WithTTL(e.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open election session: %w", err)
	}
	election := concurrency.NewElection(session, e.store.ElectionPrefix(e.name))

	e.logger.Info().Str("identity", e.identity).Msg("Campaigning for leadership")
	if err := election.Campaign(ctx, e.identity); err != nil {
		_ = session.Close()
		return fmt.Errorf("campaign failed: %w", err)
	}

	e.mu.Lock()
	e.session = session
	e.election = election
	e.mu.Unlock()

	e.logger.Info().Str("identity", e.identity).Msg("Elected leader")
	return nil
}

// Lost implements Elector.
func (e *EtcdElector) Lost() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Done()
}

// Resign implements Elector.
func (e *EtcdElector) Resign(ctx context.Context) error {
	e.mu.Lock()
	session, election := e.session, e.election
	e.session, e.election = nil, nil
	e.mu.Unlock()

	if election == nil {
		return nil
	}
	err := election.Resign(ctx)
	if cerr := session.Close(); err == nil {
		err = cerr
	}
	return err
}
