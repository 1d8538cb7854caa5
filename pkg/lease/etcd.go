package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/clock"
)

// Key layout under the configured prefix:
//
//	<prefix>/locks/<resource id>          reservation id, attached to the reservation's etcd lease
//	<prefix>/idempotency/<key>            reservation id, attached to the reservation's etcd lease
//	<prefix>/reservations/<id>            JSON record of a reservation that is still active
//	<prefix>/released/<id>                JSON record kept for the retention period
//	<prefix>/election/sweeper             sweeper leader election
const (
	locksDir        = "locks"
	idempotencyDir  = "idempotency"
	reservationsDir = "reservations"
	releasedDir     = "released"
	electionDir     = "election"
)

// EtcdConfig holds etcd connection settings.
type EtcdConfig struct {
	// Endpoints are the etcd members. The client discovers the rest of the
	// cluster and follows the leader across failover.
	Endpoints []string

	// Username and Password authenticate against etcd when set.
	Username string
	Password string

	// Prefix namespaces every key written by the store.
	Prefix string

	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration

	// RequestTimeout bounds each store operation.
	RequestTimeout time.Duration

	// AutoSyncInterval refreshes the member list.
	AutoSyncInterval time.Duration

	// Retention is how long released reservation records are kept.
	Retention time.Duration
}

// record is the stored form of a reservation. LeaseID is the etcd lease the
// reservation's locks are attached to.
type record struct {
	alloc.Reservation
	LeaseID int64 `json:"leaseId"`
}

// EtcdStore implements Store on etcd. Reservations are transactions that
// compare the create revision of every lock key against zero, so the cluster
// decides which of two racing requests wins. Lock keys ride on an etcd lease
// that outlives the reservation deadline by less than a second, which frees the
// resources even when no sweeper is running.
type EtcdStore struct {
	client *clientv3.Client
	cfg    EtcdConfig
	clock  clock.Clock
	logger zerolog.Logger
}

// NewEtcdStore connects to etcd.
func NewEtcdStore(cfg EtcdConfig, clk clock.Clock, logger zerolog.Logger) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/envalloc"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.AutoSyncInterval == 0 {
		cfg.AutoSyncInterval = 30 * time.Second
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:        cfg.Endpoints,
		DialTimeout:      cfg.DialTimeout,
		Username:         cfg.Username,
		Password:         cfg.Password,
		AutoSyncInterval: cfg.AutoSyncInterval,
	})
	if err != nil {
		return nil, alloc.NewStoreUnavailable("failed to connect to etcd", err)
	}

	return &EtcdStore{
		client: cli,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("component", "lease-etcd").Logger(),
	}, nil
}

// Client exposes the underlying etcd client for leader election.
func (s *EtcdStore) Client() *clientv3.Client {
	return s.client
}

func (s *EtcdStore) key(dir, id string) string {
	return path.Join(s.cfg.Prefix, dir, id)
}

func (s *EtcdStore) dir(dir string) string {
	return path.Join(s.cfg.Prefix, dir) + "/"
}

func (s *EtcdStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// TryReserve implements Store.
func (s *EtcdStore) TryReserve(ctx context.Context, req ReserveRequest) (*alloc.Reservation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// A lapsed holder's lock can linger for up to a second past its deadline.
	// One cleanup pass is enough to make progress; a second conflict is real.
	for attempt := 0; attempt < 2; attempt++ {
		res, stale, err := s.tryReserveOnce(ctx, req)
		if err == nil {
			return res, nil
		}
		if len(stale) == 0 || !alloc.IsConflict(err) {
			return nil, err
		}
		if cerr := s.clearStaleLocks(ctx, stale); cerr != nil {
			return nil, cerr
		}
	}
	return nil, alloc.NewConflict("resources already reserved", req.ResourceIDs...).WithOperation("reserve")
}

// tryReserveOnce runs one reserve transaction. On conflict it also returns the
// locks held by reservations that are already past their deadline.
func (s *EtcdStore) tryReserveOnce(ctx context.Context, req ReserveRequest) (*alloc.Reservation, map[string]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := s.clock.Now()
	grant, err := s.client.Grant(ctx, ceilSeconds(req.TTL))
	if err != nil {
		return nil, nil, alloc.NewStoreUnavailable("failed to grant lease", err).WithOperation("reserve")
	}

	rec := record{
		Reservation: alloc.Reservation{
			ID:             uuid.New().String(),
			RequesterID:    req.RequesterID,
			ResourceIDs:    slices.Clone(req.ResourceIDs),
			IdempotencyKey: req.IdempotencyKey,
			AcquiredAt:     now,
			Deadline:       now.Add(req.TTL),
			Status:         alloc.ReservationActive,
		},
		LeaseID: int64(grant.ID),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, nil, alloc.NewInternal("failed to encode reservation", err)
	}

	cmps := make([]clientv3.Cmp, 0, len(req.ResourceIDs)+1)
	thenOps := make([]clientv3.Op, 0, len(req.ResourceIDs)+2)
	elseOps := make([]clientv3.Op, 0, len(req.ResourceIDs)+1)

	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = s.key(idempotencyDir, req.IdempotencyKey)
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(idemKey), "=", 0))
		thenOps = append(thenOps, clientv3.OpPut(idemKey, rec.ID, clientv3.WithLease(grant.ID)))
		elseOps = append(elseOps, clientv3.OpGet(idemKey))
	}
	for _, rid := range req.ResourceIDs {
		lockKey := s.key(locksDir, rid)
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(lockKey), "=", 0))
		thenOps = append(thenOps, clientv3.OpPut(lockKey, rec.ID, clientv3.WithLease(grant.ID)))
		elseOps = append(elseOps, clientv3.OpGet(lockKey))
	}
	thenOps = append(thenOps, clientv3.OpPut(s.key(reservationsDir, rec.ID), string(payload)))

	resp, err := s.client.Txn(ctx).If(cmps...).Then(thenOps...).Else(elseOps...).Commit()
	if err != nil {
		s.revoke(grant.ID)
		return nil, nil, alloc.NewStoreUnavailable("reserve transaction failed", err).WithOperation("reserve")
	}
	if resp.Succeeded {
		s.logger.Debug().
			Str("reservation_id", rec.ID).
			Str("request_id", req.RequesterID).
			Strs("resources", req.ResourceIDs).
			Msg("Reservation granted")
		out := rec.Reservation
		return &out, nil, nil
	}

	s.revoke(grant.ID)

	offset := 0
	if idemKey != "" {
		kvs := resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) > 0 {
			prior, err := s.Get(ctx, string(kvs[0].Value))
			if err != nil {
				return nil, nil, err
			}
			s.logger.Debug().
				Str("reservation_id", prior.ID).
				Str("idempotency_key", req.IdempotencyKey).
				Msg("Reserve replayed")
			return prior, nil, nil
		}
		offset = 1
	}

	var held []string
	stale := make(map[string]string)
	for i, rid := range req.ResourceIDs {
		kvs := resp.Responses[i+offset].GetResponseRange().Kvs
		if len(kvs) == 0 {
			continue
		}
		holder := string(kvs[0].Value)
		held = append(held, rid)
		if s.lapsed(ctx, holder, now) {
			stale[rid] = holder
		}
	}
	if len(held) == 0 {
		// Locks vanished between compare and read; report a conflict so the
		// caller re-evaluates freshness instead of retrying blindly.
		held = req.ResourceIDs
	}
	if len(stale) < len(held) {
		stale = nil
	}
	return nil, stale, alloc.NewConflict("resources already reserved", held...).WithOperation("reserve")
}

// lapsed reports whether the holder reservation is past its deadline or gone.
func (s *EtcdStore) lapsed(ctx context.Context, reservationID string, now time.Time) bool {
	rec, _, err := s.getRecord(ctx, reservationsDir, reservationID)
	if err != nil {
		return alloc.IsKind(err, alloc.KindNotFound)
	}
	return !rec.ActiveAt(now)
}

// clearStaleLocks deletes locks still pointing at lapsed holders.
func (s *EtcdStore) clearStaleLocks(ctx context.Context, stale map[string]string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	for rid, holder := range stale {
		lockKey := s.key(locksDir, rid)
		_, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(lockKey), "=", holder)).
			Then(clientv3.OpDelete(lockKey)).
			Commit()
		if err != nil {
			return alloc.NewStoreUnavailable("failed to clear stale lock", err).WithResource(rid)
		}
	}
	return nil
}

func (s *EtcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		s.logger.Debug().Err(err).Int64("lease_id", int64(id)).Msg("Lease revoke failed")
	}
}

// getRecord reads a reservation record and its mod revision.
func (s *EtcdStore) getRecord(ctx context.Context, dir, id string) (*record, int64, error) {
	resp, err := s.client.Get(ctx, s.key(dir, id))
	if err != nil {
		return nil, 0, alloc.NewStoreUnavailable("failed to read reservation", err).WithResource(id)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, alloc.NewNotFound("reservation not found").WithResource(id)
	}
	var rec record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, 0, alloc.NewInternal("failed to decode reservation", err).WithResource(id)
	}
	return &rec, resp.Kvs[0].ModRevision, nil
}

// Renew implements Store.
func (s *EtcdStore) Renew(ctx context.Context, reservationID string, ttl time.Duration) (*alloc.Reservation, error) {
	if ttl <= 0 {
		return nil, alloc.NewInvalidRequirementSpec("renew ttl must be positive", nil)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rec, rev, err := s.getRecord(ctx, reservationsDir, reservationID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !rec.ActiveAt(now) {
		return nil, alloc.NewExpired("reservation expired").WithResource(reservationID)
	}

	grant, err := s.client.Grant(ctx, ceilSeconds(ttl))
	if err != nil {
		return nil, alloc.NewStoreUnavailable("failed to grant lease", err).WithOperation("renew")
	}
	oldLease := clientv3.LeaseID(rec.LeaseID)
	rec.Deadline = now.Add(ttl)
	rec.LeaseID = int64(grant.ID)
	payload, err := json.Marshal(rec)
	if err != nil {
		s.revoke(grant.ID)
		return nil, alloc.NewInternal("failed to encode reservation", err)
	}

	resKey := s.key(reservationsDir, rec.ID)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(resKey), "=", rev)}
	ops := []clientv3.Op{clientv3.OpPut(resKey, string(payload))}
	for _, rid := range rec.ResourceIDs {
		lockKey := s.key(locksDir, rid)
		cmps = append(cmps, clientv3.Compare(clientv3.Value(lockKey), "=", rec.ID))
		ops = append(ops, clientv3.OpPut(lockKey, rec.ID, clientv3.WithLease(grant.ID)))
	}
	if rec.IdempotencyKey != "" {
		ops = append(ops, clientv3.OpPut(s.key(idempotencyDir, rec.IdempotencyKey), rec.ID, clientv3.WithLease(grant.ID)))
	}

	resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		s.revoke(grant.ID)
		return nil, alloc.NewStoreUnavailable("renew transaction failed", err).WithOperation("renew")
	}
	if !resp.Succeeded {
		s.revoke(grant.ID)
		// Either a concurrent release moved the record or a lock lapsed.
		return nil, alloc.NewExpired("reservation no longer holds its resources").WithResource(reservationID)
	}
	s.revoke(oldLease)

	out := rec.Reservation
	return &out, nil
}

// Release implements Store.
func (s *EtcdStore) Release(ctx context.Context, reservationID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rec, rev, err := s.getRecord(ctx, reservationsDir, reservationID)
	if alloc.IsKind(err, alloc.KindNotFound) {
		if _, _, rerr := s.getRecord(ctx, releasedDir, reservationID); rerr == nil {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	now := s.clock.Now()
	rec.Status = rec.ObservedStatus(now)
	if rec.Status == alloc.ReservationActive {
		rec.Status = alloc.ReservationReleased
	}
	rec.ReleasedAt = &now
	payload, err := json.Marshal(rec)
	if err != nil {
		return alloc.NewInternal("failed to encode reservation", err)
	}

	retention, err := s.client.Grant(ctx, ceilSeconds(s.cfg.Retention))
	if err != nil {
		return alloc.NewStoreUnavailable("failed to grant retention lease", err).WithOperation("release")
	}

	resKey := s.key(reservationsDir, rec.ID)
	ops := []clientv3.Op{
		clientv3.OpDelete(resKey),
		clientv3.OpPut(s.key(releasedDir, rec.ID), string(payload), clientv3.WithLease(retention.ID)),
	}
	if rec.IdempotencyKey != "" {
		idemKey := s.key(idempotencyDir, rec.IdempotencyKey)
		ops = append(ops, clientv3.OpTxn(
			[]clientv3.Cmp{clientv3.Compare(clientv3.Value(idemKey), "=", rec.ID)},
			[]clientv3.Op{clientv3.OpDelete(idemKey)},
			nil,
		))
	}
	for _, rid := range rec.ResourceIDs {
		lockKey := s.key(locksDir, rid)
		ops = append(ops, clientv3.OpTxn(
			[]clientv3.Cmp{clientv3.Compare(clientv3.Value(lockKey), "=", rec.ID)},
			[]clientv3.Op{clientv3.OpDelete(lockKey)},
			nil,
		))
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(resKey), "=", rev)).
		Then(ops...).
		Commit()
	if err != nil {
		s.revoke(retention.ID)
		return alloc.NewStoreUnavailable("release transaction failed", err).WithOperation("release")
	}
	if !resp.Succeeded {
		s.revoke(retention.ID)
		// Someone else released or renewed concurrently; let the caller retry.
		return alloc.NewStoreUnavailable("reservation changed during release", nil).
			WithResource(reservationID).
			WithOperation("release")
	}
	s.revoke(clientv3.LeaseID(rec.LeaseID))

	s.logger.Debug().
		Str("reservation_id", rec.ID).
		Str("status", string(rec.Status)).
		Msg("Reservation released")
	return nil
}

// ListExpired implements Store.
func (s *EtcdStore) ListExpired(ctx context.Context, now time.Time) ([]*alloc.Reservation, error) {
	all, err := s.listActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []*alloc.Reservation
	for _, r := range all {
		if !r.Deadline.After(now) {
			out = append(out, r)
		}
	}
	sortByDeadline(out)
	return out, nil
}

func (s *EtcdStore) listActive(ctx context.Context) ([]*alloc.Reservation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	resp, err := s.client.Get(ctx, s.dir(reservationsDir), clientv3.WithPrefix())
	if err != nil {
		return nil, alloc.NewStoreUnavailable("failed to list reservations", err)
	}
	out := make([]*alloc.Reservation, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			s.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("Skipping undecodable reservation")
			continue
		}
		r := rec.Reservation
		out = append(out, &r)
	}
	return out, nil
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, reservationID string) (*alloc.Reservation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rec, _, err := s.getRecord(ctx, reservationsDir, reservationID)
	if alloc.IsKind(err, alloc.KindNotFound) {
		rec, _, err = s.getRecord(ctx, releasedDir, reservationID)
	}
	if err != nil {
		return nil, err
	}
	out := rec.Reservation
	return &out, nil
}

// ListByRequester implements Store.
func (s *EtcdStore) ListByRequester(ctx context.Context, requesterID string) ([]*alloc.Reservation, error) {
	all, err := s.listActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []*alloc.Reservation
	for _, r := range all {
		if r.RequesterID == requesterID {
			out = append(out, r)
		}
	}
	sortByDeadline(out)
	return out, nil
}

// Holders implements Store.
func (s *EtcdStore) Holders(ctx context.Context, resourceIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(resourceIDs) == 0 {
		return out, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ops := make([]clientv3.Op, 0, len(resourceIDs))
	for _, rid := range resourceIDs {
		ops = append(ops, clientv3.OpGet(s.key(locksDir, rid)))
	}
	resp, err := s.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, alloc.NewStoreUnavailable("failed to read locks", err)
	}
	for i, r := range resp.Responses {
		kvs := r.GetResponseRange().Kvs
		if len(kvs) > 0 {
			out[resourceIDs[i]] = string(kvs[0].Value)
		}
	}
	return out, nil
}

// Ping implements Store.
func (s *EtcdStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var lastErr error
	for _, ep := range s.client.Endpoints() {
		if _, err := s.client.Status(ctx, ep); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return alloc.NewStoreUnavailable("no etcd endpoint answered", lastErr)
}

// Close implements Store.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// ElectionPrefix returns the key prefix used for the named election.
func (s *EtcdStore) ElectionPrefix(name string) string {
	return strings.TrimSuffix(s.key(electionDir, name), "/")
}
