package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/clock"
	"github.com/envalloc/envalloc/pkg/lease"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

// ErrSweeperRunning is returned when Run is called on a running sweeper.
var ErrSweeperRunning = errors.New("sweeper already running")

// Evictor drops audit records of requests completed before a cutoff.
type Evictor interface {
	EvictCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SweeperConfig tunes the background sweep.
type SweeperConfig struct {
	// Interval is the time between sweeps.
	Interval time.Duration

	// Retention is how long terminal requests stay in the audit store.
	Retention time.Duration
}

// DefaultSweeperConfig returns the sweeper defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  5 * time.Second,
		Retention: 24 * time.Hour,
	}
}

// Sweeper force-releases reservations past their deadline regardless of the
// state of the request that holds them. Only the elected leader sweeps.
type Sweeper struct {
	store   lease.Store
	elector lease.Elector
	audit   Evictor
	events  *telemetry.EventPublisher
	metrics *telemetry.Metrics
	clock   clock.Clock
	logger  zerolog.Logger
	cfg     SweeperConfig

	running atomic.Bool
	swept   atomic.Int64
}

// NewSweeper creates a sweeper. elector and audit may be nil.
func NewSweeper(store lease.Store, elector lease.Elector, audit Evictor, events *telemetry.EventPublisher, metrics *telemetry.Metrics, clk clock.Clock, logger zerolog.Logger, cfg SweeperConfig) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if elector == nil {
		elector = lease.LocalElector{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		store:   store,
		elector: elector,
		audit:   audit,
		events:  events,
		metrics: metrics,
		clock:   clk,
		logger:  logger.With().Str("component", "sweeper").Logger(),
		cfg:     cfg,
	}
}

// Swept returns the number of reservations released by this sweeper.
func (s *Sweeper) Swept() int64 {
	return s.swept.Load()
}

// Run campaigns for leadership and sweeps every interval while leader. It
// returns when ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.CAS(false, true) {
		return ErrSweeperRunning
	}
	defer s.running.Store(false)

	for {
		if err := s.elector.Campaign(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Leadership campaign failed, retrying")
			select {
			case <-s.clock.After(s.cfg.Interval):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		s.lead(ctx, s.elector.Lost())

		if ctx.Err() != nil {
			if err := s.elector.Resign(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to resign leadership")
			}
			return nil
		}
		s.logger.Warn().Msg("Sweeper leadership lost")
	}
}

func (s *Sweeper) lead(ctx context.Context, lost <-chan struct{}) {
	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Sweep failed")
		}
		if _, err := s.Evict(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Audit eviction failed")
		}

		select {
		case <-s.clock.After(s.cfg.Interval):
		case <-lost:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce releases every active reservation whose deadline has passed and
// returns how many it released.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var expired []*alloc.Reservation
	err := telemetry.RecordLeaseOperation(ctx, s.metrics, "list_expired", func(ctx context.Context) error {
		var err error
		expired, err = s.store.ListExpired(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		errs     *multierror.Error
		released int
	)
	for _, res := range expired {
		err := telemetry.RecordLeaseOperation(ctx, s.metrics, "release", func(ctx context.Context) error {
			return s.store.Release(ctx, res.ID)
		})
		if err != nil {
			if alloc.IsKind(err, alloc.KindNotFound) {
				continue
			}
			s.metrics.RecordSwept("error")
			errs = multierror.Append(errs, fmt.Errorf("release %s: %w", res.ID, err))
			continue
		}

		released++
		s.swept.Inc()
		s.metrics.RecordSwept("released")
		s.metrics.AddActiveReservations(-1)
		if err := s.events.PublishReservationExpired(res.RequesterID, res.ID, res.ResourceIDs, now); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish expiry")
		}
		s.logger.Info().
			Str("reservation_id", res.ID).
			Str("request_id", res.RequesterID).
			Time("deadline", res.Deadline).
			Strs("resources", res.ResourceIDs).
			Msg("Reclaimed expired reservation")
	}
	return released, errs.ErrorOrNil()
}

// Evict drops audit records past the retention window.
func (s *Sweeper) Evict(ctx context.Context) (int, error) {
	if s.audit == nil {
		return 0, nil
	}
	n, err := s.audit.EvictCompletedBefore(ctx, s.clock.Now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("evicted", n).Msg("Evicted completed requests")
	}
	return n, nil
}
