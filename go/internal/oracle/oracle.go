package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/mcdev12/lastclick/go/internal/metrics"
)

// ErrUnavailable means every source failed during one refresh. The
// previous offset, if any, stays in effect.
var ErrUnavailable = errors.New("time oracle unavailable")

// Source is one remote clock.
type Source interface {
	Name() string
	Now(ctx context.Context) (time.Time, error)
}

// Config holds oracle timing settings
type Config struct {
	Interval       time.Duration // between refreshes
	AttemptTimeout time.Duration // per source
	BreakerTimeout time.Duration // how long a tripped source is skipped
	BreakerTrips   uint32        // consecutive failures before tripping
}

// DefaultConfig returns the default oracle settings
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		AttemptTimeout: 4 * time.Second,
		BreakerTimeout: 2 * time.Minute,
		BreakerTrips:   3,
	}
}

type attempt struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
}

// Oracle keeps the offset between the local clock and external time.
type Oracle struct {
	clock    clockwork.Clock
	config   Config
	attempts []attempt
	group    singleflight.Group

	mu       sync.RWMutex
	offset   time.Duration
	synced   bool
	lastSync time.Time
}

// New creates an oracle trying sources in the given order. Callers put
// HTTP sources first and daytime hosts after them.
func New(clock clockwork.Clock, sources []Source, config Config) *Oracle {
	o := &Oracle{clock: clock, config: config}
	for _, src := range sources {
		o.attempts = append(o.attempts, attempt{
			source:  src,
			breaker: newBreaker(src.Name(), config),
		})
	}
	return o
}

func newBreaker(name string, config Config) *gobreaker.CircuitBreaker {
	trips := config.BreakerTrips
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return trips > 0 && counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("time source breaker state changed")
		},
	})
}

// Offset returns oracle time minus local time and whether any refresh has
// ever succeeded. Once true, the flag never reverts.
func (o *Oracle) Offset() (time.Duration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.offset, o.synced
}

// Now returns the local clock corrected by the current offset.
func (o *Oracle) Now() (time.Time, bool) {
	offset, synced := o.Offset()
	return o.clock.Now().Add(offset), synced
}

// LastSync returns the local time of the last successful refresh.
func (o *Oracle) LastSync() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSync
}

// Refresh runs one pass over the sources. Concurrent callers share the
// same pass.
func (o *Oracle) Refresh(ctx context.Context) (time.Duration, error) {
	v, err, _ := o.group.Do("refresh", func() (interface{}, error) {
		return o.refresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(time.Duration), nil
}

func (o *Oracle) refresh(ctx context.Context) (time.Duration, error) {
	var errs []error
	for _, a := range o.attempts {
		offset, err := o.try(ctx, a)
		if err == nil {
			o.mu.Lock()
			o.offset = offset
			o.synced = true
			o.lastSync = o.clock.Now()
			o.mu.Unlock()

			metrics.OracleSynced.Set(1)
			metrics.OracleOffsetMillis.Set(float64(offset.Milliseconds()))
			log.Debug().
				Str("source", a.source.Name()).
				Int64("offset_ms", offset.Milliseconds()).
				Msg("time oracle synced")
			return offset, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.source.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no sources configured"))
	}
	return 0, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// try measures one source against the midpoint of the request.
func (o *Oracle) try(ctx context.Context, a attempt) (time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()

	res, err := a.breaker.Execute(func() (interface{}, error) {
		start := o.clock.Now()
		truth, err := a.source.Now(actx)
		if err != nil {
			return nil, err
		}
		rtt := o.clock.Since(start)
		local := start.Add(rtt / 2)
		return truth.Sub(local).Round(time.Millisecond), nil
	})

	result := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "skipped"
	case err != nil:
		result = "error"
	}
	metrics.OracleAttemptsTotal.WithLabelValues(a.source.Name(), result).Inc()
	if err != nil {
		return 0, err
	}
	return res.(time.Duration), nil
}

// Run refreshes once immediately and then on every interval until ctx is
// done. onTick runs after every refresh, whether or not it succeeded.
func (o *Oracle) Run(ctx context.Context, onTick func(ctx context.Context)) error {
	ticker := o.clock.NewTicker(o.config.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", o.config.Interval).
		Int("sources", len(o.attempts)).
		Msg("time oracle started")

	for {
		if _, err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("time oracle refresh failed")
		}
		if onTick != nil {
			onTick(ctx)
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("time oracle shutting down")
			return nil
		case <-ticker.Chan():
		}
	}
}
