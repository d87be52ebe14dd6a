package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/config"
	"github.com/mcdev12/lastclick/go/internal/countdown"
	"github.com/mcdev12/lastclick/go/internal/events"
	"github.com/mcdev12/lastclick/go/internal/gateway"
	"github.com/mcdev12/lastclick/go/internal/oracle"
	"github.com/mcdev12/lastclick/go/internal/payout"
	"github.com/mcdev12/lastclick/go/internal/visits"
	"github.com/mcdev12/lastclick/go/internal/widget"
	"github.com/mcdev12/lastclick/go/internal/window"
)

type Services struct {
	Oracle      *oracle.Oracle
	App         *widget.App
	Broadcaster *gateway.Broadcaster
	Limiter     *widget.RateLimiter
	Bus         *events.Bus // nil when NATS is not configured
}

func setupServices(ctx context.Context, cfg *config.Config, stores *Stores) (*Services, error) {
	// Wire up dependency injection chain
	// Oracle → Window → Payout/Countdown/Visits → App → Broadcaster
	clock := clockwork.NewRealClock()

	sources, err := oracle.BuildSources(cfg.Oracle.Sources, cfg.Oracle.AttemptTimeout)
	if err != nil {
		return nil, fmt.Errorf("build time sources: %w", err)
	}
	orc := oracle.New(clock, sources, oracle.Config{
		Interval:       cfg.Oracle.Interval,
		AttemptTimeout: cfg.Oracle.AttemptTimeout,
		BreakerTimeout: cfg.Oracle.BreakerTimeout,
		BreakerTrips:   cfg.Oracle.BreakerTrips,
	})

	svc := &Services{Oracle: orc}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.URL != "" {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.StreamName
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix

		bus, err := events.Connect(ctx, jsCfg, cfg.InstanceID)
		if err != nil {
			return nil, err
		}
		svc.Bus = bus
		publisher = bus
	}

	app := widget.NewApp(widget.Components{
		Clock:     clock,
		Oracle:    orc,
		Window:    window.New(clock, orc, stores.Meta),
		Payout:    payout.New(stores.Meta, cfg.PayoutLadder),
		Countdown: countdown.New(clock, stores.Meta, cfg.Countdown),
		Visits:    visits.NewCache(stores.Ledger, clock, cfg.Visits.CacheTTL),
		Identity:  stores.Identity,
		Publisher: events.NewMetricPublisher(publisher),
		Origin:    cfg.InstanceID,
		CountWait: cfg.Visits.CountWait,
	})
	if err := app.Load(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("restore widget state: %w", err)
	}

	svc.App = app
	svc.Broadcaster = gateway.NewBroadcaster(clock, app, cfg.Broadcast)
	app.SetNotifier(svc.Broadcaster)
	svc.Limiter = widget.NewRateLimiter(clock, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)

	log.Info().
		Int("sources", len(sources)).
		Int("payout_index", app.Payout.Index()).
		Msg("services ready")
	return svc, nil
}

func (s *Services) Close() error {
	if s.Bus != nil {
		return s.Bus.Close()
	}
	return nil
}
