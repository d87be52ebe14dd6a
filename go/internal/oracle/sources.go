package oracle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/lastclick/go/clients"
	"github.com/mcdev12/lastclick/go/clients/daytime"
	"github.com/mcdev12/lastclick/go/clients/timeapi"
)

// BuildSources turns the source catalog into the ordered attempt list:
// active HTTP sources by priority, then active daytime hosts by priority.
func BuildSources(catalog []clients.TimeSourceConfig, timeout time.Duration) ([]Source, error) {
	var sources []Source
	for _, src := range clients.ActiveTimeSources(catalog, clients.SourceKindHTTP) {
		if err := clients.ValidateTimeSource(src); err != nil {
			return nil, err
		}
		sources = append(sources, timeapi.NewClient(src, timeout))
	}
	for _, src := range clients.ActiveTimeSources(catalog, clients.SourceKindDaytime) {
		if err := clients.ValidateTimeSource(src); err != nil {
			return nil, err
		}
		sources = append(sources, daytime.NewClient(src.Name, src.Address))
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no active time sources")
	}
	return sources, nil
}

// ProbeResult is the outcome of reading one source directly.
type ProbeResult struct {
	Source string
	Offset time.Duration
	RTT    time.Duration
	Err    error
}

// Probe reads every source concurrently, bypassing breakers, and reports
// each one. It does not change the oracle's offset.
func (o *Oracle) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, len(o.attempts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range o.attempts {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, o.config.AttemptTimeout)
			defer cancel()

			start := o.clock.Now()
			truth, err := a.source.Now(actx)
			rtt := o.clock.Since(start)
			results[i] = ProbeResult{Source: a.source.Name(), RTT: rtt, Err: err}
			if err == nil {
				results[i].Offset = truth.Sub(start.Add(rtt / 2)).Round(time.Millisecond)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
