package validator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/registry"
)

// Pool runs probes against a batch of addresses with bounded concurrency
// and feeds every verdict back into the registry.
type Pool struct {
	workers int
	timeout time.Duration
	prober  Prober
	reg     *registry.Registry
	metrics *metrics.Collector
}

type Summary struct {
	Validated int
	Rejected  int
}

func NewPool(cfg config.ValidatorConfig, reg *registry.Registry, prober Prober, collector *metrics.Collector) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Pool{
		workers: workers,
		timeout: timeout,
		prober:  prober,
		reg:     reg,
		metrics: collector,
	}
}

// Run probes addrs and returns once every started probe has finished.
// Cancelling ctx stops new probes from launching; in-flight ones run to
// their own timeout so no verdict is ever half-applied.
func (p *Pool) Run(ctx context.Context, addrs []string) Summary {
	if len(addrs) == 0 {
		return Summary{}
	}

	var (
		wg        sync.WaitGroup
		validated atomic.Int64
		rejected  atomic.Int64
	)
	sem := make(chan struct{}, p.workers)

dispatch:
	for _, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
			// Cancellation wins a tie with a freed slot.
			if ctx.Err() != nil {
				<-sem
				break dispatch
			}
		}

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			start := time.Now()
			oc := p.prober.Probe(probeCtx, addr)
			elapsed := time.Since(start)

			if ctx.Err() != nil && !oc.Success {
				// A failure during shutdown says nothing about the proxy.
				rejected.Add(1)
				return
			}

			p.reg.MarkResult(addr, oc)
			if p.metrics != nil {
				p.metrics.RecordProbeDuration(elapsed.Seconds())
			}
			if oc.Success {
				validated.Add(1)
				if p.metrics != nil {
					p.metrics.RecordProbeSuccess()
				}
				return
			}
			rejected.Add(1)
			if p.metrics != nil {
				p.metrics.RecordProbeFailure(string(oc.Reason))
			}
		}(addr)
	}

	wg.Wait()

	s := Summary{Validated: int(validated.Load()), Rejected: int(rejected.Load())}
	log.Infof("Probed batch: %d valid, %d rejected of %d candidates", s.Validated, s.Rejected, len(addrs))
	return s
}
