package activity

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/medsession/internal/clock"
	"go.uber.org/zap"
)

// DefaultProbeInterval spaces reachability checks.
const DefaultProbeInterval = 30 * time.Second

// ReachabilityChecker reports whether the upstream answers at all.
type ReachabilityChecker interface {
	CheckReachable(ctx context.Context) bool
}

// Prober turns upstream reachability changes into HandleOnline and HandleOffline.
type Prober struct {
	checker  ReachabilityChecker
	monitor  *Monitor
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mutex     sync.Mutex
	reachable bool
	probed    bool
}

// NewProber constructs a Prober. Zero interval selects DefaultProbeInterval.
func NewProber(checker ReachabilityChecker, monitor *Monitor, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Prober {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{checker: checker, monitor: monitor, clock: clk, interval: interval, logger: logger}
}

// Probe runs one check and reports the result.
func (prober *Prober) Probe(ctx context.Context) bool {
	reachable := prober.checker.CheckReachable(ctx)

	prober.mutex.Lock()
	changed := !prober.probed || prober.reachable != reachable
	prober.reachable = reachable
	prober.probed = true
	prober.mutex.Unlock()

	if !changed {
		return reachable
	}
	if !reachable {
		prober.monitor.HandleOffline()
		return false
	}
	if !prober.monitor.IsOnline() {
		if err := prober.monitor.HandleOnline(ctx); err != nil {
			prober.logger.Debug("refresh after reconnect failed", zap.Error(err))
		}
	}
	return true
}

// Run probes every interval until ctx is done.
func (prober *Prober) Run(ctx context.Context) {
	prober.Probe(ctx)
	ticker := prober.clock.NewTicker(prober.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			prober.Probe(ctx)
		}
	}
}
