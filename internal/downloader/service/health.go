package service

import (
	"context"
	"time"

	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter publishes the outcome of each check.
type HealthReporter interface {
	SetHealthy(healthy bool)
}

type StoreHealthChecker struct {
	checkInterval time.Duration
	pingTimeout   time.Duration
	store         Pinger
	reporter      HealthReporter
	logger        logging.Logger

	healthy *bool
}

func NewStoreHealthChecker(
	checkInterval time.Duration,
	pingTimeout time.Duration,
	store Pinger,
	reporter HealthReporter,
	logger logging.Logger,
) *StoreHealthChecker {
	return &StoreHealthChecker{
		checkInterval: checkInterval,
		pingTimeout:   pingTimeout,
		store:         store,
		reporter:      reporter,
		logger:        logger,
	}
}

// Start checks once right away and then on every tick until ctx is done.
func (h *StoreHealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

func (h *StoreHealthChecker) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	err := h.store.Ping(pingCtx)
	healthy := err == nil
	if ctx.Err() != nil {
		return
	}

	if h.healthy == nil || *h.healthy != healthy {
		if healthy {
			h.logger.Info("Job store is reachable")
		} else {
			h.logger.Error("Job store is unreachable", "error", err)
		}
	}
	h.healthy = &healthy
	h.reporter.SetHealthy(healthy)
}
