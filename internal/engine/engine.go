// Package engine drives orders through their lifecycle. A single goroutine
// ticks on an interval, loads the durable order file, advances every live
// order at most one step, and merges only the touched orders back. Each
// step is idempotent against a crash between the action and the write.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/premarket-labs/router/internal/cache"
	"github.com/premarket-labs/router/internal/config"
	"github.com/premarket-labs/router/internal/metrics"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/relay"
	"github.com/premarket-labs/router/internal/venue"
)

var errSendInterrupted = errors.New("submission interrupted before funds moved")

// Config wires the engine's collaborators.
type Config struct {
	Store        *order.Store
	Venues       *venue.Registry
	Relay        *relay.Relay
	Catalog      *config.Catalog
	Cache        *cache.Cache
	TickInterval time.Duration
}

// Engine owns order progression and submission.
type Engine struct {
	store   *order.Store
	venues  *venue.Registry
	relay   *relay.Relay
	catalog *config.Catalog
	cache   *cache.Cache
	tick    time.Duration
}

// New builds an engine, defaulting the tick interval to 10s.
func New(cfg Config) *Engine {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New("", 0)
	}
	return &Engine{
		store:   cfg.Store,
		venues:  cfg.Venues,
		relay:   cfg.Relay,
		catalog: cfg.Catalog,
		cache:   cfg.Cache,
		tick:    cfg.TickInterval,
	}
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Dur("interval", e.tick).Msg("order engine started")
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("order engine stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick advances every live order one step. Only orders touched this pass
// are merged back into the file, so orders appended concurrently by the
// API are never clobbered.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	orders, err := e.store.All()
	if err != nil {
		log.Error().Err(err).Msg("load orders")
		return
	}

	changed := make(map[string]*order.Order)
	for _, o := range orders {
		if o.Terminal() {
			continue
		}
		before := o.Status
		stepped, err := e.step(ctx, o)
		if err != nil {
			log.Warn().Err(err).
				Str("order_id", o.ID).
				Str("status", string(o.Status)).
				Msg("order step failed")
		}
		if !stepped {
			continue
		}
		o.Touch()
		changed[o.ID] = o
		if o.Status != before {
			metrics.OrderTransitions.WithLabelValues(string(o.Type), string(o.Status)).Inc()
			log.Info().
				Str("order_id", o.ID).
				Str("from", string(before)).
				Str("to", string(o.Status)).
				Msg("order advanced")
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := e.store.MergeChanged(changed); err != nil {
		log.Error().Err(err).Msg("persist orders")
	}
}

func (e *Engine) step(ctx context.Context, o *order.Order) (bool, error) {
	// Pending orders are mid-send inside their submitting request. One that
	// outlives the send deadline was orphaned by a crash.
	if o.Status == order.StatusPending {
		if time.Since(o.CreatedAt) > sendTimeout {
			o.Fail(order.StatusFailed, errSendInterrupted)
			return true, nil
		}
		return false, nil
	}
	if o.Type == order.TypeSell {
		return e.stepSell(ctx, o)
	}
	return e.stepBuy(ctx, o)
}
