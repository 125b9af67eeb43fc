// Package propagate hands processed records to downstream routes.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/log"
)

// Distributor fans a batch out to every registered propagator. All
// propagators run; their failures are joined.
type Distributor struct {
	logger *zap.Logger

	mu    sync.RWMutex
	sinks []core.Propagator
}

var _ core.Propagator = (*Distributor)(nil)

func NewDistributor(logger *zap.Logger, sinks ...core.Propagator) *Distributor {
	return &Distributor{
		logger: log.OrNop(logger).With(zap.String("component", "propagate")),
		sinks:  sinks,
	}
}

// Add registers another propagator.
func (d *Distributor) Add(p core.Propagator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, p)
}

func (d *Distributor) Propagate(ctx context.Context, routeID string, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	d.mu.RLock()
	sinks := append([]core.Propagator(nil), d.sinks...)
	d.mu.RUnlock()

	var errs []error
	for i, p := range sinks {
		if err := p.Propagate(ctx, routeID, records); err != nil {
			d.logger.Error("propagation failed",
				zap.String("route_id", routeID),
				zap.Int("sink", i),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Batch is one Propagate call as seen by a Channel.
type Batch struct {
	RouteID string
	Records []core.Record
}

// Channel delivers batches to an in-process consumer.
type Channel struct {
	C chan Batch
}

var _ core.Propagator = (*Channel)(nil)

func NewChannel(buffer int) *Channel {
	return &Channel{C: make(chan Batch, buffer)}
}

// Propagate blocks until the batch is received or ctx is done.
func (c *Channel) Propagate(ctx context.Context, routeID string, records []core.Record) error {
	select {
	case c.C <- Batch{RouteID: routeID, Records: records}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
