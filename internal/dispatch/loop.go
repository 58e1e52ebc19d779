package dispatch

import (
	"context"
	"fmt"

	"github.com/mattjoyce/placqs/internal/events"
	"github.com/mattjoyce/placqs/internal/protocol"
	"github.com/mattjoyce/placqs/internal/transport"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/mattjoyce/placqs/internal/dispatch Source

// Source supplies deliveries. The channel is closed when the transport
// connection goes away.
type Source interface {
	Deliveries() <-chan transport.Delivery
}

// Run records the startup entry and dispatches deliveries in order until the
// source closes or ctx is cancelled. Per-delivery failures never stop it;
// only a store failure does.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	deliveries := src.Deliveries()

	if err := d.announce(ctx); err != nil {
		return err
	}
	d.logger.Info("consuming commands", "methods", d.registry.Len())

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatch loop stopped", "reason", ctx.Err())
			return nil
		case del, ok := <-deliveries:
			if !ok {
				d.logger.Info("delivery channel closed, dispatch loop stopped")
				return nil
			}
			if err := d.Dispatch(ctx, del); err != nil {
				d.logger.Error("store unavailable, stopping", "error", err)
				return err
			}
		}
	}
}

func (d *Dispatcher) announce(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	sess, err := d.store.Begin(ctx)
	if err != nil {
		return storeUnavailable("begin session", err)
	}
	defer sess.Close()

	msg := fmt.Sprintf("Reader added on %s", d.node)
	if err := d.log.Append(ctx, sess, protocol.LevelInfo, msg); err != nil {
		return storeUnavailable("append outcome", err)
	}
	if err := sess.Commit(); err != nil {
		return storeUnavailable("commit", err)
	}
	d.hub.Publish(events.TypeReaderAdded, map[string]any{"node": d.node, "methods": d.registry.Methods()})
	return nil
}
