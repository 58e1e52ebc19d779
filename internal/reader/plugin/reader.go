package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/placqs/internal/log"
	"github.com/mattjoyce/placqs/internal/protocol"
	"github.com/mattjoyce/placqs/internal/reader"
	"github.com/mattjoyce/placqs/internal/state"
)

// Reader installs every method of every cataloged plugin into a registry.
type Reader struct {
	catalog *Catalog
	state   *state.Store
	runner  *runner
	logger  *slog.Logger
	now     func() time.Time
}

func New(catalog *Catalog, st *state.Store) *Reader {
	logger := log.WithComponent("plugin")
	return &Reader{
		catalog: catalog,
		state:   st,
		runner:  &runner{grace: terminationGracePeriod, logger: logger},
		logger:  logger,
		now:     time.Now,
	}
}

// Install registers one capability per plugin method. Two plugins exporting
// the same method is a configuration error.
func (rd *Reader) Install(r *reader.Registry) error {
	for _, p := range rd.catalog.All() {
		for _, m := range p.Methods {
			if err := r.Register(m.Name, rd.capability(p, m.Name)); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

func (rd *Reader) capability(p *Plugin, method string) reader.Capability {
	return func(ctx context.Context, msg reader.Message) (protocol.Result, error) {
		if msg.Session == nil {
			return protocol.Result{}, fmt.Errorf("plugin %s: no session", p.Name)
		}
		logger := rd.logger.With("plugin", p.Name, "method", method)

		cur, err := rd.state.Get(ctx, msg.Session, p.Name)
		if err != nil {
			return protocol.Result{}, fmt.Errorf("plugin %s: %w", p.Name, err)
		}

		payload := msg.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		req := &protocol.Request{
			Protocol:   supportedProtocol,
			Method:     reader.Normalize(method),
			Node:       msg.Node,
			Payload:    payload,
			State:      cur,
			DeadlineAt: rd.now().Add(p.Timeout).UTC(),
		}

		runner := *rd.runner
		runner.logger = logger
		res, stderr, err := runner.run(ctx, p.Entrypoint, req, p.Timeout)
		if stderr != "" {
			logger.Debug("plugin stderr", "stderr", stderr)
		}
		if err != nil {
			return protocol.Result{}, fmt.Errorf("plugin %s: %w", p.Name, err)
		}

		if len(res.StateUpdates) > 0 {
			if _, err := rd.state.ShallowMerge(ctx, msg.Session, p.Name, res.StateUpdates); err != nil {
				return protocol.Result{}, fmt.Errorf("plugin %s: %w", p.Name, err)
			}
		}
		return *res, nil
	}
}
