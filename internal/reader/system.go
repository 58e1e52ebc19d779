package reader

import (
	"context"
	"time"

	"github.com/mattjoyce/placqs/internal/protocol"
)

// System provides capabilities every node answers regardless of hardware:
// ping (liveness plus uptime) and methods (the capability catalogue).
type System struct {
	started time.Time
	now     func() time.Time
}

// NewSystem returns a System whose uptime counts from started.
func NewSystem(started time.Time) *System {
	return &System{started: started.UTC(), now: time.Now}
}

// Install registers ping and methods on r.
func (s *System) Install(r *Registry) error {
	if err := r.Register("ping", s.ping); err != nil {
		return err
	}
	return r.Register("methods", func(ctx context.Context, msg Message) (protocol.Result, error) {
		return protocol.OK(map[string]any{"node": msg.Node, "methods": r.Methods()}), nil
	})
}

func (s *System) ping(_ context.Context, msg Message) (protocol.Result, error) {
	return protocol.OK(map[string]any{
		"node":           msg.Node,
		"started_at":     s.started.Format(time.RFC3339),
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
	}), nil
}
