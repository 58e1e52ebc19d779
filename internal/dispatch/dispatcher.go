package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mattjoyce/placqs/internal/events"
	"github.com/mattjoyce/placqs/internal/log"
	"github.com/mattjoyce/placqs/internal/outcome"
	"github.com/mattjoyce/placqs/internal/protocol"
	"github.com/mattjoyce/placqs/internal/reader"
	"github.com/mattjoyce/placqs/internal/storage"
	"github.com/mattjoyce/placqs/internal/transport"
)

const invokeSavepoint = "capability"

// DataSink receives non-empty result data. It never reaches the outcome log.
type DataSink func(ctx context.Context, method string, data json.RawMessage)

// Dispatcher handles deliveries for one node, one at a time.
type Dispatcher struct {
	store    *storage.Store
	registry *reader.Registry
	log      *outcome.Log
	node     string
	hub      *events.Hub
	sink     DataSink
	logger   *slog.Logger

	counts [numKinds]atomic.Int64
}

// New creates a Dispatcher. hub may be nil.
func New(st *storage.Store, registry *reader.Registry, node string, hub *events.Hub) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		registry: registry,
		log:      outcome.New(node, st.Dialect),
		node:     node,
		hub:      hub,
		logger:   log.WithComponent("dispatch").With("node", node),
	}
	d.sink = d.emitData
	return d
}

// Node returns the node identity stamped on every entry.
func (d *Dispatcher) Node() string { return d.node }

// Counts returns how many deliveries ended in each Kind.
func (d *Dispatcher) Counts() map[string]int64 {
	out := make(map[string]int64, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out[k.String()] = d.counts[k].Load()
	}
	return out
}

// Dispatch handles one delivery. Only store failures are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, del transport.Delivery) error {
	logger := log.WithDispatch(uuid.NewString()).With("node", d.node, "consumer_tag", del.ConsumerTag)

	// The delivery is already acked. Once started it runs to completion;
	// cancellation is only observed between deliveries.
	ctx = context.WithoutCancel(ctx)

	sess, err := d.store.Begin(ctx)
	if err != nil {
		return storeUnavailable("begin session", err)
	}
	defer func() { _ = sess.Close() }()

	out, err := d.handle(ctx, sess, del)
	if err != nil {
		return err
	}
	if out.Kind == KindFault && errors.Is(out.Err, errSessionLost) {
		// The fault entry goes into a fresh session.
		logger.Warn("capability ended the session", "method", out.Method, "error", out.Err)
		_ = sess.Close()
		if sess, err = d.store.Begin(ctx); err != nil {
			return storeUnavailable("begin session", err)
		}
	}
	d.counts[out.Kind].Add(1)

	entries := d.entries(out, del.ConsumerTag)
	for _, e := range entries {
		if err := d.log.Append(ctx, sess, e.Status, e.Message); err != nil {
			return storeUnavailable("append outcome", err)
		}
	}

	if out.Result.HasData() {
		d.sink(ctx, out.Method, out.Result.Data)
	}

	if err := sess.Commit(); err != nil {
		return storeUnavailable("commit", err)
	}

	d.report(logger, out)
	for _, e := range entries {
		d.hub.Publish(events.TypeDispatchOutcome, e)
	}
	return nil
}

// handle runs decode, resolve and invoke. The error is non-nil only when the
// session itself broke.
func (d *Dispatcher) handle(ctx context.Context, sess *storage.Session, del transport.Delivery) (Outcome, error) {
	env, err := protocol.DecodeEnvelope(del.Body)
	if err != nil {
		return Outcome{Kind: KindDecodeError, Err: err}, nil
	}

	capability, err := d.registry.Resolve(env.Method)
	if err != nil {
		return Outcome{Kind: KindNotFound, Method: env.Method, Err: err}, nil
	}

	res, err := d.invoke(ctx, sess, capability, reader.Message{
		Method:      env.Method,
		Payload:     env.Payload,
		Session:     sess.Scope(),
		Node:        d.node,
		ConsumerTag: del.ConsumerTag,
	})
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return Outcome{}, err
		}
		return Outcome{Kind: KindFault, Method: env.Method, Err: err}, nil
	}

	switch {
	case res.Status == "":
		return Outcome{Kind: KindMissingStatus, Method: env.Method, Result: res}, nil
	case res.IsErr():
		return Outcome{Kind: KindDomainError, Method: env.Method, Result: res}, nil
	default:
		return Outcome{Kind: KindOK, Method: env.Method, Result: res}, nil
	}
}

// invoke calls c inside a savepoint. The savepoint is released on every
// path; it is rolled back only when the store refuses the release. When
// neither works the capability ended the transaction and the result is an
// InvocationFault wrapping errSessionLost.
func (d *Dispatcher) invoke(ctx context.Context, sess *storage.Session, c reader.Capability, msg reader.Message) (protocol.Result, error) {
	if err := sess.Savepoint(ctx, invokeSavepoint); err != nil {
		return protocol.Result{}, storeUnavailable("savepoint", err)
	}

	res, callErr := call(ctx, c, msg)

	if err := sess.Release(ctx, invokeSavepoint); err != nil {
		if rbErr := sess.RollbackTo(ctx, invokeSavepoint); rbErr != nil {
			if callErr != nil {
				d.logger.Warn("capability failed before the session was lost", "method", msg.Method, "error", callErr)
			}
			return protocol.Result{}, &InvocationFault{Method: msg.Method, Err: fmt.Errorf("%w: %v", errSessionLost, rbErr)}
		}
		if callErr == nil {
			callErr = &InvocationFault{Method: msg.Method, Err: fmt.Errorf("capability left the session unusable: %w", err)}
		}
	}
	return res, callErr
}

func call(ctx context.Context, c reader.Capability, msg reader.Message) (res protocol.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = protocol.Result{}
			err = &InvocationFault{Method: msg.Method, Panic: r, Stack: debug.Stack()}
		}
	}()

	res, err = c(ctx, msg)
	if err != nil {
		return protocol.Result{}, &InvocationFault{Method: msg.Method, Err: err}
	}
	return res, nil
}

type entry struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// entries maps an outcome to the log entries it produces.
func (d *Dispatcher) entries(out Outcome, tag string) []entry {
	method := strings.ToUpper(out.Method)

	switch out.Kind {
	case KindDecodeError:
		if errors.Is(out.Err, protocol.ErrNoMethod) {
			return []entry{{protocol.LevelWarning, "method is not defined"}}
		}
		return []entry{{protocol.LevelWarning, fmt.Sprintf("could not decode message: %v", out.Err)}}

	case KindNotFound:
		return []entry{{protocol.LevelWarning, fmt.Sprintf("reader %s does not implement method handle_%s", d.node, out.Method)}}

	case KindFault:
		return []entry{{protocol.LevelCritical, fmt.Sprintf("capability fault - %v", out.Err)}}

	case KindMissingStatus:
		return []entry{{protocol.LevelCritical, fmt.Sprintf("%s - capability returned no status - %s", method, tag)}}

	case KindOK:
		return []entry{{out.Result.Status, fmt.Sprintf("%s - %s", method, tag)}}

	case KindDomainError:
		return []entry{
			{out.Result.Status, fmt.Sprintf("%s - %s", method, tag)},
			{out.Result.EffectiveLevel(), fmt.Sprintf("%s - %s - %s", method, out.Result.Message, tag)},
		}
	}
	panic(fmt.Sprintf("dispatch: unhandled outcome %s", out.Kind))
}

func (d *Dispatcher) report(logger *slog.Logger, out Outcome) {
	logger = logger.With("kind", out.Kind.String())
	if out.Method != "" {
		logger = logger.With("method", out.Method)
	}

	switch out.Kind {
	case KindOK:
		logger.Debug("dispatch completed")
	case KindDomainError:
		logger.Info("capability reported error", "message", out.Result.Message, "level", out.Result.EffectiveLevel())
	case KindDecodeError, KindNotFound:
		logger.Warn("delivery dropped", "error", out.Err)
	case KindMissingStatus:
		logger.Error("capability returned no status")
	case KindFault:
		var fault *InvocationFault
		if errors.As(out.Err, &fault) && fault.Stack != nil {
			logger.Error("capability panicked", "panic", fmt.Sprint(fault.Panic), "stack", string(fault.Stack))
			return
		}
		logger.Error("capability failed", "error", out.Err)
	}
}

func (d *Dispatcher) emitData(_ context.Context, method string, data json.RawMessage) {
	d.logger.Debug("capability data", "method", method, "data", string(data))
	d.hub.Publish(events.TypeDispatchData, map[string]any{
		"node":   d.node,
		"method": method,
		"data":   data,
	})
}
