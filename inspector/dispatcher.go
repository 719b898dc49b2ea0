package inspector

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/appiumwir/webinspector/message"
	"github.com/appiumwir/webinspector/plist"
	"github.com/appiumwir/webinspector/wire"
)

// waiter is a one-shot correlation-map entry: a buffered channel that
// either receives exactly one reply or is closed on cancellation.
// wrapperKey is the stringified wrapper_msg_id keyed alongside msg_id when
// the command's shape wraps it in Target.sendMessageToTarget (§4.6 rule 1);
// empty for Direct-shaped commands, which carry no wrapper envelope.
type waiter struct {
	ch         chan wire.Event
	start      time.Time
	method     string
	wrapperKey string
}

// dispatcher implements spec.md §4.6: sequence-id allocation, the
// correlation map, and the two retry paths. It writes every protocol
// command to the Transport; the orchestrator writes the meta-command
// records (setConnectionKey, connectToApp, launchApplication, ...) to the
// Transport itself. The orchestrator's receive path feeds the dispatcher
// wire.Events through Deliver.
type dispatcher struct {
	transport Transport
	logger    *zap.Logger
	measures  Measures

	seq int64 // next msg_id / wrapper_msg_id; allocated via atomic.AddInt64

	mu sync.Mutex
	// pending is keyed by the stringified msg_id (the inner command's own
	// id). wrapperPending maps a stringified wrapper_msg_id to the msg_id
	// key of the waiter it shares, so a wrapper-level ack can find the
	// same waiter without a second channel. resolved records every key
	// (inner or wrapper) that has already been delivered or cancelled, so
	// a correlation event arriving a second time for it is distinguishable
	// from one that was simply never tracked.
	pending        map[string]*waiter
	wrapperPending map[string]string
	resolved       map[string]struct{}
}

func newDispatcher(t Transport, logger *zap.Logger, measures Measures) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{
		transport:      t,
		logger:         logger,
		measures:       measures,
		pending:        make(map[string]*waiter),
		wrapperPending: make(map[string]string),
		resolved:       make(map[string]struct{}),
	}
}

func (d *dispatcher) nextID() int64 {
	return atomic.AddInt64(&d.seq, 1)
}

// register creates a correlation-map entry keyed by the stringified msg_id,
// per invariant 3: the entry exists if and only if the send is pending and
// is removed exactly once. wrapperID is 0 for Direct-shaped commands, which
// have no wrapper envelope to ack separately.
func (d *dispatcher) register(msgID, wrapperID int64, method string) *waiter {
	key := strconv.FormatInt(msgID, 10)
	w := &waiter{ch: make(chan wire.Event, 1), method: method, start: time.Now()}
	if wrapperID != 0 {
		w.wrapperKey = strconv.FormatInt(wrapperID, 10)
	}

	d.mu.Lock()
	d.pending[key] = w
	if w.wrapperKey != "" {
		d.wrapperPending[w.wrapperKey] = key
	}
	d.mu.Unlock()

	if d.measures.PendingRequests != nil {
		d.measures.PendingRequests.Inc()
	}
	return w
}

// markResolvedLocked records keys as no longer pending. Caller must hold d.mu.
func (d *dispatcher) markResolvedLocked(keys ...string) {
	for _, k := range keys {
		if k != "" {
			d.resolved[k] = struct{}{}
		}
	}
}

func (d *dispatcher) cancel(msgID int64) {
	key := strconv.FormatInt(msgID, 10)
	d.mu.Lock()
	w, ok := d.pending[key]
	delete(d.pending, key)
	if ok {
		if w.wrapperKey != "" {
			delete(d.wrapperPending, w.wrapperKey)
		}
		d.markResolvedLocked(key, w.wrapperKey)
	}
	d.mu.Unlock()

	if ok {
		close(w.ch)
		if d.measures.PendingRequests != nil {
			d.measures.PendingRequests.Dec()
		}
	}
}

// Deliver is called by the orchestrator's read pump for every
// wire.MessageCorrelation event. A msg_id match completes the waiter
// directly. A wrapper_msg_id match is the wrapper-level ack of §4.6 rule
// 1: if it carries an error the waiter is rejected with it (the envelope
// itself was refused, e.g. an unknown targetId); otherwise it is ignored
// and the waiter keeps waiting for the real inner reply. Either path
// removes the sibling entry so invariant 3 holds for both keys.
func (d *dispatcher) Deliver(e wire.Event) {
	d.mu.Lock()

	if w, ok := d.pending[e.ID]; ok {
		delete(d.pending, e.ID)
		if w.wrapperKey != "" {
			delete(d.wrapperPending, w.wrapperKey)
		}
		d.markResolvedLocked(e.ID, w.wrapperKey)
		d.mu.Unlock()
		d.completeWaiter(w, e)
		return
	}

	if innerKey, ok := d.wrapperPending[e.ID]; ok {
		delete(d.wrapperPending, e.ID)
		d.markResolvedLocked(e.ID)

		if e.Error == nil {
			d.mu.Unlock()
			return
		}

		w, ok := d.pending[innerKey]
		if ok {
			delete(d.pending, innerKey)
			d.markResolvedLocked(innerKey)
		}
		d.mu.Unlock()

		if ok {
			d.completeWaiter(w, e)
		}
		return
	}

	_, alreadyResolved := d.resolved[e.ID]
	d.mu.Unlock()

	if alreadyResolved {
		d.logger.Warn("correlation event for a waiter already removed", zap.String("id", e.ID), zap.Error(ErrWaiterLeaked))
		return
	}
	d.logger.Debug("correlation event with no pending waiter", zap.String("id", e.ID))
}

func (d *dispatcher) completeWaiter(w *waiter, e wire.Event) {
	if d.measures.PendingRequests != nil {
		d.measures.PendingRequests.Dec()
	}
	if e.Error != nil && d.measures.CommandErrors != nil {
		d.measures.CommandErrors.Inc()
	}
	if d.measures.RoundTrip != nil && !w.start.IsZero() {
		d.measures.RoundTrip.Observe(time.Since(w.start).Seconds())
	}

	w.ch <- e
	close(w.ch)
}

// CancelAll closes every pending waiter without a value, mirroring
// Disconnect cancelling all outstanding waiters by removing all listeners
// (spec.md §5).
func (d *dispatcher) CancelAll() {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*waiter)
	d.wrapperPending = make(map[string]string)
	d.mu.Unlock()

	for _, w := range pending {
		close(w.ch)
	}
	if d.measures.PendingRequests != nil {
		d.measures.PendingRequests.Sub(float64(len(pending)))
	}
}

// sendOpts mirrors spec.md §4.6's send(command, opts, wait_for_response).
type sendOpts struct {
	AppID          string
	PageID         string
	TargetID       string
	WaitForResponse bool
	Timeout        time.Duration
}

// targetDomainMissing and waitForTargetMarkers are the lower-case substrings
// §4.6 rule 6 checks the error message against.
const targetDomainMissing = "'target' domain was not found"

var waitForTargetMarkers = []string{"domain was not found", "some arguments of method", "missing target"}

// send implements the dispatcher's core request path, resolving the target
// id, building the command, registering the correlation waiter, sending
// through the transport, and applying the two retry rules.
func (d *dispatcher) send(ctx context.Context, env message.Envelope, cmd message.Command, opts sendOpts, registry *Registry) (interface{}, error) {
	msgID := d.nextID()
	cmd.ID = msgID
	if wraps(cmd) {
		cmd.WrapperID = d.nextID()
	}

	trace := traceID()
	d.logger.Debug("send", zap.String("trace", trace), zap.String("method", cmd.Method), zap.Int64("msgID", msgID))

	if cmd.TargetID == "" {
		if opts.TargetID != "" {
			cmd.TargetID = opts.TargetID
		} else if opts.AppID != "" && opts.PageID != "" {
			if t, ok := registry.TargetFor(opts.AppID, opts.PageID); ok {
				cmd.TargetID = t
			}
		}
	}

	record, err := message.BuildCommand(env, cmd)
	if err != nil {
		return nil, err
	}

	result, err := d.roundTrip(ctx, record, cmd, opts)
	if err == nil {
		return result, nil
	}

	cmdErr, isCommandErr := asCommandError(err)
	if !isCommandErr {
		return nil, err
	}

	lowered := strings.ToLower(cmdErr.Message)
	if strings.Contains(lowered, targetDomainMissing) {
		directCmd := message.Command{ID: d.nextID(), Method: cmd.Method, Params: cmd.Params, ForceDirect: true}
		directRecord, buildErr := message.BuildCommand(env, directCmd)
		if buildErr != nil {
			return nil, buildErr
		}
		return d.roundTrip(ctx, directRecord, directCmd, opts)
	}

	if opts.AppID != "" && containsAny(lowered, waitForTargetMarkers) {
		// older/slower devices: the target may not have finished
		// registering yet. The same record is re-sent once, immediately;
		// no wait for a targetCreated event happens before the re-send.
		return d.roundTrip(ctx, record, cmd, opts)
	}

	return nil, err
}

// fireAndForget sends a command without registering a correlation waiter,
// for commands whose response (if any) the caller does not need, such as
// Target.setPauseOnStart.
func (d *dispatcher) fireAndForget(ctx context.Context, env message.Envelope, cmd message.Command) error {
	cmd.ID = d.nextID()
	if wraps(cmd) {
		cmd.WrapperID = d.nextID()
	}
	record, err := message.BuildCommand(env, cmd)
	if err != nil {
		return err
	}
	frame, err := plist.EncodeRecord(record)
	if err != nil {
		return err
	}
	if err := d.transport.Send(ctx, frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// wraps reports whether cmd's shape places it inside a
// Target.sendMessageToTarget envelope, and therefore needs a wrapper_msg_id
// distinct from its own msg_id (§4.6 rule 1).
func wraps(cmd message.Command) bool {
	if cmd.ForceDirect {
		return false
	}
	return message.ShapeFor(cmd.Method) != message.Direct
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func asCommandError(err error) (*wire.CommandError, bool) {
	var cmdErr *wire.CommandError
	if e, ok := err.(*wire.CommandError); ok {
		cmdErr = e
		return cmdErr, true
	}
	return nil, false
}

func (d *dispatcher) roundTrip(ctx context.Context, record plist.Dict, cmd message.Command, opts sendOpts) (interface{}, error) {
	frame, err := plist.EncodeRecord(record)
	if err != nil {
		return nil, err
	}

	if !opts.WaitForResponse {
		if err := d.transport.Send(ctx, frame); err != nil {
			return nil, &TransportError{Err: err}
		}
		return nil, nil
	}

	w := d.register(cmd.ID, cmd.WrapperID, cmd.Method)
	if err := d.transport.Send(ctx, frame); err != nil {
		d.cancel(cmd.ID)
		return nil, &TransportError{Err: err}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e, ok := <-w.ch:
		if !ok {
			return nil, ErrCancelled
		}
		if e.Error != nil {
			return nil, e.Error
		}
		return e.Result, nil
	case <-ctx.Done():
		d.cancel(cmd.ID)
		return nil, ctx.Err()
	case <-timer.C:
		d.cancel(cmd.ID)
		return nil, &TimeoutError{Op: "send " + cmd.Method}
	}
}

// traceID generates a ksuid-based correlation identifier for log lines
// attached to one send() call, distinct from the protocol's own msg_id.
func traceID() string {
	return ksuid.New().String()
}
