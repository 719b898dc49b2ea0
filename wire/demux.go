// Package wire implements the Web Inspector demultiplexer (spec.md §4.3):
// it classifies every inbound plist record by its __selector, parses the
// doubly-wrapped target-dispatch envelope, and republishes either a
// spontaneous domain event or a request/response correlation event.
//
// Redesigned per spec.md §9: rather than routing every inbound record
// through one global string-keyed emitter (a hazard when the same
// namespace serves both spontaneous events and pending replies), this
// package exposes a single typed Event plus a Listener func(Event); the
// correlation map itself lives in the inspector package's dispatcher,
// keyed separately by message id.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/appiumwir/webinspector/plist"
)

// EventType names either a wire selector (e.g. "_rpc_reportSetup:"), a
// WebKit protocol method (e.g. "Page.frameNavigated"), or one of the
// synthetic aggregate names (ConsoleEvent, NetworkEvent) §4.3 assigns in
// addition to the specific method event. It is a plain string rather than
// a closed enum because the Network.* family is an open, wildcard-matched
// set of methods.
type EventType string

const (
	ReportSetup                   EventType = "_rpc_reportSetup:"
	ReportConnectedApplicationList EventType = "_rpc_reportConnectedApplicationList:"
	ForwardGetListing              EventType = "_rpc_forwardGetListing:"
	ApplicationConnected          EventType = "_rpc_applicationConnected:"
	ApplicationDisconnected       EventType = "_rpc_applicationDisconnected:"
	ApplicationUpdated            EventType = "_rpc_applicationUpdated:"
	ReportConnectedDriverList     EventType = "_rpc_reportConnectedDriverList:"
	ReportCurrentState            EventType = "_rpc_reportCurrentState:"

	TargetCreated               EventType = "Target.targetCreated"
	TargetDestroyed             EventType = "Target.targetDestroyed"
	DidCommitProvisionalTarget  EventType = "Target.didCommitProvisionalTarget"

	PageFrameStoppedLoading EventType = "Page.frameStoppedLoading"
	PageFrameNavigated      EventType = "Page.frameNavigated"

	TimelineEventRecorded EventType = "Timeline.eventRecorded"

	ConsoleMessageAdded EventType = "Console.messageAdded"
	ConsoleEvent        EventType = "ConsoleEvent"

	NetworkEvent EventType = "NetworkEvent"

	RuntimeExecutionContextCreated EventType = "Runtime.executionContextCreated"

	// MessageCorrelation identifies a request/response correlation event;
	// Event.ID carries the stringified message id that the dispatcher's
	// correlation map is keyed by.
	MessageCorrelation EventType = "__message_correlation__"
)

// ProtocolError wraps a malformed inner JSON payload or unknown envelope
// shape. Per §7, a ProtocolError is fatal: it terminates the session.
type ProtocolError struct {
	Reason string
	Raw    plist.Dict
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CommandError is the local, non-fatal error extracted from a response's
// "error" field or a "result.wasThrown" outcome, per §4.3/§7.
type CommandError struct {
	Message string
	Code    interface{}
	Data    interface{}
}

func (e *CommandError) Error() string { return e.Message }

// Event is the single shape every dispatched occurrence takes.
type Event struct {
	Type     EventType
	AppID    string
	ID       string
	Method   string
	Params   map[string]interface{}
	Result   interface{}
	Error    error
	Target   map[string]interface{}
	Raw      plist.Dict
}

// Listener receives dispatched Events. Listeners must not block; the
// demultiplexer invokes them synchronously on the single reader goroutine
// (spec.md §5).
type Listener func(Event)

// Demux classifies inbound records and republishes them to subscribed
// Listeners. A Demux is safe for concurrent Subscribe calls, but Dispatch
// is intended to be driven by exactly one goroutine (the read pump).
type Demux struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
}

// New constructs a Demux. A nil logger disables logging.
func New(logger *zap.Logger) *Demux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Demux{logger: logger}
}

// Subscribe registers a Listener invoked for every dispatched Event.
func (d *Demux) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Demux) publish(e Event) {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

// Dispatch classifies one inbound plist record and publishes the Events it
// produces. It returns a *ProtocolError if the record cannot be classified
// at all (per §7 this should disconnect the session); malformed inner
// target-dispatch JSON is surfaced the same way after being logged by the
// caller via the returned error's Raw field.
func (d *Demux) Dispatch(record plist.Dict) error {
	selector, _ := record["__selector"].(string)
	argument, _ := record["__argument"].(plist.Dict)
	if argument == nil {
		if m, ok := record["__argument"].(map[string]interface{}); ok {
			argument = plist.Dict(m)
		}
	}

	switch selector {
	case "_rpc_reportSetup:":
		d.publish(Event{Type: ReportSetup, Params: argument, Raw: record})
	case "_rpc_reportConnectedApplicationList:":
		d.publish(Event{Type: ReportConnectedApplicationList, Params: argument, Raw: record})
	case "_rpc_applicationSentListing:":
		appID, _ := argument["WIRApplicationIdentifierKey"].(string)
		d.publish(Event{Type: ForwardGetListing, AppID: appID, Params: argument, Raw: record})
	case "_rpc_applicationConnected:":
		d.publish(Event{Type: ApplicationConnected, Params: argument, Raw: record})
	case "_rpc_applicationDisconnected:":
		d.publish(Event{Type: ApplicationDisconnected, Params: argument, Raw: record})
	case "_rpc_applicationUpdated:":
		d.publish(Event{Type: ApplicationUpdated, Params: argument, Raw: record})
	case "_rpc_reportConnectedDriverList:":
		d.publish(Event{Type: ReportConnectedDriverList, Params: argument, Raw: record})
	case "_rpc_reportCurrentState:":
		d.publish(Event{Type: ReportCurrentState, Params: argument, Raw: record})
	case "_rpc_applicationSentData:":
		return d.dispatchApplicationSentData(argument, record)
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown selector %q", selector), Raw: record}
	}

	return nil
}

type innerMessage struct {
	hasID  bool
	ID     string
	Method string
	Params map[string]interface{}
	Result json.RawMessage
	Error  json.RawMessage
}

func parseInnerMessage(raw []byte) (*innerMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	msg := &innerMessage{}
	if v, ok := fields["method"]; ok {
		_ = json.Unmarshal(v, &msg.Method)
	}
	if v, ok := fields["params"]; ok {
		_ = json.Unmarshal(v, &msg.Params)
	}
	if v, ok := fields["result"]; ok {
		msg.Result = v
	}
	if v, ok := fields["error"]; ok {
		msg.Error = v
	}
	if v, ok := fields["id"]; ok {
		msg.hasID = true
		var asNumber json.Number
		if err := json.Unmarshal(v, &asNumber); err == nil {
			msg.ID = asNumber.String()
		} else {
			var asString string
			_ = json.Unmarshal(v, &asString)
			msg.ID = asString
		}
		if msg.ID == "" {
			msg.hasID = false
		}
	}

	return msg, nil
}

func (d *Demux) dispatchApplicationSentData(argument plist.Dict, record plist.Dict) error {
	appID, _ := argument["WIRApplicationIdentifierKey"].(string)
	raw, _ := argument["WIRMessageDataKey"].(string)
	if raw == "" {
		return &ProtocolError{Reason: "missing WIRMessageDataKey", Raw: record}
	}

	msg, err := parseInnerMessage([]byte(raw))
	if err != nil {
		return &ProtocolError{Reason: "malformed WIRMessageDataKey JSON", Raw: record, Err: err}
	}

	switch EventType(msg.Method) {
	case TargetCreated, TargetDestroyed, DidCommitProvisionalTarget:
		target := msg.Params
		if info, ok := msg.Params["targetInfo"].(map[string]interface{}); ok && EventType(msg.Method) == TargetCreated {
			target = info
		}
		d.publish(Event{Type: EventType(msg.Method), AppID: appID, Target: target, Raw: record})
		return nil
	}

	if msg.Method == "Target.dispatchMessageFromTarget" {
		inner, err := unwrapDispatchedMessage(msg.Params)
		if err != nil {
			return &ProtocolError{Reason: "malformed Target.dispatchMessageFromTarget payload", Raw: record, Err: err}
		}
		msg = inner
	}

	if msg.hasID {
		d.publishCorrelation(appID, *msg, record)
		return nil
	}

	d.dispatchByMethod(appID, *msg, record)
	return nil
}

func unwrapDispatchedMessage(params map[string]interface{}) (*innerMessage, error) {
	raw, _ := params["message"].(string)
	if raw == "" {
		return nil, fmt.Errorf("dispatchMessageFromTarget missing inner message")
	}
	return parseInnerMessage([]byte(raw))
}

func (d *Demux) publishCorrelation(appID string, msg innerMessage, record plist.Dict) {
	var result interface{}
	if len(msg.Result) > 0 {
		_ = json.Unmarshal(msg.Result, &result)
		if m, ok := result.(map[string]interface{}); ok {
			if inner, ok := m["result"].(map[string]interface{}); ok {
				if value, ok := inner["value"]; ok {
					result = value
				}
			}
		}
	}

	d.publish(Event{
		Type:   MessageCorrelation,
		AppID:  appID,
		ID:     msg.ID,
		Method: msg.Method,
		Error:  extractError(msg),
		Result: result,
		Raw:    record,
	})
}

func (d *Demux) dispatchByMethod(appID string, msg innerMessage, record plist.Dict) {
	switch {
	case msg.Method == "Page.frameStoppedLoading":
		d.publish(Event{Type: PageFrameStoppedLoading, AppID: appID, Params: msg.Params, Raw: record})
		d.publish(Event{Type: PageFrameNavigated, AppID: appID, Params: map[string]interface{}{"tag": "synthesized-from-frameStoppedLoading"}, Raw: record})
	case msg.Method == "Page.frameNavigated":
		d.publish(Event{Type: PageFrameNavigated, AppID: appID, Params: map[string]interface{}{"tag": "Page.frameNavigated"}, Raw: record})
	case msg.Method == "Timeline.eventRecorded":
		params := msg.Params
		if rec, ok := params["record"]; ok {
			params = map[string]interface{}{"record": rec}
		}
		d.publish(Event{Type: TimelineEventRecorded, AppID: appID, Params: params, Raw: record})
	case msg.Method == "Console.messageAdded":
		message, _ := msg.Params["message"].(map[string]interface{})
		d.publish(Event{Type: ConsoleMessageAdded, AppID: appID, Params: message, Raw: record})
		d.publish(Event{Type: ConsoleEvent, AppID: appID, Method: msg.Method, Params: message, Raw: record})
	case strings.HasPrefix(msg.Method, "Network."):
		d.publish(Event{Type: EventType(msg.Method), AppID: appID, Params: msg.Params, Raw: record})
		d.publish(Event{Type: NetworkEvent, AppID: appID, Method: msg.Method, Params: msg.Params, Raw: record})
	case msg.Method == "Runtime.executionContextCreated":
		context, _ := msg.Params["context"].(map[string]interface{})
		d.publish(Event{Type: RuntimeExecutionContextCreated, AppID: appID, Params: context, Raw: record})
	default:
		d.logger.Debug("unhandled spontaneous method", zap.String("method", msg.Method))
		d.publish(Event{Type: EventType(msg.Method), AppID: appID, Params: msg.Params, Raw: record})
	}
}

func extractError(msg innerMessage) error {
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		var outer map[string]interface{}
		_ = json.Unmarshal(msg.Error, &outer)
		return commandErrorFrom(outer)
	}

	if len(msg.Result) > 0 {
		var result map[string]interface{}
		if err := json.Unmarshal(msg.Result, &result); err == nil {
			if thrown, _ := result["wasThrown"].(bool); thrown {
				inner, _ := result["result"].(map[string]interface{})
				message := "an exception was thrown"
				if inner != nil {
					if v, ok := inner["description"].(string); ok {
						message = v
					}
					if v, ok := inner["value"]; ok {
						if s, ok := v.(string); ok {
							message = s
						}
					}
				}
				return &CommandError{Message: message}
			}
		}
	}

	return nil
}

func commandErrorFrom(outer map[string]interface{}) error {
	if outer == nil {
		return &CommandError{Message: "unknown command error"}
	}
	message, _ := outer["message"].(string)
	if message == "" {
		message = "unknown command error"
	}
	return &CommandError{
		Message: message,
		Code:    outer["code"],
		Data:    outer["data"],
	}
}
