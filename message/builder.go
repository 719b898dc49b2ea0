// Package message turns logical WebKit/Web Inspector commands into the
// exact property-list tree the inspector expects, per spec.md §4.2: a
// static per-method shape table selects between direct, minimal, and full
// command encodings, optionally wrapped inside Target.sendMessageToTarget.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/appiumwir/webinspector/plist"
)

// Shape selects how a WebKit protocol command is placed on the wire.
type Shape int

const (
	// Minimal is the default shape: the inner message is JSON-stringified
	// and wrapped in Target.sendMessageToTarget.
	Minimal Shape = iota
	// Direct places the protocol message verbatim under WIRSocketDataKey,
	// bypassing the target-dispatch envelope.
	Direct
	// Full behaves like Minimal but merges a set of Runtime/Page default
	// params into the inner params before stringification.
	Full
)

// shapeTable is the static per-method table described in §4.2.
var shapeTable = map[string]Shape{
	"Target.exists":          Direct,
	"Target.setPauseOnStart": Direct,
	"Target.resume":          Direct,

	"Page.getCookies":          Full,
	"Runtime.awaitPromise":     Full,
	"Runtime.callFunctionOn":   Full,
	"Runtime.evaluate":         Full,
	"Timeline.start":           Full,
	"Timeline.stop":            Full,
}

// fullDefaults are merged into the inner params for Full-shaped commands.
// emulateUserGesture must stay false: true breaks popup blocking on iOS 13+.
var fullDefaults = map[string]interface{}{
	"objectGroup":                       "console",
	"includeCommandLineAPI":             true,
	"doNotPauseOnExceptionsAndMuteConsole": false,
	"emulateUserGesture":                false,
	"generatePreview":                   false,
	"saveResult":                        false,
}

// ShapeFor returns the wire shape a method must use, defaulting to Minimal
// when the method has no entry in the static table.
func ShapeFor(method string) Shape {
	if shape, ok := shapeTable[method]; ok {
		return shape
	}
	return Minimal
}

// ErrArgument reports a synchronous, pre-wire failure: a required envelope
// field was missing. Per §7 this never reaches the transport.
var ErrArgument = errors.New("message: missing required argument")

// ArgumentError names the specific missing field.
type ArgumentError struct {
	Field string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("message: missing required argument %q", e.Field)
}

func (e *ArgumentError) Unwrap() error { return ErrArgument }

// Envelope carries the outer WIR* keys common to every wire record this
// package builds.
type Envelope struct {
	ConnectionIdentifier string
	SenderKey            string
	ApplicationIdentifier string
	PageIdentifier       string
}

// Command is a logical WebKit protocol invocation prior to shaping.
type Command struct {
	ID       int64
	Method   string
	Params   map[string]interface{}
	TargetID string

	// WrapperID is the wrapper_msg_id placed on the outer
	// Target.sendMessageToTarget envelope itself when the command's shape
	// wraps (Minimal/Full), per §4.6 rule 1. It is a distinct sequence id
	// from ID (the inner msg_id): an ack addressed to WrapperID means the
	// relay rejected the envelope itself (e.g. an unknown targetId),
	// separate from the eventual reply to the wrapped command. Unused for
	// Direct-shaped commands, which carry no wrapper.
	WrapperID int64

	// ForceDirect overrides ShapeFor(Method) to Direct, for the
	// dispatcher's downgrade retry (§4.6 rule 6: resend without the
	// Target.sendMessageToTarget wrapper once an older device reports
	// the 'target' domain missing).
	ForceDirect bool
}

// prune removes top-level keys whose value is nil, matching §4.2's "all
// produced plists are pruned of null-valued top-level argument keys".
func prune(d plist.Dict) plist.Dict {
	out := make(plist.Dict, len(d))
	for k, v := range d {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// BuildCommand shapes a WebKit protocol Command into the record to send
// under WIRSocketDataKey, per the Shape selected by ShapeFor(cmd.Method).
func BuildCommand(env Envelope, cmd Command) (plist.Dict, error) {
	if env.ConnectionIdentifier == "" {
		return nil, &ArgumentError{Field: "WIRConnectionIdentifierKey"}
	}

	shape := ShapeFor(cmd.Method)
	if cmd.ForceDirect {
		shape = Direct
	}

	inner := map[string]interface{}{
		"id":     cmd.ID,
		"method": cmd.Method,
	}
	if cmd.Params != nil {
		inner["params"] = cmd.Params
	}

	var socketData plist.Dict
	switch shape {
	case Direct:
		socketData = plist.Dict(prune(plist.Dict(inner)))
	case Minimal, Full:
		if cmd.TargetID == "" {
			return nil, &ArgumentError{Field: "targetId"}
		}

		if shape == Full {
			params, _ := inner["params"].(map[string]interface{})
			if params == nil {
				params = map[string]interface{}{}
			}
			merged := make(map[string]interface{}, len(params)+len(fullDefaults))
			for k, v := range fullDefaults {
				merged[k] = v
			}
			for k, v := range params {
				merged[k] = v
			}
			inner["params"] = merged
		}

		innerJSON, err := json.Marshal(inner)
		if err != nil {
			return nil, fmt.Errorf("message: marshal inner command: %w", err)
		}

		socketData = plist.Dict{
			"id":     cmd.WrapperID,
			"method": "Target.sendMessageToTarget",
			"params": plist.Dict{
				"targetId": cmd.TargetID,
				"message":  string(innerJSON),
			},
		}
	}

	record := plist.Dict{
		"WIRConnectionIdentifierKey": env.ConnectionIdentifier,
		"WIRSocketDataKey":           socketData,
	}
	if env.ApplicationIdentifier != "" {
		record["WIRApplicationIdentifierKey"] = env.ApplicationIdentifier
	}
	if env.PageIdentifier != "" {
		record["WIRPageIdentifierKey"] = env.PageIdentifier
	}
	if env.SenderKey != "" {
		record["WIRSenderKey"] = env.SenderKey
	}

	return prune(record), nil
}

// MetaCommand is one of the fixed, payload-less envelope-only records
// (setConnectionKey, connectToApp, setSenderKey, indicateWebView,
// launchApplication). Unlike BuildCommand, these never carry
// WIRSocketDataKey.
type MetaCommand struct {
	Selector string
	Envelope Envelope
	Extra    plist.Dict
}

// metaRequiredFields names, per meta selector, the Envelope fields that must
// be non-empty for the record to be well formed.
var metaRequiredFields = map[string][]string{
	"setConnectionKey": {"ConnectionIdentifier"},
	"connectToApp":     {"ConnectionIdentifier", "ApplicationIdentifier"},
	"setSenderKey":     {"ConnectionIdentifier", "SenderKey", "ApplicationIdentifier", "PageIdentifier"},
	"indicateWebView":  {"ConnectionIdentifier", "ApplicationIdentifier", "PageIdentifier"},
	"launchApplication": {"ConnectionIdentifier", "ApplicationIdentifier"},
}

// BuildMeta produces the fixed plist template for one of the meta-commands
// listed in §4.2. A missing required envelope field fails synchronously.
func BuildMeta(m MetaCommand) (plist.Dict, error) {
	required, ok := metaRequiredFields[m.Selector]
	if !ok {
		return nil, fmt.Errorf("message: unknown meta-command selector %q", m.Selector)
	}

	for _, field := range required {
		if fieldEmpty(m.Envelope, field) {
			return nil, &ArgumentError{Field: field}
		}
	}

	argument := plist.Dict{}
	if m.Envelope.ConnectionIdentifier != "" {
		argument["WIRConnectionIdentifierKey"] = m.Envelope.ConnectionIdentifier
	}
	if m.Envelope.SenderKey != "" {
		argument["WIRSenderKey"] = m.Envelope.SenderKey
	}
	if m.Envelope.ApplicationIdentifier != "" {
		argument["WIRApplicationIdentifierKey"] = m.Envelope.ApplicationIdentifier
	}
	if m.Envelope.PageIdentifier != "" {
		argument["WIRPageIdentifierKey"] = m.Envelope.PageIdentifier
	}
	for k, v := range m.Extra {
		argument[k] = v
	}

	return plist.Dict{
		"__selector": m.Selector,
		"__argument": prune(argument),
	}, nil
}

func fieldEmpty(e Envelope, field string) bool {
	switch field {
	case "ConnectionIdentifier":
		return e.ConnectionIdentifier == ""
	case "SenderKey":
		return e.SenderKey == ""
	case "ApplicationIdentifier":
		return e.ApplicationIdentifier == ""
	case "PageIdentifier":
		return e.PageIdentifier == ""
	default:
		return true
	}
}
