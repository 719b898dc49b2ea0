package inspector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appiumwir/webinspector/plist"
)

// scriptedTransport is a Transport whose Send calls are observed by a
// handler that can synchronously push inbound frames back through the
// installed receiver, modeling the inspector's half of the protocol without
// a real socket.
type scriptedTransport struct {
	mu       sync.Mutex
	receiver func([]byte)
	onSend   func(record plist.Dict)
}

func (s *scriptedTransport) SetReceiver(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = fn
}

func (s *scriptedTransport) Send(ctx context.Context, frame []byte) error {
	record := decodeFrame(frame)
	if s.onSend != nil {
		s.onSend(record)
	}
	return nil
}

func (s *scriptedTransport) Close() error { return nil }

func (s *scriptedTransport) push(record plist.Dict) {
	frame, err := plist.EncodeRecord(record)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	recv := s.receiver
	s.mu.Unlock()
	recv(frame)
}

func decodeFrame(frame []byte) plist.Dict {
	var got plist.Dict
	codec := plist.NewCodec()
	_ = codec.Feed(frame, func(d plist.Dict) { got = d })
	return got
}

func TestConnectResolvesWithApplicationList(t *testing.T) {
	transport := &scriptedTransport{}
	transport.onSend = func(record plist.Dict) {
		if record["__selector"] != "setConnectionKey" {
			return
		}
		go transport.push(plist.Dict{
			"__selector": "_rpc_reportConnectedApplicationList:",
			"__argument": plist.Dict{
				"WIRApplicationDictionaryKey": map[string]interface{}{
					"PID:1": map[string]interface{}{
						"WIRApplicationIdentifierKey":       "PID:1",
						"WIRApplicationBundleIdentifierKey": "com.example.app",
						"WIRIsApplicationProxyKey":          false,
					},
				},
			},
		})
	}

	o := New(transport, &Options{ConnectionIdentifier: "conn-fixed"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	apps, err := o.Connect(ctx)
	require.NoError(t, err)
	require.Contains(t, apps, "PID:1")
	assert.Equal(t, "com.example.app", apps["PID:1"].BundleID)
}

func TestSelectAppConnectsMatchingBundleIDAndResolvesOnListing(t *testing.T) {
	transport := &scriptedTransport{}
	transport.onSend = func(record plist.Dict) {
		if record["__selector"] != "connectToApp" {
			return
		}
		go transport.push(plist.Dict{
			"__selector": "_rpc_applicationSentListing:",
			"__argument": plist.Dict{
				"WIRApplicationIdentifierKey": "PID:1",
				"WIRListingKey": map[string]interface{}{
					"1": map[string]interface{}{
						"WIRTypeKey":           "WIRTypeWeb",
						"WIRPageIdentifierKey": "1",
						"WIRURLKey":            "https://example.com",
					},
				},
			},
		})
	}

	o := New(transport, &Options{ConnectionIdentifier: "conn-fixed", MaxTries: 20, RetryInterval: 50 * time.Millisecond})
	o.registry.UpsertApplication(Application{ID: "PID:1", BundleID: "com.example.app"})
	transport.SetReceiver(o.onChunk)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	apps, err := o.SelectApp(ctx, []string{"com.example.app"}, nil, false)
	require.NoError(t, err)
	assert.Contains(t, apps, "PID:1")
}

func TestLaunchApplicationWaitsForApplicationConnected(t *testing.T) {
	transport := &scriptedTransport{}
	transport.onSend = func(record plist.Dict) {
		if record["__selector"] != "launchApplication" {
			return
		}
		go transport.push(plist.Dict{
			"__selector": "_rpc_applicationConnected:",
			"__argument": plist.Dict{
				"WIRApplicationIdentifierKey":       "PID:2",
				"WIRApplicationBundleIdentifierKey": "com.example.other",
			},
		})
	}

	o := New(transport, &Options{ConnectionIdentifier: "conn-fixed", MaxTries: 20, RetryInterval: 50 * time.Millisecond})
	transport.SetReceiver(o.onChunk)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := o.LaunchApplication(ctx, "com.example.other")
	require.NoError(t, err)

	app, ok := o.registry.Application("PID:2")
	assert.True(t, ok)
	assert.Equal(t, "com.example.other", app.BundleID)
}

// TestTargetCreatedDrivesSimpleInitializationSequence exercises the
// registry→initializer→dispatcher wiring directly: a Target.targetCreated
// event consumes a pending ticket, binds the target, and runs every step of
// the simple initialization sequence in order, in a single goroutine per
// page as spec.md §4.5/§5 require.
func TestTargetCreatedDrivesSimpleInitializationSequence(t *testing.T) {
	var methodsMu sync.Mutex
	var methods []string

	transport := &scriptedTransport{}
	o := New(transport, &Options{ConnectionIdentifier: "conn-fixed", TargetCreationTimeout: time.Second})
	transport.SetReceiver(o.onChunk)

	transport.onSend = func(record plist.Dict) {
		socketData, ok := record["WIRSocketDataKey"].(map[string]interface{})
		if !ok {
			return
		}
		method, _ := socketData["method"].(string)
		if method != "Target.sendMessageToTarget" {
			return
		}
		params := socketData["params"].(map[string]interface{})
		var inner map[string]interface{}
		_ = json.Unmarshal([]byte(params["message"].(string)), &inner)

		innerMethod, _ := inner["method"].(string)
		id, _ := inner["id"].(float64)

		methodsMu.Lock()
		methods = append(methods, innerMethod)
		methodsMu.Unlock()

		go transport.push(plist.Dict{
			"__selector": "_rpc_applicationSentData:",
			"__argument": plist.Dict{
				"WIRApplicationIdentifierKey": "PID:1",
				"WIRMessageDataKey":           mustJSON(map[string]interface{}{"id": int64(id), "result": map[string]interface{}{}}),
			},
		})
	}

	done := make(chan error, 1)
	o.registry.OnPageInitialized(func(app, page string, err error) {
		if app == "PID:1" && page == "1" {
			done <- err
		}
	})

	o.registry.BeginPageSelection("PID:1", "1")
	transport.push(plist.Dict{
		"__selector": "_rpc_applicationSentData:",
		"__argument": plist.Dict{
			"WIRApplicationIdentifierKey": "PID:1",
			"WIRMessageDataKey": mustJSON(map[string]interface{}{
				"method": "Target.targetCreated",
				"params": map[string]interface{}{"targetId": "target-1", "type": "page"},
			}),
		},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("page never finished initializing")
	}

	target, ok := o.registry.TargetFor("PID:1", "1")
	require.True(t, ok)
	assert.Equal(t, "target-1", target)

	methodsMu.Lock()
	defer methodsMu.Unlock()
	assert.Equal(t, simpleInitSequence, methods)
}

// TestProvisionalTargetRunsInitThenSendsResumeIfPaused exercises spec.md
// §4.5 step 1: a provisional, paused target runs the init sequence and then
// gets a Target.resume instead of Target.setPauseOnStart.
func TestProvisionalTargetRunsInitThenSendsResumeIfPaused(t *testing.T) {
	var methodsMu sync.Mutex
	var methods []string
	var resumeSent bool

	transport := &scriptedTransport{}
	o := New(transport, &Options{ConnectionIdentifier: "conn-fixed", TargetCreationTimeout: time.Second})
	transport.SetReceiver(o.onChunk)

	transport.onSend = func(record plist.Dict) {
		socketData, ok := record["WIRSocketDataKey"].(map[string]interface{})
		if !ok {
			return
		}
		method, _ := socketData["method"].(string)
		if method == "Target.resume" {
			resumeSent = true
			return
		}
		if method != "Target.sendMessageToTarget" {
			return
		}
		params := socketData["params"].(map[string]interface{})
		var inner map[string]interface{}
		_ = json.Unmarshal([]byte(params["message"].(string)), &inner)

		innerMethod, _ := inner["method"].(string)
		id, _ := inner["id"].(float64)

		methodsMu.Lock()
		methods = append(methods, innerMethod)
		methodsMu.Unlock()

		go transport.push(plist.Dict{
			"__selector": "_rpc_applicationSentData:",
			"__argument": plist.Dict{
				"WIRApplicationIdentifierKey": "PID:1",
				"WIRMessageDataKey":           mustJSON(map[string]interface{}{"id": int64(id), "result": map[string]interface{}{}}),
			},
		})
	}

	done := make(chan error, 1)
	o.registry.OnPageInitialized(func(app, page string, err error) {
		if app == "PID:1" && page == "" {
			done <- err
		}
	})

	transport.push(plist.Dict{
		"__selector": "_rpc_applicationSentData:",
		"__argument": plist.Dict{
			"WIRApplicationIdentifierKey": "PID:1",
			"WIRMessageDataKey": mustJSON(map[string]interface{}{
				"method": "Target.targetCreated",
				"params": map[string]interface{}{"targetId": "target-1", "isProvisional": true, "paused": true},
			}),
		},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("provisional target never finished initializing")
	}

	require.Eventually(t, func() bool { return resumeSent }, time.Second, time.Millisecond)

	methodsMu.Lock()
	defer methodsMu.Unlock()
	assert.Equal(t, simpleInitSequence, methods)
	assert.False(t, o.registry.TargetPaused("PID:1", "target-1"))
}

// TestFullInitEnablesVerboseLoggingForEveryReturnedChannel exercises the
// full sequence's dynamic follow-up (spec.md §4.5): every channel reported
// by Console.getLoggingChannels gets a Console.setLoggingChannelLevel.
func TestFullInitEnablesVerboseLoggingForEveryReturnedChannel(t *testing.T) {
	var callsMu sync.Mutex
	var setLevelCalls []map[string]interface{}

	transport := &scriptedTransport{}
	o := New(transport, &Options{ConnectionIdentifier: "conn-fixed", TargetCreationTimeout: time.Second, FullPageInit: true})
	transport.SetReceiver(o.onChunk)

	transport.onSend = func(record plist.Dict) {
		socketData, ok := record["WIRSocketDataKey"].(map[string]interface{})
		if !ok {
			return
		}
		method, _ := socketData["method"].(string)
		if method != "Target.sendMessageToTarget" {
			return
		}
		params := socketData["params"].(map[string]interface{})
		var inner map[string]interface{}
		_ = json.Unmarshal([]byte(params["message"].(string)), &inner)

		innerMethod, _ := inner["method"].(string)
		id, _ := inner["id"].(float64)

		if innerMethod == "Console.setLoggingChannelLevel" {
			innerParams, _ := inner["params"].(map[string]interface{})
			callsMu.Lock()
			setLevelCalls = append(setLevelCalls, innerParams)
			callsMu.Unlock()
			return
		}

		result := map[string]interface{}{}
		if innerMethod == "Console.getLoggingChannels" {
			result = map[string]interface{}{
				"channels": []map[string]interface{}{
					{"source": "media"},
					{"source": "network"},
				},
			}
		}

		go transport.push(plist.Dict{
			"__selector": "_rpc_applicationSentData:",
			"__argument": plist.Dict{
				"WIRApplicationIdentifierKey": "PID:1",
				"WIRMessageDataKey":           mustJSON(map[string]interface{}{"id": int64(id), "result": result}),
			},
		})
	}

	done := make(chan error, 1)
	o.registry.OnPageInitialized(func(app, page string, err error) {
		if app == "PID:1" && page == "1" {
			done <- err
		}
	})

	o.registry.BeginPageSelection("PID:1", "1")
	transport.push(plist.Dict{
		"__selector": "_rpc_applicationSentData:",
		"__argument": plist.Dict{
			"WIRApplicationIdentifierKey": "PID:1",
			"WIRMessageDataKey": mustJSON(map[string]interface{}{
				"method": "Target.targetCreated",
				"params": map[string]interface{}{"targetId": "target-1", "type": "page"},
			}),
		},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("page never finished initializing")
	}

	require.Eventually(t, func() bool {
		callsMu.Lock()
		defer callsMu.Unlock()
		return len(setLevelCalls) == 2
	}, time.Second, time.Millisecond)

	callsMu.Lock()
	defer callsMu.Unlock()
	var sources []string
	for _, p := range setLevelCalls {
		assert.Equal(t, "verbose", p["level"])
		sources = append(sources, p["source"].(string))
	}
	assert.ElementsMatch(t, []string{"media", "network"}, sources)
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
