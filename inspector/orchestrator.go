package inspector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appiumwir/webinspector/clock"
	"github.com/appiumwir/webinspector/message"
	"github.com/appiumwir/webinspector/plist"
	"github.com/appiumwir/webinspector/wire"
)

// simpleInitSequence and fullInitSequence are the two page-initialization
// flavors of spec.md §4.5. Order is significant: Inspector.enable first,
// Inspector.initialized last, Page.enable before Runtime.enable.
var simpleInitSequence = []string{
	"Inspector.enable",
	"Page.enable",
	"Runtime.enable",
	"Network.enable",
	"Heap.enable",
	"Debugger.enable",
	"Console.enable",
	"Inspector.initialized",
}

var fullInitSequence = []string{
	"Inspector.enable",
	"Page.enable",
	"Runtime.enable",
	"Network.enable",
	"Heap.enable",
	"Debugger.enable",
	"Console.enable",
	"Page.getResourceTree",
	"Network.setResourceCachingDisabled",
	"DOMStorage.enable",
	"Database.enable",
	"IndexedDB.enable",
	"CSS.enable",
	"Memory.enable",
	"ApplicationCache.enable",
	"ApplicationCache.getFramesWithManifests",
	"Timeline.setInstruments",
	"Timeline.setAutoCaptureEnabled",
	"Debugger.setBreakpointsActive",
	"Debugger.setPauseOnExceptions",
	"Debugger.setPauseOnAssertions",
	"Debugger.setAsyncStackTraceDepth",
	"Debugger.setPauseForInternalScripts",
	"LayerTree.enable",
	"Worker.enable",
	"Canvas.enable",
	"DOM.getDocument",
	"Console.getLoggingChannels",
	"Inspector.initialized",
}

// fullInitParams supplies the fixed argument for the full sequence's
// parameterized steps; steps absent here are sent with no params.
var fullInitParams = map[string]map[string]interface{}{
	"Network.setResourceCachingDisabled":   {"disabled": false},
	"Timeline.setInstruments":              {"instruments": []string{"Timeline", "ScriptProfiler", "CPU"}},
	"Timeline.setAutoCaptureEnabled":       {"enabled": false},
	"Debugger.setBreakpointsActive":        {"active": true},
	"Debugger.setPauseOnExceptions":        {"state": "none"},
	"Debugger.setPauseOnAssertions":        {"enabled": false},
	"Debugger.setAsyncStackTraceDepth":     {"depth": 200},
	"Debugger.setPauseForInternalScripts":  {"shouldPause": false},
}

// ReadinessDetector polls document.readyState via Runtime.evaluate until it
// returns true or the bound is exhausted.
type ReadinessDetector struct {
	// Ready returns true once the evaluated readyState satisfies the caller.
	Ready func(readyState string) bool
	// Timeout bounds the total poll duration.
	Timeout time.Duration
}

// Orchestrator is the session's single owner of the transport, registry,
// dispatcher and demultiplexer, composed explicitly as plain fields per the
// DESIGN NOTES' "no inheritance chain across facets" redesign.
type Orchestrator struct {
	opts      *Options
	transport Transport
	demux     *wire.Demux
	registry  *Registry
	dispatch  *dispatcher
	logger    *zap.Logger
	measures  Measures
	clock     clock.Interface

	codec *plist.Codec

	mu            sync.Mutex
	connected     bool
	connectionID  string
	appListReady  chan map[string]Application
	appConnectSub []func(wire.Event)
}

// New constructs an Orchestrator bound to one Transport, which may already
// be dialed (wstransport.Dial returns one that is); Connect drives the
// handshake. A non-empty Options.ConnectionIdentifier is used as the
// connection key from construction on, so meta-commands built before
// Connect carry it too.
func New(transport Transport, opts *Options) *Orchestrator {
	logger := opts.logger()
	measures := NewMeasures(opts.metricsRegisterer())
	clk := opts.clock()

	o := &Orchestrator{
		opts:      opts,
		transport: transport,
		demux:     wire.New(logger),
		registry:  NewRegistry(clk, opts.pageLockMaxHold(), logger),
		dispatch:  newDispatcher(transport, logger, measures),
		logger:    logger,
		measures:  measures,
		clock:     clk,
		codec:     plist.NewCodec(),
	}
	if opts != nil {
		o.connectionID = opts.ConnectionIdentifier
	}

	o.registry.SetInitializer(o.initializeTarget)
	o.demux.Subscribe(o.route)
	return o
}

// Connect performs the handshake: set the connection key, then wait for
// _rpc_reportConnectedApplicationList:. An empty list resolves with an
// empty snapshot; the connection remains usable.
func (o *Orchestrator) Connect(ctx context.Context) (map[string]Application, error) {
	o.mu.Lock()
	if o.connected {
		o.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	o.connectionID = o.opts.ConnectionIdentifier
	if o.connectionID == "" {
		o.connectionID = uuid.NewString()
	}
	o.appListReady = make(chan map[string]Application, 1)
	o.connected = true
	o.mu.Unlock()

	o.transport.SetReceiver(o.onChunk)

	env := message.Envelope{ConnectionIdentifier: o.connectionID}
	record, err := message.BuildMeta(message.MetaCommand{Selector: "setConnectionKey", Envelope: env})
	if err != nil {
		return nil, err
	}
	frame, err := plist.EncodeRecord(record)
	if err != nil {
		return nil, err
	}
	if err := o.transport.Send(ctx, frame); err != nil {
		return nil, &TransportError{Err: err}
	}

	select {
	case apps := <-o.appListReady:
		if o.measures.Connects != nil {
			o.measures.Connects.Inc()
		}
		return apps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect drops every record, cancels every outstanding waiter, and
// closes the transport. Per spec.md §5, no pending waiter is resolved
// except through timeout or explicit cancellation; CancelAll achieves this
// by closing the waiter channels without a value.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	o.connected = false
	o.mu.Unlock()

	o.registry.mu.Lock()
	o.registry.apps = make(map[string]*appEntry)
	o.registry.mu.Unlock()

	o.dispatch.CancelAll()
	if o.measures.Disconnects != nil {
		o.measures.Disconnects.Inc()
	}
	return o.transport.Close()
}

func (o *Orchestrator) IsConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

// onChunk feeds inbound bytes through the codec and hands whole records to
// the demultiplexer. It is the module's sole read-pump entry point: the
// codec and demux are touched only from whatever goroutine the Transport
// invokes the receiver on, matching the single-reader model of spec.md §5.
func (o *Orchestrator) onChunk(chunk []byte) {
	err := o.codec.Feed(chunk, func(d plist.Dict) {
		if dispatchErr := o.demux.Dispatch(d); dispatchErr != nil {
			o.logger.Error("protocol error, disconnecting", zap.Error(dispatchErr))
			_ = o.Disconnect()
		}
	})
	if err != nil {
		o.logger.Error("codec error, disconnecting", zap.Error(err))
		_ = o.Disconnect()
	}
}

// route is the demultiplexer's sole Listener; it fans events out to the
// dispatcher's correlation map and the registry.
func (o *Orchestrator) route(e wire.Event) {
	switch e.Type {
	case wire.MessageCorrelation:
		o.dispatch.Deliver(e)

	case wire.ReportConnectedApplicationList:
		apps := parseApplicationList(e.Params)
		for _, app := range apps {
			o.registry.UpsertApplication(app)
		}
		o.mu.Lock()
		ready := o.appListReady
		o.mu.Unlock()
		if ready != nil {
			select {
			case ready <- o.registry.Applications():
			default:
			}
		}

	case wire.ApplicationConnected, wire.ApplicationUpdated:
		app := parseApplication(e.Params)
		o.registry.UpsertApplication(app)
		o.notifyAppConnected(e)

	case wire.ApplicationDisconnected:
		app := parseApplication(e.Params)
		o.registry.RemoveApplication(app.ID)

	case wire.ForwardGetListing:
		listing, _ := e.Params["WIRListingKey"].(map[string]interface{})
		converted := make(map[string]map[string]interface{}, len(listing))
		for k, v := range listing {
			if m, ok := v.(map[string]interface{}); ok {
				converted[k] = m
			}
		}
		o.registry.SetRawListing(e.AppID, converted)

	case wire.TargetCreated:
		o.registry.AddTarget(context.Background(), e.AppID, e.Target)

	case wire.TargetDestroyed:
		targetID, _ := e.Target["targetId"].(string)
		o.registry.RemoveTarget(e.AppID, targetID)

	case wire.DidCommitProvisionalTarget:
		old, _ := e.Target["oldTargetId"].(string)
		newID, _ := e.Target["newTargetId"].(string)
		o.registry.CommitProvisionalTarget(e.AppID, old, newID)

	case wire.ConsoleEvent:
		o.registry.RecordConsoleEvent(e.AppID)

	case wire.NetworkEvent:
		o.registry.RecordNetworkEvent(e.AppID)
	}
}

func (o *Orchestrator) notifyAppConnected(e wire.Event) {
	o.mu.Lock()
	subs := o.appConnectSub
	o.mu.Unlock()
	for _, s := range subs {
		s(e)
	}
}

func parseApplicationList(params map[string]interface{}) []Application {
	dict, _ := params["WIRApplicationDictionaryKey"].(map[string]interface{})
	apps := make([]Application, 0, len(dict))
	for _, v := range dict {
		if m, ok := v.(map[string]interface{}); ok {
			apps = append(apps, applicationFromDict(m))
		}
	}
	return apps
}

func parseApplication(params map[string]interface{}) Application {
	return applicationFromDict(params)
}

func applicationFromDict(m map[string]interface{}) Application {
	app := Application{
		ID:       stringField(m, "WIRApplicationIdentifierKey"),
		BundleID: stringField(m, "WIRApplicationBundleIdentifierKey"),
		Name:     stringField(m, "WIRApplicationNameKey"),
		HostID:   stringField(m, "WIRHostApplicationIdentifierKey"),
		IsActive: boolField(m, "WIRIsApplicationActiveKey"),
		IsProxy:  boolField(m, "WIRIsApplicationProxyKey"),
	}
	if v, ok := m["WIRAutomationAvailabilityKey"].(string); ok {
		enabled := v == "WIRAutomationAvailabilityAvailable"
		switch v {
		case "WIRAutomationAvailabilityAvailable", "WIRAutomationAvailabilityUnavailable":
			app.IsAutomationEnabled = &enabled
		}
	}
	return app
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// probeCandidates builds the probe set of spec.md §4.5 step 1.
func probeCandidates(bundleIDs []string) []string {
	base := []string{
		"com.apple.WebKit.WebContent",
		"process-com.apple.WebKit.WebContent",
		"process-SafariViewService",
		"com.apple.SafariViewService",
		"*",
	}
	return append(base, bundleIDs...)
}

// SelectApp implements spec.md §4.5 selectApp. An empty bundleIDs and
// includeSafari=false still probes the base candidate set.
func (o *Orchestrator) SelectApp(ctx context.Context, bundleIDs, ignoreBundleIDs []string, includeSafari bool) (map[string]Application, error) {
	candidates := probeCandidates(bundleIDs)
	apps := o.registry.Applications()

	matched := make(map[string]Application)
	for _, probe := range candidates {
		if probe == "*" {
			for id, app := range apps {
				matched[id] = app
			}
			continue
		}
		if probe == "com.apple.SafariViewService" || probe == "process-SafariViewService" {
			if !includeSafari {
				continue
			}
		}
		for id, app := range apps {
			if strings.HasSuffix(app.BundleID, probe) {
				matched[id] = app
			}
			if app.IsProxy && app.HostID != "" {
				if host, ok := apps[app.HostID]; ok && strings.HasSuffix(host.BundleID, probe) {
					matched[id] = app
				}
			}
		}
	}

	if isIgnoredSet(matched, ignoreBundleIDs) {
		return map[string]Application{}, nil
	}

	result := make(map[string]Application)
	maxTries := o.opts.maxTries()
	interval := o.opts.retryInterval()

	for id, app := range matched {
		if contains(ignoreBundleIDs, app.BundleID) {
			continue
		}

		ok, err := o.connectCandidateWithRetry(ctx, app, maxTries, interval)
		if err != nil {
			return nil, err
		}
		if ok {
			result[id] = app
		}
	}

	return result, nil
}

func isIgnoredSet(matched map[string]Application, ignore []string) bool {
	if len(matched) == 0 {
		return false
	}
	for _, app := range matched {
		if !contains(ignore, app.BundleID) {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// connectCandidateWithRetry sends connectToApp and retries up to maxTries
// times, treating an empty page dictionary as "connection pending" and a
// concurrent _rpc_applicationConnected: for a different app as the
// NewApplicationConnected retry signal.
func (o *Orchestrator) connectCandidateWithRetry(ctx context.Context, app Application, maxTries int, interval time.Duration) (bool, error) {
	env := message.Envelope{ConnectionIdentifier: o.connectionID, ApplicationIdentifier: app.ID}

	for attempt := 0; attempt < maxTries; attempt++ {
		record, err := message.BuildMeta(message.MetaCommand{Selector: "connectToApp", Envelope: env})
		if err != nil {
			return false, err
		}
		frame, err := plist.EncodeRecord(record)
		if err != nil {
			return false, err
		}

		interrupted := make(chan string, 1)
		unsub := o.subscribeAppConnected(func(e wire.Event) {
			other := parseApplication(e.Params)
			if other.ID != app.ID {
				select {
				case interrupted <- other.ID:
				default:
				}
			}
		})

		sendErr := o.transport.Send(ctx, frame)
		listingReady := o.registry.FilteredPages(app.ID, false)
		unsub()

		if sendErr != nil {
			return false, &TransportError{Err: sendErr}
		}

		select {
		case <-interrupted:
			// NewApplicationConnected: retryable, try again.
		default:
			if len(listingReady) > 0 {
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-o.afterInterval(interval):
		}
	}

	return false, nil
}

func (o *Orchestrator) afterInterval(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		o.clock.Sleep(d)
		ch <- o.clock.Now()
	}()
	return ch
}

func (o *Orchestrator) subscribeAppConnected(fn func(wire.Event)) func() {
	o.mu.Lock()
	o.appConnectSub = append(o.appConnectSub, fn)
	idx := len(o.appConnectSub) - 1
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if idx < len(o.appConnectSub) {
			o.appConnectSub = append(o.appConnectSub[:idx], o.appConnectSub[idx+1:]...)
		}
	}
}

// SelectPage implements spec.md §4.5 selectPage: highlight flash,
// setSenderKey, wait for Target.targetCreated, then wait for the
// onPageInitialized signal.
func (o *Orchestrator) SelectPage(ctx context.Context, appID, pageID string, readiness *ReadinessDetector) error {
	env := message.Envelope{ConnectionIdentifier: o.connectionID, ApplicationIdentifier: appID, PageIdentifier: pageID}

	if err := o.sendMeta("indicateWebView", env, plist.Dict{"WIRIndicateEnabledKey": true}); err != nil {
		return err
	}
	if err := o.sendMeta("indicateWebView", env, plist.Dict{"WIRIndicateEnabledKey": false}); err != nil {
		return err
	}
	senderEnv := env
	senderEnv.SenderKey = o.connectionID
	if err := o.sendMeta("setSenderKey", senderEnv, nil); err != nil {
		return err
	}

	t := o.registry.BeginPageSelection(appID, pageID)
	timeout := o.opts.targetCreationTimeout()
	if _, err := o.registry.WaitForTarget(ctx, t, timeout); err != nil {
		o.logger.Warn("timed out waiting for target creation", zap.String("app", appID), zap.String("page", pageID))
	}

	initDone := make(chan error, 1)
	var once sync.Once
	unsub := o.registry.subscribeOnce(appID, pageID, func(err error) {
		once.Do(func() { initDone <- err })
	})
	defer unsub()

	budget := time.Duration(float64(timeout) * 1.2)
	select {
	case err := <-initDone:
		return err
	case <-time.After(budget):
		o.logger.Warn("timed out waiting for page initialization", zap.String("app", appID), zap.String("page", pageID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) sendMeta(selector string, env message.Envelope, extra plist.Dict) error {
	record, err := message.BuildMeta(message.MetaCommand{Selector: selector, Envelope: env, Extra: extra})
	if err != nil {
		return err
	}
	frame, err := plist.EncodeRecord(record)
	if err != nil {
		return err
	}
	if err := o.transport.Send(context.Background(), frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// initializeTarget runs the page-initialization sequence (simple or full)
// for a newly created or committed target, then handles pause-on-start
// (resuming a paused provisional target). It does not wait for document
// readiness; WaitForReadiness is a separate call. It is installed as the
// registry's Initializer.
func (o *Orchestrator) initializeTarget(ctx context.Context, appID, pageID, targetID string, provisional bool) error {
	env := message.Envelope{ConnectionIdentifier: o.connectionID, ApplicationIdentifier: appID, PageIdentifier: pageID}

	sequence := simpleInitSequence
	if o.opts.fullPageInit() {
		sequence = fullInitSequence
	}

	for _, method := range sequence {
		params := fullInitParams[method]
		result, err := o.dispatch.send(ctx, env, message.Command{Method: method, Params: params, TargetID: targetID}, sendOpts{AppID: appID, PageID: pageID, TargetID: targetID, WaitForResponse: true, Timeout: o.opts.sendTimeout()}, o.registry)
		if err != nil {
			if isMissingTarget(err) {
				return &TargetMissingError{Method: method, Err: err}
			}
			o.logger.Warn("initialization step failed", zap.String("method", method), zap.Error(err))
			continue
		}

		if method == "Console.getLoggingChannels" {
			o.enableVerboseLogging(ctx, env, targetID, result)
		}
	}

	if provisional {
		if o.registry.TargetPaused(appID, targetID) {
			if err := o.dispatch.fireAndForget(ctx, env, message.Command{Method: "Target.resume", TargetID: targetID}); err != nil {
				o.logger.Warn("Target.resume failed", zap.Error(err))
			} else {
				o.registry.ClearTargetPaused(appID, targetID)
			}
		}
	} else {
		if err := o.dispatch.fireAndForget(ctx, env, message.Command{Method: "Target.setPauseOnStart", Params: map[string]interface{}{"pauseOnStart": true}, TargetID: targetID}); err != nil {
			o.logger.Warn("Target.setPauseOnStart failed", zap.Error(err))
		}
	}

	return nil
}

// enableVerboseLogging implements the full sequence's dynamic follow-up
// (spec.md §4.5): for every channel Console.getLoggingChannels returned,
// send Console.setLoggingChannelLevel{source, level:"verbose"}. Best-effort;
// a malformed or missing channel list is silently skipped, and per-channel
// failures are logged only.
func (o *Orchestrator) enableVerboseLogging(ctx context.Context, env message.Envelope, targetID string, result interface{}) {
	for _, source := range loggingChannelSources(result) {
		cmd := message.Command{
			Method:   "Console.setLoggingChannelLevel",
			Params:   map[string]interface{}{"source": source, "level": "verbose"},
			TargetID: targetID,
		}
		if err := o.dispatch.fireAndForget(ctx, env, cmd); err != nil {
			o.logger.Warn("Console.setLoggingChannelLevel failed", zap.String("source", source), zap.Error(err))
		}
	}
}

// loggingChannelSources extracts the "source" field of every channel in a
// Console.getLoggingChannels result, accepting either a bare array or a
// {"channels": [...]} wrapper.
func loggingChannelSources(result interface{}) []string {
	list, ok := result.([]interface{})
	if !ok {
		m, ok := result.(map[string]interface{})
		if !ok {
			return nil
		}
		list, _ = m["channels"].([]interface{})
	}

	sources := make([]string, 0, len(list))
	for _, c := range list {
		channel, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if source, _ := channel["source"].(string); source != "" {
			sources = append(sources, source)
		}
	}
	return sources
}

func isMissingTarget(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "missing target")
}

// LaunchApplication sends the launchApplication meta-command and waits
// (bounded, like selectApp's retry loop) for a matching
// _rpc_applicationConnected:.
func (o *Orchestrator) LaunchApplication(ctx context.Context, bundleID string) error {
	env := message.Envelope{ConnectionIdentifier: o.connectionID, ApplicationIdentifier: bundleID}

	connected := make(chan struct{}, 1)
	unsub := o.subscribeAppConnected(func(e wire.Event) {
		app := parseApplication(e.Params)
		if app.BundleID == bundleID {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if err := o.sendMeta("launchApplication", env, nil); err != nil {
		return err
	}

	timeout := time.Duration(o.opts.maxTries()) * o.opts.retryInterval()
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return &TimeoutError{Op: fmt.Sprintf("launchApplication(%s)", bundleID)}
	}
}

// WaitForReadiness implements the readiness detector of spec.md §4.5:
// polls document.readyState via Runtime.evaluate until ready.Ready returns
// true or the detector's timeout is exhausted. A timeout logs a warning
// and resolves without error.
func (o *Orchestrator) WaitForReadiness(ctx context.Context, appID, pageID string, ready *ReadinessDetector) error {
	if ready == nil || ready.Ready == nil {
		return nil
	}

	env := message.Envelope{ConnectionIdentifier: o.connectionID, ApplicationIdentifier: appID, PageIdentifier: pageID}
	deadline := o.clock.Now().Add(ready.Timeout)

	for {
		remaining := deadline.Sub(o.clock.Now())
		if remaining <= 0 {
			o.logger.Warn("readiness detector timed out", zap.String("app", appID), zap.String("page", pageID))
			return nil
		}

		evalBudget := time.Duration(float64(remaining) * 0.8)
		if evalBudget < 100*time.Millisecond {
			evalBudget = 100 * time.Millisecond
		}

		result, err := o.dispatch.send(ctx, env, message.Command{
			Method: "Runtime.evaluate",
			Params: map[string]interface{}{"expression": "document.readyState"},
		}, sendOpts{AppID: appID, PageID: pageID, WaitForResponse: true, Timeout: evalBudget}, o.registry)

		if err == nil {
			if state, ok := result.(string); ok && ready.Ready(state) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.afterInterval(o.opts.readinessPollInterval()):
		}
	}
}

// Send exposes the dispatcher's request path to callers, implementing
// spec.md §4.6 end to end (target resolution, correlation, retries).
func (o *Orchestrator) Send(ctx context.Context, appID, pageID, targetID, method string, params map[string]interface{}, waitForResponse bool) (interface{}, error) {
	env := message.Envelope{ConnectionIdentifier: o.connectionID, ApplicationIdentifier: appID, PageIdentifier: pageID}
	return o.dispatch.send(ctx, env, message.Command{Method: method, Params: params, TargetID: targetID}, sendOpts{
		AppID:           appID,
		PageID:          pageID,
		TargetID:        targetID,
		WaitForResponse: waitForResponse,
		Timeout:         o.opts.sendTimeout(),
	}, o.registry)
}
