package inspector

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appiumwir/webinspector/clock"
)

// Application is the materialized view of one WIRApplicationDictionaryKey
// entry, per spec.md §3. IsAutomationEnabled is tri-state: nil means
// WIRAutomationAvailabilityUnknown.
type Application struct {
	ID                  string
	BundleID            string
	Name                string
	HostID              string
	IsActive            bool
	IsProxy             bool
	IsAutomationEnabled *bool
}

// Page is one entry from a WIRListingKey dictionary. Only WIRTypeWeb,
// WIRTypeWebPage and WIRTypePage survive the registry's listing filter.
type Page struct {
	ID    string
	Title string
	URL   string
	IsKey bool
	Type  string
}

// Target is the Web Inspector's session handle for a page, frame, or
// worker.
type Target struct {
	ID            string
	Kind          string
	IsProvisional bool
	IsPaused      bool
}

// pageTypeWhitelist names the WIRTypeKey values a listing surfaces; all
// others (e.g. WIRTypeJavaScript) are filtered out per spec.md §3/E5.
var pageTypeWhitelist = map[string]bool{
	"WIRTypeWeb":     true,
	"WIRTypeWebPage": true,
	"WIRTypePage":    true,
}

// provisional records an in-flight provisional-target handover for one app.
// Per spec.md §4.4 at most one may be outstanding; a second arrival
// supersedes the first with a logged warning.
type provisional struct {
	old, new string
	page     string
}

// pageSlot is the per-page state the registry serializes access to: the
// live target bound to the page and the mutex that bounds concurrent
// selectPage/initialization work for it.
type pageSlot struct {
	mu       sync.Mutex
	lockedAt time.Time
	page     Page
	target   string
	ticket   *ticket
}

// ticket is the "pending-target ticket" of spec.md §3: while selectPage is
// in flight, an incoming Target.targetCreated consumes it only if the type
// is "page" and the app matches.
type ticket struct {
	app, page string
	resolved  chan struct{}
	once      sync.Once
	target    string
}

func newTicket(app, page string) *ticket {
	return &ticket{app: app, page: page, resolved: make(chan struct{})}
}

func (t *ticket) resolve(targetID string) {
	t.once.Do(func() {
		t.target = targetID
		close(t.resolved)
	})
}

// appEntry is one application's slice of the app→page→target map.
type appEntry struct {
	app         Application
	pages       map[string]*pageSlot
	provisional *provisional
	consoleCnt  uint64
	networkCnt  uint64
	rawListing  map[string]map[string]interface{}

	// targets tracks per-target state (kind, provisional/paused flags) by
	// targetId, independent of which page (if any) currently holds the
	// live edge to it.
	targets map[string]*Target
}

// Initializer performs the page-initialization protocol exchange (§4.5) for
// a newly created or committed target. The registry calls it under the
// owning page's mutex so concurrent selectPage calls for the same page
// serialize. It returns TargetMissingError when the target was destroyed
// mid-initialization.
type Initializer func(ctx context.Context, app, page, targetID string, provisional bool) error

// Registry maintains the app→page→target object graph and the per-page
// locks that serialize initialization: a visitor-map keyed by (app, page)
// rather than a single flat id.
type Registry struct {
	mu      sync.RWMutex
	apps    map[string]*appEntry
	clock   clock.Interface
	maxHold time.Duration
	logger  *zap.Logger

	initializer       Initializer
	onPageInitialized []func(app, page string, err error)
}

// NewRegistry constructs an empty Registry. A nil clock defaults to the
// system clock; a nil logger disables logging.
func NewRegistry(clk clock.Interface, maxHold time.Duration, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		apps:    make(map[string]*appEntry),
		clock:   clk,
		maxHold: maxHold,
		logger:  logger,
	}
}

// SetInitializer installs the callback run for every newly bound target.
func (r *Registry) SetInitializer(fn Initializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initializer = fn
}

// OnPageInitialized subscribes to the internal signal selectPage waits on.
func (r *Registry) OnPageInitialized(fn func(app, page string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPageInitialized = append(r.onPageInitialized, fn)
}

func (r *Registry) publishInitialized(app, page string, err error) {
	r.mu.RLock()
	listeners := r.onPageInitialized
	r.mu.RUnlock()
	for _, l := range listeners {
		l(app, page, err)
	}
}

// subscribeOnce registers a listener that fires only for the named (app,
// page) pair's next initialization completion, then unregisters itself.
// The returned func removes the listener early, for callers that give up
// waiting.
func (r *Registry) subscribeOnce(app, page string, fn func(err error)) func() {
	var once sync.Once
	var unsub func()

	listener := func(a, p string, err error) {
		if a != app || p != page {
			return
		}
		once.Do(func() {
			fn(err)
			unsub()
		})
	}

	r.mu.Lock()
	r.onPageInitialized = append(r.onPageInitialized, listener)
	idx := len(r.onPageInitialized) - 1
	r.mu.Unlock()

	unsub = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if idx < len(r.onPageInitialized) {
			// replaced, not spliced out: splicing would shift the indices
			// other subscribeOnce listeners captured.
			r.onPageInitialized[idx] = func(string, string, error) {}
		}
	}
	return unsub
}

func (r *Registry) entry(app string) *appEntry {
	e, ok := r.apps[app]
	if !ok {
		e = &appEntry{pages: make(map[string]*pageSlot)}
		r.apps[app] = e
	}
	return e
}

func (r *Registry) slot(app, page string) *pageSlot {
	e := r.entry(app)
	s, ok := e.pages[page]
	if !ok {
		s = &pageSlot{}
		e.pages[page] = s
	}
	return s
}

// UpsertApplication materializes or replaces an application record, per
// _rpc_reportConnectedApplicationList:/_rpc_applicationConnected:/
// _rpc_applicationUpdated:.
func (r *Registry) UpsertApplication(app Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(app.ID)
	e.app = app
}

// RemoveApplication drops every record for an app, per
// _rpc_applicationDisconnected:.
func (r *Registry) RemoveApplication(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, appID)
}

// Applications returns a snapshot of every known application, keyed by ID.
// Invariant 7: an empty connectToApp page dictionary never mutates an
// existing entry of this table, since SetListing replaces only an entry's
// pages, never its Application record. A listing for an app ID with no
// entry yet adds one whose Application is the zero value.
func (r *Registry) Applications() map[string]Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Application, len(r.apps))
	for id, e := range r.apps {
		out[id] = e.app
	}
	return out
}

// Application looks up one record and returns it as stored; a proxy's
// HostID is not resolved here (a dangling HostID is silently skipped by
// the caller).
func (r *Registry) Application(appID string) (Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[appID]
	if !ok {
		return Application{}, false
	}
	return e.app, true
}

// FilterListing applies the page-type whitelist (E5) and, optionally, drops
// about:blank entries. It does not mutate the registry; callers that want
// the filtered view stored call SetListing.
func FilterListing(listing map[string]map[string]interface{}, ignoreAboutBlank bool) []Page {
	pages := make([]Page, 0, len(listing))
	for _, raw := range listing {
		typ, _ := raw["WIRTypeKey"].(string)
		if !pageTypeWhitelist[typ] {
			continue
		}
		id, _ := raw["WIRPageIdentifierKey"].(string)
		if id == "" {
			if n, ok := raw["WIRPageIdentifierKey"].(int64); ok {
				id = itoa(n)
			} else if n, ok := raw["WIRPageIdentifierKey"].(uint64); ok {
				id = itoa(int64(n))
			}
		}
		url, _ := raw["WIRURLKey"].(string)
		if ignoreAboutBlank && url == "about:blank" {
			continue
		}
		pages = append(pages, Page{
			ID:    id,
			Title: stringOrEmpty(raw["WIRTitleKey"]),
			URL:   url,
			IsKey: boolOrFalse(raw["WIRConnectionIdentifierKey"]),
			Type:  typ,
		})
	}
	sortPagesByID(pages)
	return pages
}

func stringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

func boolOrFalse(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func sortPagesByID(pages []Page) {
	// insertion sort: listings are small (single digits to low hundreds
	// of pages), and ids are numeric strings of varying width, so a
	// numeric-aware comparison is simplest written by hand.
	for i := 1; i < len(pages); i++ {
		for j := i; j > 0 && pageIDLess(pages[j].ID, pages[j-1].ID); j-- {
			pages[j], pages[j-1] = pages[j-1], pages[j]
		}
	}
}

func pageIDLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// SetListing replaces the known pages for an app with a freshly filtered
// listing (spec.md §3: "Listings arrive as whole dictionaries; the
// registry replaces, never merges"). Existing target bindings and pending
// tickets for page ids that persist across the replace are preserved.
func (r *Registry) SetListing(app string, pages []Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(app)
	replaced := make(map[string]*pageSlot, len(pages))
	for _, p := range pages {
		s, ok := e.pages[p.ID]
		if !ok {
			s = &pageSlot{}
		}
		s.page = p
		replaced[p.ID] = s
	}
	e.pages = replaced
}

// SetRawListing stores the unfiltered WIRListingKey dictionary and applies
// the default (ignoreAboutBlank=false) filtered view via SetListing. Use
// FilteredPages for the ignoreAboutBlankUrl=true variant (E5).
func (r *Registry) SetRawListing(app string, listing map[string]map[string]interface{}) {
	r.mu.Lock()
	r.entry(app).rawListing = listing
	r.mu.Unlock()
	r.SetListing(app, FilterListing(listing, false))
}

// FilteredPages re-applies FilterListing to the last raw listing received
// for an app, honoring ignoreAboutBlankUrl independent of what SetListing
// last stored.
func (r *Registry) FilteredPages(app string, ignoreAboutBlank bool) []Page {
	r.mu.RLock()
	e, ok := r.apps[app]
	r.mu.RUnlock()
	if !ok || e.rawListing == nil {
		return nil
	}
	return FilterListing(e.rawListing, ignoreAboutBlank)
}

// Pages returns the current listing for an app, ordered by page id.
func (r *Registry) Pages(app string) []Page {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[app]
	if !ok {
		return nil
	}
	out := make([]Page, 0, len(e.pages))
	for _, s := range e.pages {
		out = append(out, s.page)
	}
	sortPagesByID(out)
	return out
}

// BeginPageSelection records a pending-target ticket for (app, page),
// reusing any ticket already pending for that pair.
func (r *Registry) BeginPageSelection(app, page string) *ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(app, page)
	if s.ticket == nil {
		s.ticket = newTicket(app, page)
	}
	return s.ticket
}

// WaitForTarget blocks until the ticket resolves, the context is done, or
// timeout elapses, per selectPage step 3 (bounded by
// max(pageLoadMs, 30s), polled every 100ms in the source; here a direct
// channel wait is used since Go has no cooperative-yield requirement).
func (r *Registry) WaitForTarget(ctx context.Context, t *ticket, timeout time.Duration) (string, error) {
	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.resolved:
		return t.target, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C():
		return "", &TimeoutError{Op: "target creation"}
	}
}

// AddTarget implements registry.add(app, info) from spec.md §4.4. info is
// the target info of a Target.targetCreated event (wire.Event.Target:
// params.targetInfo, or the params themselves when they carry no
// targetInfo). A non-page kind is logged
// and ignored (invariant 5); a missing id is ignored; provisional targets
// begin provisional handling instead of writing the live edge. On success
// it spawns the initialization job under the page's mutex and reports
// completion via OnPageInitialized.
func (r *Registry) AddTarget(ctx context.Context, app string, info map[string]interface{}) {
	targetID, _ := info["targetId"].(string)
	if targetID == "" {
		r.logger.Debug("ignoring targetCreated with no targetId", zap.String("app", app))
		return
	}

	kind, _ := info["type"].(string)
	isProvisional, _ := info["isProvisional"].(bool)
	isPaused, _ := info["paused"].(bool)

	r.mu.Lock()
	e := r.entry(app)
	var (
		s      *pageSlot
		pageID string
	)

	// Per spec.md §4.4 the filter is unconditional ("info.type != 'page'")
	// for a regular target. A provisional Target.targetCreated commonly
	// omits "type" entirely until its eventual didCommitProvisionalTarget,
	// so that check is skipped for provisional targets; the kind is not
	// checked again when the target commits.
	if !isProvisional && kind != "page" {
		r.logger.Debug("ignoring non-page target", zap.String("app", app), zap.String("kind", kind), zap.String("target", targetID))
		r.mu.Unlock()
		return
	}

	if e.targets == nil {
		e.targets = make(map[string]*Target)
	}
	e.targets[targetID] = &Target{ID: targetID, Kind: kind, IsProvisional: isProvisional, IsPaused: isPaused}

	if isProvisional {
		var supersededErr error
		if e.provisional != nil {
			r.logger.Warn("second provisional target arrived before first committed",
				zap.String("app", app), zap.String("supersededTarget", e.provisional.new))
			supersededErr = &ProvisionalSupersededError{App: app, SupersededTarget: e.provisional.new, NewTarget: targetID}
		}
		// A provisional target does not consume a page-selection
		// ticket by itself; it is recorded so a later
		// didCommitProvisionalTarget can perform the rewrite.
		e.provisional = &provisional{new: targetID}
		r.mu.Unlock()

		if supersededErr != nil {
			r.publishInitialized(app, "", supersededErr)
		}
		r.runInit(ctx, app, "", targetID, true)
		return
	}

	// consume a pending ticket, if any, for whichever page is waiting.
	for pid, slot := range e.pages {
		if slot.ticket != nil {
			pageID = pid
			s = slot
			break
		}
	}
	if s == nil {
		r.logger.Debug("targetCreated with no pending page-selection ticket", zap.String("app", app), zap.String("target", targetID))
		r.mu.Unlock()
		return
	}

	if s.target != "" && s.target != targetID {
		r.logger.Warn("targetCreated overwrote an existing page target",
			zap.String("app", app), zap.String("page", pageID), zap.String("old", s.target), zap.String("new", targetID))
	}
	s.target = targetID
	t := s.ticket
	s.ticket = nil
	r.mu.Unlock()

	if t != nil {
		t.resolve(targetID)
	}
	r.runInit(ctx, app, pageID, targetID, false)
}

func (r *Registry) runInit(ctx context.Context, app, page, targetID string, provisional bool) {
	r.mu.RLock()
	init := r.initializer
	r.mu.RUnlock()

	if init == nil {
		r.publishInitialized(app, page, nil)
		return
	}

	go func() {
		s := r.lockPage(app, page)
		defer r.unlockPage(s)

		err := init(ctx, app, page, targetID, provisional)
		r.publishInitialized(app, page, err)
	}()
}

func (r *Registry) lockPage(app, page string) *pageSlot {
	r.mu.Lock()
	s := r.slot(app, page)
	r.mu.Unlock()

	s.mu.Lock()
	s.lockedAt = r.clock.Now()
	return s
}

func (r *Registry) unlockPage(s *pageSlot) {
	if held := r.clock.Now().Sub(s.lockedAt); held > r.maxHold {
		r.logger.Warn("page lock held past configured maximum", zap.Duration("held", held), zap.Duration("max", r.maxHold))
	}
	s.mu.Unlock()
}

// CommitProvisionalTarget implements registry.commit({old,new}): it records
// the handover so the subsequent targetDestroyed(old) can rewrite the page
// edge atomically.
func (r *Registry) CommitProvisionalTarget(app, old, new string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(app)
	for pageID, s := range e.pages {
		if s.target == old {
			e.provisional = &provisional{old: old, new: new, page: pageID}
			return
		}
	}
	// the provisional might not have been adopted as a page target yet;
	// record it anyway so RemoveTarget can still find the page once the
	// provisional itself becomes the live target first.
	e.provisional = &provisional{old: old, new: new}
}

// RemoveTarget implements registry.remove(info): if the removed target is
// the "old" side of a pending provisional commit, the page that pointed at
// it is rewritten to "new" (invariant 6); otherwise the edge is simply
// dropped.
func (r *Registry) RemoveTarget(app, targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.apps[app]
	if !ok {
		return
	}

	if e.provisional != nil && e.provisional.old == targetID {
		newTarget := e.provisional.new
		pageID := e.provisional.page
		if pageID != "" {
			if s, ok := e.pages[pageID]; ok {
				s.target = newTarget
			}
		} else {
			for _, s := range e.pages {
				if s.target == "" {
					s.target = newTarget
					break
				}
			}
		}
		e.provisional = nil
		return
	}

	for pageID, s := range e.pages {
		if s.target == targetID {
			s.target = ""
			_ = pageID
			return
		}
	}
	r.logger.Debug("removeTarget for unknown target", zap.String("app", app), zap.String("target", targetID))
}

// TargetFor returns the target currently bound to (app, page), if any.
func (r *Registry) TargetFor(app, page string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[app]
	if !ok {
		return "", false
	}
	s, ok := e.pages[page]
	if !ok || s.target == "" {
		return "", false
	}
	return s.target, true
}

// TargetPaused reports whether targetID is currently recorded as paused,
// per the Target.targetCreated info's "paused" field (spec.md §4.5 step 1:
// a provisional target that came up paused needs a Target.resume once its
// initialization completes).
func (r *Registry) TargetPaused(app, targetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[app]
	if !ok {
		return false
	}
	t, ok := e.targets[targetID]
	if !ok {
		return false
	}
	return t.IsPaused
}

// ClearTargetPaused marks targetID as resumed, once Target.resume has been
// sent for it.
func (r *Registry) ClearTargetPaused(app, targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.apps[app]
	if !ok {
		return
	}
	if t, ok := e.targets[targetID]; ok {
		t.IsPaused = false
	}
}

// RecordConsoleEvent and RecordNetworkEvent maintain per-application
// diagnostic aggregate counters for console and network activity.
func (r *Registry) RecordConsoleEvent(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(app).consoleCnt++
}

func (r *Registry) RecordNetworkEvent(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(app).networkCnt++
}

// EventCounts returns the aggregate Console/Network event counts recorded
// for an app, for diagnostic surfacing without re-deriving them from logs.
func (r *Registry) EventCounts(app string) (console, network uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[app]
	if !ok {
		return 0, 0
	}
	return e.consoleCnt, e.networkCnt
}

// SeenAboutBlank reports whether a URL should be dropped under
// ignoreAboutBlankUrl, exposed for callers building their own listings
// outside of FilterListing.
func SeenAboutBlank(url string) bool {
	return strings.EqualFold(url, "about:blank")
}
