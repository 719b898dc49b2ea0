package inspector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterListingWhitelistsPageTypes(t *testing.T) {
	listing := map[string]map[string]interface{}{
		"1": {"WIRTypeKey": "WIRTypeWeb", "WIRPageIdentifierKey": "1", "WIRURLKey": "https://example.com"},
		"2": {"WIRTypeKey": "WIRTypeJavaScript", "WIRPageIdentifierKey": "2"},
		"3": {"WIRTypeKey": "WIRTypePage", "WIRPageIdentifierKey": "3", "WIRURLKey": "about:blank"},
	}

	pages := FilterListing(listing, false)
	require.Len(t, pages, 2)
	assert.Equal(t, "1", pages[0].ID)
	assert.Equal(t, "3", pages[1].ID)
}

func TestFilterListingIgnoresAboutBlankWhenRequested(t *testing.T) {
	listing := map[string]map[string]interface{}{
		"1": {"WIRTypeKey": "WIRTypeWeb", "WIRPageIdentifierKey": "1", "WIRURLKey": "https://example.com"},
		"2": {"WIRTypeKey": "WIRTypeWebPage", "WIRPageIdentifierKey": "2", "WIRURLKey": "about:blank"},
	}

	pages := FilterListing(listing, true)
	require.Len(t, pages, 1)
	assert.Equal(t, "1", pages[0].ID)
}

func TestSetRawListingAndFilteredPagesAgreeOnDefault(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	listing := map[string]map[string]interface{}{
		"1": {"WIRTypeKey": "WIRTypeWeb", "WIRPageIdentifierKey": "1", "WIRURLKey": "about:blank"},
	}
	r.SetRawListing("app1", listing)

	assert.Len(t, r.Pages("app1"), 1)
	assert.Len(t, r.FilteredPages("app1", false), 1)
	assert.Len(t, r.FilteredPages("app1", true), 0)
}

func TestAddTargetConsumesPendingTicketAndRunsInitializer(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)

	var mu sync.Mutex
	var initialized []string
	r.SetInitializer(func(ctx context.Context, app, page, targetID string, provisional bool) error {
		mu.Lock()
		initialized = append(initialized, targetID)
		mu.Unlock()
		return nil
	})

	done := make(chan struct{}, 1)
	r.OnPageInitialized(func(app, page string, err error) {
		done <- struct{}{}
	})

	tkt := r.BeginPageSelection("app1", "page1")
	r.AddTarget(context.Background(), "app1", map[string]interface{}{
		"targetId": "target-1",
		"type":     "page",
	})

	target, err := r.WaitForTarget(context.Background(), tkt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "target-1", target)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("initializer never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"target-1"}, initialized)

	got, ok := r.TargetFor("app1", "page1")
	assert.True(t, ok)
	assert.Equal(t, "target-1", got)
}

func TestAddTargetIgnoresNonPageKind(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	tkt := r.BeginPageSelection("app1", "page1")

	r.AddTarget(context.Background(), "app1", map[string]interface{}{
		"targetId": "worker-1",
		"type":     "worker",
	})

	select {
	case <-tkt.resolved:
		t.Fatal("ticket should not resolve for a non-page target")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddTargetIgnoresMissingTargetID(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	tkt := r.BeginPageSelection("app1", "page1")

	r.AddTarget(context.Background(), "app1", map[string]interface{}{"type": "page"})

	select {
	case <-tkt.resolved:
		t.Fatal("ticket should not resolve without a targetId")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommitProvisionalTargetThenRemoveRewritesPageEdge(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	r.SetListing("app1", []Page{{ID: "page1"}})

	r.mu.Lock()
	r.apps["app1"].pages["page1"].target = "old-target"
	r.mu.Unlock()

	r.CommitProvisionalTarget("app1", "old-target", "new-target")
	r.RemoveTarget("app1", "old-target")

	got, ok := r.TargetFor("app1", "page1")
	require.True(t, ok)
	assert.Equal(t, "new-target", got)
}

func TestRemoveTargetWithoutProvisionalClearsEdge(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	r.SetListing("app1", []Page{{ID: "page1"}})
	r.mu.Lock()
	r.apps["app1"].pages["page1"].target = "target-1"
	r.mu.Unlock()

	r.RemoveTarget("app1", "target-1")

	_, ok := r.TargetFor("app1", "page1")
	assert.False(t, ok)
}

func TestSecondProvisionalSupersedesFirstWithoutPanicking(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	r.SetInitializer(func(ctx context.Context, app, page, targetID string, provisional bool) error { return nil })

	r.AddTarget(context.Background(), "app1", map[string]interface{}{"targetId": "prov-1", "type": "page", "isProvisional": true})
	r.AddTarget(context.Background(), "app1", map[string]interface{}{"targetId": "prov-2", "type": "page", "isProvisional": true})

	r.mu.RLock()
	prov := r.apps["app1"].provisional
	r.mu.RUnlock()
	require.NotNil(t, prov)
	assert.Equal(t, "prov-2", prov.new)
}

func TestSecondProvisionalReportsSupersededErrorForTheFirst(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	r.SetInitializer(func(ctx context.Context, app, page, targetID string, provisional bool) error { return nil })

	var mu sync.Mutex
	var errs []error
	r.OnPageInitialized(func(app, page string, err error) {
		if app == "app1" && page == "" {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	})

	r.AddTarget(context.Background(), "app1", map[string]interface{}{"targetId": "prov-1", "isProvisional": true})
	r.AddTarget(context.Background(), "app1", map[string]interface{}{"targetId": "prov-2", "isProvisional": true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range errs {
			if e != nil {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var supersededErr *ProvisionalSupersededError
	found := false
	for _, e := range errs {
		if errors.As(e, &supersededErr) {
			found = true
			assert.True(t, errors.Is(e, ErrProvisionalSuperseded))
			assert.Equal(t, "prov-1", supersededErr.SupersededTarget)
			assert.Equal(t, "prov-2", supersededErr.NewTarget)
		}
	}
	assert.True(t, found, "expected a ProvisionalSupersededError for the first provisional target")
}

func TestEventCountsAggregatePerApp(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	r.RecordConsoleEvent("app1")
	r.RecordConsoleEvent("app1")
	r.RecordNetworkEvent("app1")

	console, network := r.EventCounts("app1")
	assert.Equal(t, uint64(2), console)
	assert.Equal(t, uint64(1), network)
}

func TestApplicationsSnapshotIgnoresEmptyConnectToAppListing(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)
	r.UpsertApplication(Application{ID: "app1", BundleID: "com.example.app"})
	r.SetRawListing("app1", map[string]map[string]interface{}{})

	apps := r.Applications()
	require.Len(t, apps, 1)
	assert.Equal(t, "com.example.app", apps["app1"].BundleID)
	assert.Empty(t, r.Pages("app1"))
}

func TestSubscribeOnceFiresExactlyOnceForMatchingPage(t *testing.T) {
	r := NewRegistry(nil, time.Second, nil)

	var calls int
	var mu sync.Mutex
	unsub := r.subscribeOnce("app1", "page1", func(err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer unsub()

	r.publishInitialized("app1", "page2", nil)
	r.publishInitialized("app1", "page1", nil)
	r.publishInitialized("app1", "page1", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
