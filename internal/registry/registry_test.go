package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/adapter"
	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

type fakeSource struct {
	mu      sync.Mutex
	targets []crawler.MonitoredTarget
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeSource) ListTargets(context.Context) ([]crawler.MonitoredTarget, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets, f.err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) set(targets []crawler.MonitoredTarget, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets, f.err = targets, err
}

func newRegistry(src *fakeSource) (*Registry, *time.Time) {
	r := New(src, adapter.NewSet(nil), time.Minute, nil)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestResolve(t *testing.T) {
	t.Parallel()

	src := &fakeSource{targets: []crawler.MonitoredTarget{
		{Domain: "auctionplatform.com", AdapterType: adapter.TypeAuction, ChallengeProtected: true},
		{Domain: "www.gunshop.com", AdapterType: adapter.TypeShopify, SearchURLPattern: "https://gunshop.com/search?q={keyword}"},
		{Domain: "", OriginURL: "https://board.example.org", AdapterType: adapter.TypePhpBB},
		{Domain: "gunshop.com", AdapterType: adapter.TypeShopify},
	}}
	r, _ := newRegistry(src)
	ctx := context.Background()

	res := r.Resolve(ctx, "https://tenant.auctionplatform.com/lots/5")
	require.Equal(t, adapter.TypeAuction, res.AdapterType)
	require.Equal(t, adapter.TypeAuction, res.Adapter.Name())
	require.True(t, res.RequiresChallengeHandling)

	res = r.Resolve(ctx, "https://gunshop.com/collections/all")
	require.Equal(t, adapter.TypeShopify, res.AdapterType)
	require.Equal(t, "https://gunshop.com/search?q={keyword}", res.SearchURLPattern)

	res = r.Resolve(ctx, "http://board.example.org:8080/viewforum.php?f=2")
	require.Equal(t, adapter.TypePhpBB, res.AdapterType)

	res = r.Resolve(ctx, "https://unknown.example.net/")
	require.Equal(t, adapter.TypeGeneric, res.AdapterType)
	require.Equal(t, adapter.TypeGeneric, res.Adapter.Name())
	require.False(t, res.RequiresChallengeHandling)

	require.Equal(t, 1, src.calls)
}

func TestResolveUnknownAdapterTypeFallsBack(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(&fakeSource{targets: []crawler.MonitoredTarget{{Domain: "odd.com", AdapterType: "drupal"}}})
	require.Equal(t, adapter.TypeGeneric, r.Resolve(context.Background(), "https://odd.com").AdapterType)
}

func TestRefreshOnTTLServesStaleOnError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{targets: []crawler.MonitoredTarget{{Domain: "forum.com", AdapterType: adapter.TypeXenForo}}}
	r, now := newRegistry(src)
	ctx := context.Background()

	require.Equal(t, adapter.TypeXenForo, r.Resolve(ctx, "https://forum.com").AdapterType)

	src.set([]crawler.MonitoredTarget{{Domain: "forum.com", AdapterType: adapter.TypePhpBB}}, nil)
	*now = now.Add(30 * time.Second)
	require.Equal(t, adapter.TypeXenForo, r.Resolve(ctx, "https://forum.com").AdapterType)

	*now = now.Add(time.Minute)
	require.Equal(t, adapter.TypePhpBB, r.Resolve(ctx, "https://forum.com").AdapterType)

	src.set(nil, errors.New("db down"))
	*now = now.Add(2 * time.Minute)
	require.Equal(t, adapter.TypePhpBB, r.Resolve(ctx, "https://forum.com").AdapterType)
	require.Equal(t, 3, src.calls)
}

func TestLookupChain(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a.b.shop.co.uk", "b.shop.co.uk", "shop.co.uk"}, lookupChain("a.b.shop.co.uk"))
	require.Equal(t, []string{"shop.com"}, lookupChain("shop.com"))
	require.Equal(t, []string{"localhost"}, lookupChain("localhost"))
	require.Nil(t, lookupChain(""))
}

func TestResolveConcurrentMissesShareOneRefresh(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		targets: []crawler.MonitoredTarget{{Domain: "gunshop.com", AdapterType: adapter.TypeShopify}},
		block:   make(chan struct{}),
	}
	r, _ := newRegistry(src)

	const callers = 8
	types := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			types <- r.Resolve(context.Background(), "https://gunshop.com/").AdapterType
		}()
	}
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()
	close(types)

	for typ := range types {
		require.Equal(t, adapter.TypeShopify, typ)
	}
	require.Equal(t, 1, src.callCount())
}

func TestResolveCanceledCallerDoesNotAbortRefresh(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		targets: []crawler.MonitoredTarget{{Domain: "gunshop.com", AdapterType: adapter.TypeShopify}},
		block:   make(chan struct{}),
	}
	r, _ := newRegistry(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() { done <- r.Resolve(ctx, "https://gunshop.com/").AdapterType }()
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.Equal(t, adapter.TypeGeneric, <-done)

	close(src.block)
	require.Eventually(t, func() bool {
		return r.Resolve(context.Background(), "https://gunshop.com/").AdapterType == adapter.TypeShopify
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, src.callCount())
}
