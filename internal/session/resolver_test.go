package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

type memSessions struct {
	mu      sync.Mutex
	data    map[string]crawler.Session
	deletes int
}

func newMemSessions() *memSessions {
	return &memSessions{data: make(map[string]crawler.Session)}
}

func (m *memSessions) GetSession(_ context.Context, domain string) (crawler.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[domain]
	return s, ok, nil
}

func (m *memSessions) PutSession(_ context.Context, s crawler.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.Domain] = s
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.data, domain)
	return nil
}

type fakeAuth struct {
	value string
	err   error
	calls int
}

func (a *fakeAuth) Login(context.Context, crawler.MonitoredTarget) (crawler.Session, error) {
	a.calls++
	if a.err != nil {
		return crawler.Session{}, a.err
	}
	return crawler.Session{Value: a.value, ExpiresAt: now.Add(time.Hour)}, nil
}

type fakeValidator struct {
	valid bool
	err   error
	calls int
}

func (v *fakeValidator) Valid(context.Context, crawler.MonitoredTarget, crawler.Session) (bool, error) {
	v.calls++
	return v.valid, v.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)

var forum = crawler.MonitoredTarget{ID: "t1", Domain: "www.forum.com", OriginURL: "https://forum.com", RequiresAuth: true}

func TestResolveNoAuthNeeded(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{value: "x"}
	r := NewResolver(newMemSessions(), auth, nil, fixedClock{now}, nil)
	got, err := r.Resolve(context.Background(), crawler.MonitoredTarget{Domain: "shop.com"})
	require.NoError(t, err)
	require.Empty(t, got)
	require.Zero(t, auth.calls)
}

func TestResolveReusesValidSession(t *testing.T) {
	t.Parallel()

	store := newMemSessions()
	store.data["forum.com"] = crawler.Session{Domain: "forum.com", Value: "xf_session=abc", ExpiresAt: now.Add(time.Hour)}
	auth := &fakeAuth{value: "new"}
	validator := &fakeValidator{valid: true}
	r := NewResolver(store, auth, validator, fixedClock{now}, nil)

	got, err := r.Resolve(context.Background(), forum)
	require.NoError(t, err)
	require.Equal(t, "xf_session=abc", got)
	require.Equal(t, 1, validator.calls)
	require.Zero(t, auth.calls)
}

func TestResolveReauthenticatesInvalidOrExpired(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		session   crawler.Session
		validator *fakeValidator
	}{
		"rejected": {crawler.Session{Domain: "forum.com", Value: "old", ExpiresAt: now.Add(time.Hour)}, &fakeValidator{valid: false}},
		"errored":  {crawler.Session{Domain: "forum.com", Value: "old", ExpiresAt: now.Add(time.Hour)}, &fakeValidator{err: errors.New("timeout")}},
		"expired":  {crawler.Session{Domain: "forum.com", Value: "old", ExpiresAt: now.Add(-time.Minute)}, &fakeValidator{valid: true}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := newMemSessions()
			store.data["forum.com"] = tc.session
			auth := &fakeAuth{value: "fresh=1"}
			r := NewResolver(store, auth, tc.validator, fixedClock{now}, nil)

			got, err := r.Resolve(context.Background(), forum)
			require.NoError(t, err)
			require.Equal(t, "fresh=1", got)
			require.Equal(t, 1, auth.calls)
			require.Equal(t, "fresh=1", store.data["forum.com"].Value)
		})
	}
}

func TestResolveLoginFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad password")
	r := NewResolver(newMemSessions(), &fakeAuth{err: boom}, nil, fixedClock{now}, nil)
	_, err := r.Resolve(context.Background(), forum)
	require.ErrorIs(t, err, ErrLoginFailed)
	require.ErrorIs(t, err, boom)

	r = NewResolver(newMemSessions(), &fakeAuth{value: ""}, nil, fixedClock{now}, nil)
	_, err = r.Resolve(context.Background(), forum)
	require.ErrorIs(t, err, ErrLoginFailed)

	r = NewResolver(newMemSessions(), nil, nil, fixedClock{now}, nil)
	_, err = r.Resolve(context.Background(), forum)
	require.ErrorIs(t, err, ErrLoginFailed)
}

func TestInvalidateForcesLogin(t *testing.T) {
	t.Parallel()

	store := newMemSessions()
	store.data["forum.com"] = crawler.Session{Domain: "forum.com", Value: "old", ExpiresAt: now.Add(time.Hour)}
	auth := &fakeAuth{value: "fresh=2"}
	r := NewResolver(store, auth, nil, fixedClock{now}, nil)

	require.NoError(t, r.Invalidate(context.Background(), forum))
	require.Equal(t, 1, store.deletes)

	got, err := r.Resolve(context.Background(), forum)
	require.NoError(t, err)
	require.Equal(t, "fresh=2", got)
	require.Equal(t, 1, auth.calls)
}

type pageFetcher struct {
	body   string
	cookie string
}

func (p *pageFetcher) Fetch(_ context.Context, _ string, cookies string) (string, error) {
	p.cookie = cookies
	return p.body, nil
}

func TestPageValidator(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{body: `<ul class="topiclist"><li class="row">thread</li></ul>`}
	ok, err := PageValidator{Fetcher: f}.Valid(context.Background(), forum, crawler.Session{Value: "sid=1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sid=1", f.cookie)

	f.body = `<form action="/ucp.php?mode=login"><input type="password" name="password"></form>`
	ok, err = PageValidator{Fetcher: f}.Valid(context.Background(), forum, crawler.Session{Value: "sid=1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCredentialClientLogin(t *testing.T) {
	t.Parallel()

	expires := now.Add(6 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/login" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(loginResponse{Error: "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(loginResponse{Cookie: "xf_user=" + req.Username, ExpiresAt: &expires})
	}))
	defer srv.Close()

	client := NewCredentialClient(srv.URL+"/", srv.Client(), fixedClock{now})
	target := forum
	target.Username, target.Password = "bob", "hunter2"
	s, err := client.Login(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "xf_user=bob", s.Value)
	require.Equal(t, "forum.com", s.Domain)
	require.True(t, expires.Equal(s.ExpiresAt))

	target.Password = "wrong"
	_, err = client.Login(context.Background(), target)
	require.ErrorContains(t, err, "invalid credentials")
}
