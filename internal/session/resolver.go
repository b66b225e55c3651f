// Package session supplies authenticated cookies for targets behind a login.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/detect"
)

// ErrLoginFailed wraps every failure to obtain a fresh session.
var ErrLoginFailed = errors.New("login failed")

// Authenticator logs in to a target and returns the resulting session.
type Authenticator interface {
	Login(ctx context.Context, target crawler.MonitoredTarget) (crawler.Session, error)
}

// Validator checks whether a cached session still grants access.
type Validator interface {
	Valid(ctx context.Context, target crawler.MonitoredTarget, s crawler.Session) (bool, error)
}

// Resolver returns a usable session cookie for a target, reusing the cached
// one while it validates and logging in again otherwise.
type Resolver struct {
	store     crawler.SessionStore
	auth      Authenticator
	validator Validator
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewResolver builds a Resolver. validator may be nil to trust unexpired sessions.
func NewResolver(store crawler.SessionStore, auth Authenticator, validator Validator, clock crawler.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, auth: auth, validator: validator, clock: clock, logger: logger.Named("session")}
}

// Resolve returns the cookie header value for target, or "" when the target
// needs no authentication.
func (r *Resolver) Resolve(ctx context.Context, target crawler.MonitoredTarget) (string, error) {
	if !target.RequiresAuth {
		return "", nil
	}
	domain := crawler.DomainKey(target.Domain)
	if domain == "" {
		domain = crawler.Hostname(target.OriginURL)
	}
	logger := r.logger.With(zap.String("domain", domain), zap.String("target_id", target.ID))

	if cached, ok := r.cached(ctx, domain, logger); ok {
		valid := true
		if r.validator != nil {
			v, err := r.validator.Valid(ctx, target, cached)
			if err != nil {
				logger.Warn("session validation failed", zap.Error(err))
			}
			valid = err == nil && v
		}
		if valid {
			return cached.Value, nil
		}
		if err := r.store.DeleteSession(ctx, domain); err != nil {
			logger.Warn("delete stale session failed", zap.Error(err))
		}
	}

	if r.auth == nil {
		return "", fmt.Errorf("%w: %s: no authenticator configured", ErrLoginFailed, domain)
	}
	fresh, err := r.auth.Login(ctx, target)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrLoginFailed, domain, err)
	}
	if fresh.Value == "" {
		return "", fmt.Errorf("%w: %s: empty session", ErrLoginFailed, domain)
	}
	fresh.Domain = domain
	if err := r.store.PutSession(ctx, fresh); err != nil {
		logger.Warn("cache session failed", zap.Error(err))
	}
	logger.Info("session established")
	return fresh.Value, nil
}

// Invalidate drops the cached session for target so the next Resolve logs in again.
func (r *Resolver) Invalidate(ctx context.Context, target crawler.MonitoredTarget) error {
	domain := crawler.DomainKey(target.Domain)
	if domain == "" {
		domain = crawler.Hostname(target.OriginURL)
	}
	if err := r.store.DeleteSession(ctx, domain); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *Resolver) cached(ctx context.Context, domain string, logger *zap.Logger) (crawler.Session, bool) {
	s, ok, err := r.store.GetSession(ctx, domain)
	if err != nil {
		logger.Warn("session lookup failed", zap.Error(err))
		return crawler.Session{}, false
	}
	if !ok || s.Value == "" {
		return crawler.Session{}, false
	}
	if !s.ExpiresAt.IsZero() && !r.clock.Now().Before(s.ExpiresAt) {
		return crawler.Session{}, false
	}
	return s, true
}

// PageValidator treats a session as valid when the target page renders
// without a login wall.
type PageValidator struct {
	Fetcher crawler.Fetcher
}

// Valid fetches the target origin with the session cookie.
func (v PageValidator) Valid(ctx context.Context, target crawler.MonitoredTarget, s crawler.Session) (bool, error) {
	body, err := v.Fetcher.Fetch(ctx, target.OriginURL, s.Value)
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("validate session: parse: %w", err)
	}
	return !detect.LoginWall(doc), nil
}
