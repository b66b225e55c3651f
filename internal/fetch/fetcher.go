// Package fetch implements the anti-bot-aware fetch layer: deterministic
// user agents, per-domain pacing, manual redirects with cookie carry-over,
// challenge solving and retry with backoff.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/detect"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// Config controls fetcher behavior.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxBodySize  int
	Retry        RetryPolicy
	UserAgents   []string
}

// Fetcher implements crawler.Fetcher using a Colly collector per hop.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	pacer         *Pacer
	challenges    *ChallengeCache
	pause         pauseController
	logger        *zap.Logger
}

type hopResponse struct {
	status     int
	body       string
	location   string
	setCookies []string
}

// New builds a Fetcher. The pacer and challenge cache are shared by every
// caller of the returned Fetcher.
func New(cfg Config, pacer *Pacer, challenges *ChallengeCache, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 << 20
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = userAgents
	}
	if pacer == nil {
		pacer = NewPacer(time.Second)
	}
	if challenges == nil {
		challenges = NewChallengeCache(12 * time.Hour)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	// Cookies are carried by hand so challenge and Set-Cookie values survive
	// redirects across hosts.
	c.DisableCookies()
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		pacer:         pacer,
		challenges:    challenges,
		pause:         timerPauseController{},
		logger:        logger,
	}
}

// Fetch returns the HTML body of rawURL. cookies is an optional Cookie header
// value sent on the first hop and merged with anything set along the way.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cookies string) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}
	for attempt := 1; ; attempt++ {
		body, err := f.fetchOnce(ctx, rawURL, newCookieJar(cookies))
		if err == nil {
			return body, nil
		}
		if !f.cfg.Retry.ShouldRetry(err, attempt) {
			return "", err
		}
		delay := f.cfg.Retry.Backoff(attempt)
		f.logger.Debug("fetch retry scheduled",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		f.pause.Pause(ctx, delay)
		if ctx.Err() != nil {
			return "", err
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, jar *cookieJar) (string, error) {
	current := rawURL
	solved := false
	for hop := 0; hop <= f.cfg.MaxRedirects; hop++ {
		host := crawler.Hostname(current)
		if cookie, ok := f.challenges.Get(host); ok {
			jar.set(cookie.Name, cookie.Value)
		}
		if err := f.pacer.Wait(ctx, host); err != nil {
			return "", fmt.Errorf("fetch %s: %w", current, err)
		}

		resp, err := f.do(ctx, current, jar.header(), host)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("fetch %s: %w", current, ctx.Err())
			}
			fe := classify(current, err)
			metrics.ObserveFetch(string(fe.Kind))
			return "", fe
		}
		jar.merge(resp.setCookies)

		if isRedirect(resp.status) {
			next := crawler.ResolveURL(current, resp.location)
			if next == "" {
				metrics.ObserveFetch(string(KindHTTPError))
				return "", httpError(current, resp.status)
			}
			f.logger.Debug("following redirect", zap.String("from", current), zap.String("to", next))
			current = next
			continue
		}

		if detect.IsChallenge(resp.body) {
			if !solved {
				cookie, err := SolveChallenge(resp.body)
				if err == nil {
					solved = true
					f.challenges.Put(host, cookie)
					jar.set(cookie.Name, cookie.Value)
					metrics.ObserveChallenge("solved")
					f.logger.Info("challenge solved", zap.String("domain", host), zap.String("cookie", cookie.Name))
					continue
				}
				f.logger.Warn("challenge unsolved", zap.String("domain", host), zap.Error(err))
			}
			metrics.ObserveChallenge("unsolved")
			return resp.body, nil
		}

		if resp.status >= http.StatusBadRequest {
			metrics.ObserveFetch(string(KindHTTPError))
			return "", httpError(current, resp.status)
		}
		metrics.ObserveFetch("ok")
		return resp.body, nil
	}
	metrics.ObserveFetch(string(KindExhaustedRedirects))
	return "", &Error{Kind: KindExhaustedRedirects, URL: rawURL}
}

func (f *Fetcher) do(ctx context.Context, rawURL, cookieHeader, host string) (hopResponse, error) {
	var (
		result   hopResponse
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		result = hopResponse{status: r.StatusCode, body: string(r.Body)}
		if r.Headers != nil {
			result.location = r.Headers.Get("Location")
			result.setCookies = r.Headers.Values("Set-Cookie")
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	hdr := http.Header{}
	hdr.Set("User-Agent", pickUserAgent(f.cfg.UserAgents, host))
	hdr.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hdr.Set("Accept-Language", "en-US,en;q=0.9")
	if cookieHeader != "" {
		hdr.Set("Cookie", cookieHeader)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, rawURL, nil, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return hopResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return hopResponse{}, err
		}
		if fetchErr != nil {
			return hopResponse{}, fetchErr
		}
		return result, nil
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{Kind: KindInvalidURL, URL: rawURL, Cause: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{Kind: KindInvalidURL, URL: rawURL, Cause: fmt.Errorf("unsupported url %q", rawURL)}
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
