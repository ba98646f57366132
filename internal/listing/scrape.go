package listing

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/raine/roomedit/internal/apperr"
)

// DefaultAllowedHost is the listing site scrapes are validated against.
const DefaultAllowedHost = "immobilienscout24.de"

// DefaultCallTimeout bounds one provider call shared by all callers waiting
// on the same URL.
const DefaultCallTimeout = 6 * time.Minute

// ErrEmptyResult is returned by providers whose scrape produced no record.
var ErrEmptyResult = errors.New("scrape returned no results")

// Provider fetches the raw record of a listing page.
type Provider interface {
	Scrape(ctx context.Context, listingURL string) (map[string]any, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, listingURL string) (map[string]any, error)

func (f ProviderFunc) Scrape(ctx context.Context, listingURL string) (map[string]any, error) {
	return f(ctx, listingURL)
}

// HostPolicy controls which listing URLs are accepted. When Enforce is
// false every http(s) URL is passed to the provider.
type HostPolicy struct {
	AllowedHosts []string
	Enforce      bool
}

// Allows reports whether host is one of the allowed hosts or a subdomain
// of one.
func (p HostPolicy) Allows(host string) bool {
	if !p.Enforce {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Scraper runs listing scrapes. Concurrent scrapes of the same URL share
// one provider call.
type Scraper struct {
	provider    Provider
	policy      HostPolicy
	callTimeout time.Duration
	group       singleflight.Group
}

func NewScraper(provider Provider, policy HostPolicy) *Scraper {
	return &Scraper{provider: provider, policy: policy, callTimeout: DefaultCallTimeout}
}

// WithCallTimeout sets the bound on a shared provider call.
func (s *Scraper) WithCallTimeout(d time.Duration) *Scraper {
	s.callTimeout = d
	return s
}

// ScrapeListing fetches and normalizes the listing at listingURL.
func (s *Scraper) ScrapeListing(ctx context.Context, listingURL string) (*Record, error) {
	listingURL = strings.TrimSpace(listingURL)
	if listingURL == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "url is required")
	}
	u, err := url.Parse(listingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "url must be an absolute http(s) URL")
	}
	if !s.policy.Allows(u.Hostname()) {
		return nil, apperr.New(apperr.KindScrapeUnsupportedSource, "unsupported listing site: "+u.Hostname())
	}

	logger := log.With().Str("url", listingURL).Logger()

	// The call is shared, so one caller giving up must not cancel it for
	// the others.
	ch := s.group.DoChan(listingURL, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
		defer cancel()
		return s.provider.Scrape(callCtx, listingURL)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindCanceled, ctx.Err(), "scrape canceled")
	}

	if res.Err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindCanceled, ctx.Err(), "scrape canceled")
		}
		logger.Warn().Err(res.Err).Msg("listing scrape failed")
		return nil, apperr.Wrap(apperr.KindScrapeNoData, res.Err, "no listing data found")
	}

	raw, _ := res.Val.(map[string]any)
	if len(raw) == 0 {
		return nil, apperr.Wrap(apperr.KindScrapeNoData, ErrEmptyResult, "no listing data found")
	}

	rec := Normalize(raw)
	logger.Info().
		Str("title", rec.Title).
		Int("pictures", len(rec.Pictures)).
		Bool("shared", res.Shared).
		Msg("listing scraped")
	return &rec, nil
}
