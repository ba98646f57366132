package listing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/roomedit/internal/apperr"
)

var enforced = HostPolicy{AllowedHosts: []string{DefaultAllowedHost}, Enforce: true}

func staticProvider(raw map[string]any, err error) ProviderFunc {
	return func(ctx context.Context, listingURL string) (map[string]any, error) {
		return raw, err
	}
}

func TestScrapeListing_Success(t *testing.T) {
	var gotURL string
	provider := ProviderFunc(func(ctx context.Context, listingURL string) (map[string]any, error) {
		gotURL = listingURL
		return map[string]any{
			"name":     "Altbau",
			"address":  map[string]any{"formattedAddress": "Hauptstr. 1"},
			"pictures": []any{map[string]any{"url": "https://img/1.jpg"}},
		}, nil
	})
	s := NewScraper(provider, enforced)

	rec, err := s.ScrapeListing(context.Background(), " https://www.immobilienscout24.de/expose/123 ")
	require.NoError(t, err)
	assert.Equal(t, "https://www.immobilienscout24.de/expose/123", gotURL)
	assert.Equal(t, "Altbau", rec.Title)
	assert.Equal(t, "Hauptstr. 1", *rec.Address)
	assert.Len(t, rec.Pictures, 1)
}

func TestScrapeListing_InvalidURL(t *testing.T) {
	s := NewScraper(staticProvider(nil, nil), enforced)
	for _, u := range []string{"", "not a url", "ftp://immobilienscout24.de/x", "/relative/path"} {
		_, err := s.ScrapeListing(context.Background(), u)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err), u)
	}
}

func TestScrapeListing_UnsupportedSource(t *testing.T) {
	var called atomic.Bool
	provider := ProviderFunc(func(ctx context.Context, listingURL string) (map[string]any, error) {
		called.Store(true)
		return map[string]any{"title": "x"}, nil
	})

	s := NewScraper(provider, enforced)
	_, err := s.ScrapeListing(context.Background(), "https://evil-immobilienscout24.de/expose/1")
	assert.Equal(t, apperr.KindScrapeUnsupportedSource, apperr.KindOf(err))
	assert.False(t, called.Load())

	// advisory policy lets it through
	s = NewScraper(provider, HostPolicy{AllowedHosts: []string{DefaultAllowedHost}})
	_, err = s.ScrapeListing(context.Background(), "https://example.com/listing/1")
	assert.NoError(t, err)
}

func TestScrapeListing_NoData(t *testing.T) {
	s := NewScraper(staticProvider(nil, errors.New("actor run failed")), enforced)
	_, err := s.ScrapeListing(context.Background(), "https://www.immobilienscout24.de/expose/1")
	assert.Equal(t, apperr.KindScrapeNoData, apperr.KindOf(err))

	s = NewScraper(staticProvider(map[string]any{}, nil), enforced)
	_, err = s.ScrapeListing(context.Background(), "https://www.immobilienscout24.de/expose/1")
	assert.Equal(t, apperr.KindScrapeNoData, apperr.KindOf(err))
}

func TestScrapeListing_Canceled(t *testing.T) {
	provider := ProviderFunc(func(ctx context.Context, listingURL string) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := NewScraper(provider, enforced).WithCallTimeout(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.ScrapeListing(ctx, "https://www.immobilienscout24.de/expose/1")
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))
}

func TestScrapeListing_CoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	provider := ProviderFunc(func(ctx context.Context, listingURL string) (map[string]any, error) {
		calls.Add(1)
		<-release
		return map[string]any{"title": "Shared"}, nil
	})
	s := NewScraper(provider, enforced)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.ScrapeListing(context.Background(), "https://www.immobilienscout24.de/expose/9")
			assert.NoError(t, err)
			assert.Equal(t, "Shared", rec.Title)
		}()
	}
	// let the goroutines join the in-flight call
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestScrapeListing_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	provider := ProviderFunc(func(ctx context.Context, listingURL string) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
			return map[string]any{"title": "Shared"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := NewScraper(provider, enforced)
	const listingURL = "https://www.immobilienscout24.de/expose/7"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.ScrapeListing(firstCtx, listingURL)
		firstErr <- err
	}()
	<-started

	type result struct {
		rec *Record
		err error
	}
	second := make(chan result, 1)
	go func() {
		rec, err := s.ScrapeListing(context.Background(), listingURL)
		second <- result{rec, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(<-firstErr))

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "Shared", res.rec.Title)
}

func TestHostPolicy_Allows(t *testing.T) {
	assert.True(t, enforced.Allows("immobilienscout24.de"))
	assert.True(t, enforced.Allows("www.immobilienscout24.de"))
	assert.True(t, enforced.Allows("WWW.ImmobilienScout24.de."))
	assert.False(t, enforced.Allows("immobilienscout24.de.evil.com"))
	assert.False(t, enforced.Allows("notimmobilienscout24.de"))
	assert.True(t, HostPolicy{}.Allows("anything.example"))
}
