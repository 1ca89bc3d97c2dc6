// Package feed is the external reference price feed (spec §6): a poller
// that fetches last prices for configured pairs from an external spot
// exchange and caches them with a short TTL. The market maker is its only
// consumer.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

type priceResponse struct {
	Price string `json:"price"`
}

// Feed polls one external endpoint per pair on a fixed interval and serves
// the last observed price from a short-TTL cache.
type Feed struct {
	client   *resty.Client
	cache    *cache.Cache
	log      zerolog.Logger
	baseURL  string
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Feed. ttl should comfortably exceed interval so a single
// missed poll doesn't go stale; go-cache evicts on its own janitor cycle.
func New(baseURL string, interval, ttl time.Duration, log zerolog.Logger) *Feed {
	return &Feed{
		client:   resty.New().SetTimeout(5 * time.Second),
		cache:    cache.New(ttl, ttl*2),
		log:      log.With().Str("component", "feed").Logger(),
		baseURL:  baseURL,
		interval: interval,
	}
}

// Start begins polling the given pairs in the background until ctx is
// cancelled or Stop is called.
func (f *Feed) Start(ctx context.Context, pairs []string) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	for _, pair := range pairs {
		f.wg.Add(1)
		go f.pollLoop(ctx, pair)
	}
}

func (f *Feed) pollLoop(ctx context.Context, pair string) {
	defer f.wg.Done()
	// Jitter the first tick so many pairs don't all hit the external feed
	// in lockstep on boot.
	jitter := time.Duration(rand.Int63n(int64(f.interval)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			f.pollOnce(ctx, pair)
			timer.Reset(f.interval)
		}
	}
}

func (f *Feed) pollOnce(ctx context.Context, pair string) {
	var out priceResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("pair", pair).
		SetResult(&out).
		Get(f.baseURL)
	if err != nil {
		f.log.Warn().Err(err).Str("pair", pair).Msg("price feed poll failed")
		return
	}
	if resp.IsError() {
		f.log.Warn().Int("status", resp.StatusCode()).Str("pair", pair).Msg("price feed returned error status")
		return
	}
	f.cache.SetDefault(pair, out.Price)
}

// LastPrice returns the cached last price string for pair, or an error if
// it's missing or expired — callers (the market maker) decide how to react
// to a stale/absent feed.
func (f *Feed) LastPrice(pair string) (string, error) {
	v, ok := f.cache.Get(pair)
	if !ok {
		return "", fmt.Errorf("no cached price for %s", pair)
	}
	return v.(string), nil
}

// Stop cancels every poll loop and waits for them to exit (spec §4.5
// shutdown: "stop the price poller").
func (f *Feed) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}
