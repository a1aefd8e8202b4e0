package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"AirCast/internal/service/cache"
	"AirCast/internal/service/ratelimit"
	xhttp "AirCast/pkg/http"
	applogger "AirCast/pkg/logger"
)

// Fetcher downloads the pollutant archive. Remote archives are cached by URL.
type Fetcher struct {
	client   *xhttp.Client
	cache    cache.BytesCache
	cacheTTL time.Duration
	limiter  *ratelimit.Limiter
	log      *applogger.Logger
}

type FetcherOption func(*Fetcher)

func WithCache(c cache.BytesCache, ttl time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.cache = c
		f.cacheTTL = ttl
	}
}

func WithLimiter(l *ratelimit.Limiter) FetcherOption {
	return func(f *Fetcher) { f.limiter = l }
}

func WithLogger(l *applogger.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = l }
}

func NewFetcher(client *xhttp.Client, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{client: client, log: applogger.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = xhttp.NewClient()
	}
	return f
}

// Fetch returns the archive bytes for a http(s) URL, a file:// URL or a plain local path.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		path := source
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		return b, nil
	}

	key := "dataset:" + cacheKey(source)
	if f.cache != nil {
		if b, ok, err := f.cache.GetBytes(key); err != nil {
			f.log.Warn("archive cache read failed", applogger.Error(err))
		} else if ok {
			f.log.Debug("archive cache hit", applogger.String("url", source), applogger.Int("bytes", len(b)))
			return b, nil
		}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, u.Host); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	started := time.Now()
	var body []byte
	if err := f.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodGet,
		URL:     source,
		Headers: map[string]string{"Accept": "application/zip, application/octet-stream"},
	}, &body); err != nil {
		return nil, fmt.Errorf("download %s: %w", source, err)
	}
	f.log.Info("archive downloaded",
		applogger.String("url", source),
		applogger.Int("bytes", len(body)),
		applogger.Duration("took_ms", time.Since(started)),
	)

	if f.cache != nil {
		if err := f.cache.SetBytes(key, body, f.cacheTTL); err != nil {
			f.log.Warn("archive cache write failed", applogger.Error(err))
		}
	}
	return body, nil
}

func cacheKey(s string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(s)))
	return hex.EncodeToString(sum[:8])
}
