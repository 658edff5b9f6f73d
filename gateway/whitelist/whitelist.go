package whitelist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/floodwatch-tech/floodwatch/core/logger"
)

// Store caches the set of authorized device identities. Ground truth is held
// by the directory service; the cache is refreshed on a fixed interval and
// updated synchronously when a device completes registration.
type Store struct {
	url      string
	interval time.Duration
	client   *http.Client

	devicesRwmux sync.RWMutex
	devices      map[string]struct{}
}

// Builder is a builder helper for the Store
type Builder struct {
	// URL is the directory service endpoint returning the authorized
	// device identities. This is mandatory.
	URL string
	// FetchTimeout is the timeout for a single directory fetch. Default
	// is 10 seconds.
	FetchTimeout time.Duration
	// RefreshInterval is the interval for the background refresh loop.
	// Default is one hour.
	RefreshInterval time.Duration
}

// New returns a new store. The store starts out empty; call Refresh or
// RunRefreshLoop to populate it.
func New(b *Builder) *Store {
	if len(b.URL) == 0 {
		panic("directory url is missing")
	}
	fetchTimeout := b.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = 10 * time.Second
	}
	interval := b.RefreshInterval
	if interval == 0 {
		interval = time.Hour
	}
	return &Store{
		url:      b.URL,
		interval: interval,
		client:   &http.Client{Timeout: fetchTimeout},
		devices:  map[string]struct{}{},
	}
}

// Refresh fetches the authorized identities from the directory service and
// replaces the cached set atomically. On any failure the prior set is left
// intact and an error is returned.
func (s *Store) Refresh(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("cannot create directory request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cannot fetch whitelist: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("whitelist fetch returned status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, fmt.Errorf("cannot read whitelist response: %w", err)
	}
	var doc struct {
		DeviceIDs []string `json:"device_ids"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("malformed whitelist response: %w", err)
	}

	devices := make(map[string]struct{}, len(doc.DeviceIDs))
	for _, id := range doc.DeviceIDs {
		devices[id] = struct{}{}
	}
	s.devicesRwmux.Lock()
	s.devices = devices
	s.devicesRwmux.Unlock()
	return len(devices), nil
}

// Contains reports whether the identity is currently authorized. It only
// reads the cache and never blocks on network I/O.
func (s *Store) Contains(id string) bool {
	s.devicesRwmux.RLock()
	defer s.devicesRwmux.RUnlock()
	_, ok := s.devices[id]
	return ok
}

// Add inserts an identity into the cache. Used right after a successful
// registration so callers do not have to wait for the next refresh.
func (s *Store) Add(id string) {
	s.devicesRwmux.Lock()
	defer s.devicesRwmux.Unlock()
	s.devices[id] = struct{}{}
}

// Count returns the number of cached identities.
func (s *Store) Count() int {
	s.devicesRwmux.RLock()
	defer s.devicesRwmux.RUnlock()
	return len(s.devices)
}

// RunRefreshLoop refreshes the store on the configured interval until the
// context is cancelled. Refresh failures are logged and do not stop the loop.
func (s *Store) RunRefreshLoop(ctx context.Context) {
	rlog := logger.Default()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rlog.Info("whitelist refresh loop stopped")
			return
		case <-ticker.C:
			count, err := s.Refresh(ctx)
			if err != nil {
				rlog.Warningln("whitelist refresh failed, keeping stale cache:", err)
				continue
			}
			rlog.WithField("devices", count).Info("whitelist refreshed")
		}
	}
}
