// Package expiry removes locally stored bundle versions that have not been
// used recently or that push the store over its size limit.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/bundle-cache/store/metadb"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

// Config holds expiration configuration.
type Config struct {
	// TTL is the time-to-live for stored bundles since last access.
	// Zero means no TTL-based expiration.
	TTL time.Duration

	// MaxSize is the maximum total size of stored bundles in bytes.
	// When exceeded, least recently used bundles are removed until under limit.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           7 * 24 * time.Hour,     // 7 days
		MaxSize:       2 * 1024 * 1024 * 1024, // 2 GB
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Deleter removes a stored bundle by name. *store.Store implements it.
type Deleter interface {
	Delete(ctx context.Context, name string) error
}

// Manager expires stored bundles using TTL and LRU strategies.
type Manager struct {
	config  Config
	db      metadb.MetaDB
	deleter Deleter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager. Candidates are read from db
// and removed through d so bundle files and index entries go together.
func NewManager(db metadb.MetaDB, d Deleter, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		db:      db,
		deleter: d,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background expiration checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	TTLExpired int
	LRUEvicted int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

func (m *Manager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	m.logger.Debug("starting expiration check")

	// Phase 1: TTL expiration
	if m.config.TTL > 0 {
		expired, freed, errs := m.expireBefore(ctx, m.now().Add(-m.config.TTL))
		result.TTLExpired = expired
		result.BytesFreed += freed
		result.Errors += errs
		telemetry.RecordExpiry(ctx, "ttl", expired, freed)
	}

	// Phase 2: LRU eviction if over size limit
	if m.config.MaxSize > 0 {
		evicted, freed, errs := m.evictByLRU(ctx)
		result.LRUEvicted = evicted
		result.BytesFreed += freed
		result.Errors += errs
		telemetry.RecordExpiry(ctx, "lru", evicted, freed)
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordExpiryRun(ctx, result.Duration)

	if result.TTLExpired > 0 || result.LRUEvicted > 0 {
		m.logger.Info("expiration complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}

func (m *Manager) expireBefore(ctx context.Context, cutoff time.Time) (expired int, freed int64, errs int) {
	entries, err := m.db.ListAccessedBefore(ctx, cutoff, 0)
	if err != nil {
		m.logger.Error("failed to list expired bundles", "error", err)
		return 0, 0, 1
	}

	for _, e := range entries {
		if err := m.deleter.Delete(ctx, e.Name); err != nil {
			m.logger.Warn("failed to delete expired bundle", "name", e.Name, "version", e.Version, "error", err)
			errs++
			continue
		}
		expired++
		freed += e.Size
		m.logger.Debug("expired bundle by TTL",
			"name", e.Name,
			"version", e.Version,
			"last_access", e.LastAccess,
			"age", m.now().Sub(e.LastAccess),
		)
	}
	return expired, freed, errs
}

func (m *Manager) evictByLRU(ctx context.Context) (evicted int, freed int64, errs int) {
	totalSize, err := m.db.TotalSize(ctx)
	if err != nil {
		m.logger.Error("failed to read total size", "error", err)
		return 0, 0, 1
	}
	if totalSize <= m.config.MaxSize {
		return 0, 0, 0 // Under limit, nothing to do
	}

	entries, err := m.db.ListByAccess(ctx, 0)
	if err != nil {
		m.logger.Error("failed to list bundles by access", "error", err)
		return 0, 0, 1
	}

	// Oldest first until under limit
	for _, e := range entries {
		if totalSize <= m.config.MaxSize {
			break
		}
		if err := m.deleter.Delete(ctx, e.Name); err != nil {
			m.logger.Warn("failed to evict bundle by LRU", "name", e.Name, "error", err)
			errs++
			continue
		}
		evicted++
		freed += e.Size
		totalSize -= e.Size

		m.logger.Debug("evicted bundle by LRU",
			"name", e.Name,
			"last_access", e.LastAccess,
			"size", e.Size,
		)
	}
	return evicted, freed, errs
}

// ForceExpire immediately expires bundles not accessed within olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	start := m.now()
	expired, freed, errs := m.expireBefore(ctx, m.now().Add(-olderThan))
	return &ExpireResult{
		TTLExpired: expired,
		BytesFreed: freed,
		Errors:     errs,
		Duration:   m.now().Sub(start),
	}
}
