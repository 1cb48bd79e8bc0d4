// Package locks provides exclusive, named, timeout-bounded locks over shared
// resources, backed by durable marker files.
//
// A lock record is created by hard-linking a fully written temp file onto
// <dir>/<resource>.lock, which fails if the record already exists. Records
// carry an expiry; an expired record is treated as absent and may be
// reclaimed by any requester.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultTimeout bounds both the wait for a contended lock and the lease
// lifetime when no explicit value is given.
const DefaultTimeout = 300 * time.Second

// DefaultPollInterval is how often a blocked Acquire re-checks the record.
const DefaultPollInterval = 500 * time.Millisecond

var errBusy = errors.New("resource busy")

// Manager grants and tracks lock records in a directory.
type Manager struct {
	dir          string
	clock        clock.Clock
	pollInterval time.Duration
	logger       *zap.Logger

	// mu serializes read-modify-write sequences within this process.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used to stamp and expire records.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPollInterval sets the interval between attempts while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager storing records under dir.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	m := &Manager{
		dir:          dir,
		clock:        clock.New(),
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the record directory.
func (m *Manager) Dir() string { return m.dir }

// Lease is a held lock. Release it exactly once; extra calls are no-ops.
type Lease struct {
	Record
	m    *Manager
	once sync.Once
	err  error
}

// Release deletes the record if it is still owned by this lease.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.m.Release(l.Resource, l.Holder)
	})
	return l.err
}

// Acquire claims resource for holder, waiting up to timeout while another
// holder has a live record. The lease lives for timeout as well. A zero
// timeout means DefaultTimeout.
func (m *Manager) Acquire(ctx context.Context, resource, holder string, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return m.AcquireFor(ctx, resource, holder, timeout, timeout)
}

// AcquireFor claims resource for holder with separate wait and lease budgets.
// A wait of zero or less makes a single attempt. On timeout it returns a
// *ContentionError; if ctx ends first it returns the context error.
func (m *Manager) AcquireFor(ctx context.Context, resource, holder string, wait, ttl time.Duration) (*Lease, error) {
	if resource == "" || holder == "" {
		return nil, errors.New("resource and holder are required")
	}
	if ttl <= 0 {
		ttl = DefaultTimeout
	}

	start := m.clock.Now()
	var current Record
	attempt := func() error {
		rec, ok, err := m.tryClaim(resource, holder, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			current = rec
			return errBusy
		}
		current = rec
		return nil
	}

	var err error
	if wait <= 0 {
		err = attempt()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		policy := backoff.WithContext(backoff.NewConstantBackOff(m.pollInterval), waitCtx)
		err = backoff.Retry(attempt, policy)
	}

	if err == nil {
		m.logger.Debug("lock acquired",
			zap.String("resource", resource),
			zap.String("holder", holder),
			zap.Time("expires_at", current.ExpiresAt))
		return &Lease{Record: current, m: m}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, errBusy) || errors.Is(err, context.DeadlineExceeded) {
		return nil, &ContentionError{Resource: resource, Holder: current.Holder, Waited: m.clock.Since(start)}
	}
	return nil, err
}

// TryAcquire makes one non-blocking attempt to claim resource.
func (m *Manager) TryAcquire(resource, holder string, ttl time.Duration) (*Lease, error) {
	return m.AcquireFor(context.Background(), resource, holder, 0, ttl)
}

// WithLock runs fn while holding resource and releases it on every exit
// path, including panics and cancellation inside fn.
func (m *Manager) WithLock(ctx context.Context, resource, holder string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	lease, err := m.Acquire(ctx, resource, holder, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lease.Release(); releaseErr != nil {
			err = multierr.Append(err, releaseErr)
		}
	}()
	return fn(ctx)
}

// tryClaim makes one attempt. It returns the record now on disk and whether
// holder owns it.
func (m *Manager) tryClaim(resource, holder string, ttl time.Duration) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := recordFile(m.dir, resource)
	now := m.clock.Now()
	rec := Record{Resource: resource, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	// Two rounds: the second follows a successful reclaim of an expired record
	for round := 0; round < 2; round++ {
		created, err := m.createExclusive(path, rec)
		if err != nil {
			return Record{}, false, err
		}
		if created {
			return rec, true, nil
		}

		existing, err := readRecord(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			m.logger.Warn("unreadable lock record, reclaiming", zap.String("resource", resource), zap.Error(err))
			if _, err := m.reclaim(path, nil); err != nil {
				return Record{}, false, err
			}
			continue
		}

		if existing.Holder == holder {
			// Re-acquire by the owner refreshes the lease
			rec.AcquiredAt = existing.AcquiredAt
			if err := m.replace(path, rec); err != nil {
				return Record{}, false, err
			}
			return rec, true, nil
		}

		if !existing.Expired(now) {
			return existing, false, nil
		}

		reclaimed, err := m.reclaim(path, &existing)
		if err != nil {
			return Record{}, false, err
		}
		if !reclaimed {
			return existing, false, nil
		}
		m.logger.Info("reclaimed expired lock",
			zap.String("resource", resource),
			zap.String("previous_holder", existing.Holder))
	}
	return Record{}, false, nil
}

// createExclusive publishes rec at path only if no record exists.
func (m *Manager) createExclusive(path string, rec Record) (bool, error) {
	tmp, err := writeTemp(path, rec)
	if err != nil {
		return false, fmt.Errorf("writing lock record: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock record: %w", err)
	}
	return true, nil
}

// replace atomically overwrites the record at path.
func (m *Manager) replace(path string, rec Record) error {
	tmp, err := writeTemp(path, rec)
	if err != nil {
		return fmt.Errorf("writing lock record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing lock record: %w", err)
	}
	return nil
}

// reclaim moves the record at path aside and deletes it. When expected is
// set and the moved record is a different lease (someone re-created it in
// the meantime), the record is put back and reclaim reports false.
func (m *Manager) reclaim(path string, expected *Record) (bool, error) {
	stale := fmt.Sprintf("%s.stale.%s", path, uuid.NewString())
	if err := os.Rename(path, stale); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("moving stale lock record: %w", err)
	}
	defer os.Remove(stale)

	if expected == nil {
		return true, nil
	}
	moved, err := readRecord(stale)
	if err == nil && !moved.sameLease(*expected) && !moved.Expired(m.clock.Now()) {
		if linkErr := os.Link(stale, path); linkErr != nil && !errors.Is(linkErr, os.ErrExist) {
			return false, fmt.Errorf("restoring lock record: %w", linkErr)
		}
		return false, nil
	}
	return true, nil
}

// Release deletes the record for resource if holder owns it. Releasing an
// absent or expired record is not an error.
func (m *Manager) Release(resource, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := recordFile(m.dir, resource)
	rec, err := readRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Holder != holder {
		if rec.Expired(m.clock.Now()) {
			return nil
		}
		return fmt.Errorf("%w: %q is held by %q, not %q", ErrNotHeld, resource, rec.Holder, holder)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock record: %w", err)
	}
	m.logger.Debug("lock released", zap.String("resource", resource), zap.String("holder", holder))
	return nil
}

// Renew extends a live lease owned by holder to expire ttl from now.
func (m *Manager) Renew(resource, holder string, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path := recordFile(m.dir, resource)
	rec, err := readRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %q has no record", ErrNotHeld, resource)
	}
	if err != nil {
		return Record{}, err
	}
	now := m.clock.Now()
	if rec.Holder != holder || rec.Expired(now) {
		return Record{}, fmt.Errorf("%w: %q is not held by %q", ErrNotHeld, resource, holder)
	}
	rec.ExpiresAt = now.Add(ttl)
	if err := m.replace(path, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// IsLocked reports whether resource has a live record. Expired records
// count as released.
func (m *Manager) IsLocked(resource string) (bool, error) {
	rec, err := readRecord(recordFile(m.dir, resource))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !rec.Expired(m.clock.Now()), nil
}

// CleanupExpired removes every expired record and returns how many it removed.
func (m *Manager) CleanupExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths, err := m.recordPaths()
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	removed := 0
	var errs error
	for _, path := range paths {
		rec, err := readRecord(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !rec.Expired(now) {
			continue
		}
		ok, err := m.reclaim(path, &rec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			removed++
			m.logger.Info("removed expired lock",
				zap.String("resource", rec.Resource),
				zap.String("holder", rec.Holder),
				zap.Time("expired_at", rec.ExpiresAt))
		}
	}
	return removed, errs
}

// List returns every live record ordered by resource name.
func (m *Manager) List() ([]Record, error) {
	paths, err := m.recordPaths()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	records := []Record{}
	var errs error
	for _, path := range paths {
		rec, err := readRecord(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !rec.Expired(now) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Resource < records[j].Resource })
	return records, errs
}

// ForceRelease removes the record for resource regardless of holder.
func (m *Manager) ForceRelease(resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(recordFile(m.dir, resource)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock record: %w", err)
	}
	return nil
}

func (m *Manager) recordPaths() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("listing lock directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(m.dir, e.Name()))
	}
	return paths, nil
}
