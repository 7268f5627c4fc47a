package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
)

// LeaseStore implements advisory leader election over the catalog. Exactly
// one dispatcher holds a named lease at a time; the holder renews it on each
// maintenance tick and anyone can take over once it expires.
type LeaseStore struct {
	c      *CatalogDB
	logger arbor.ILogger
}

// NewLeaseStore creates a lease store backed by the given catalog.
func NewLeaseStore(c *CatalogDB, logger arbor.ILogger) *LeaseStore {
	return &LeaseStore{c: c, logger: logger}
}

// Acquire takes or renews the named lease for holder. Returns true when the
// caller holds the lease after this call.
func (s *LeaseStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := nowMS()
	expires := now + ttl.Milliseconds()

	// Take over only when the lease is free, expired, or already ours.
	query := s.c.db.Rebind(`
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at < ?
	`)
	result, err := s.c.db.ExecContext(ctx, query, name, holder, expires, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return false, nil
	}
	return true, nil
}

// Release gives up the lease if held by holder.
func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	query := s.c.db.Rebind(`DELETE FROM leases WHERE name = ? AND holder = ?`)
	if _, err := s.c.db.ExecContext(ctx, query, name, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Holder returns the current holder of the lease, or empty when free or
// expired.
func (s *LeaseStore) Holder(ctx context.Context, name string) (string, error) {
	var holder string
	var expires int64
	query := s.c.db.Rebind(`SELECT holder, expires_at FROM leases WHERE name = ?`)
	err := s.c.db.QueryRowContext(ctx, query, name).Scan(&holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", name, err)
	}
	if expires < nowMS() {
		return "", nil
	}
	return holder, nil
}
