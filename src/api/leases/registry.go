// Package leases owns the persisted lease records: who holds which
// container, until when, and whether the worker still owes it a stop.
//
// Every write goes through one mutex and one transaction, so a renew and an
// expiry check on the same lease always apply in some total order. Nothing in
// this package talks to the hypervisor; callers read, release, call out, and
// come back to persist the outcome.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/infra402/src/api/types"
	"github.com/stake-plus/infra402/src/logging"
)

var (
	ErrNotFound     = errors.New("no lease found for this container")
	ErrUnauthorized = errors.New("not authorized for this container")
	ErrExpired      = errors.New("lease has expired")
	ErrBadStatus    = errors.New("unknown lease status")
)

type Registry struct {
	db *gorm.DB
	mu sync.Mutex
}

func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// IsExpired is false for a lease without an expiry, otherwise expires_at <= now.
// Both sides are compared in UTC.
func IsExpired(l types.Lease, now time.Time) bool {
	if l.ExpiresAt == nil {
		return false
	}
	return !l.ExpiresAt.UTC().After(now.UTC())
}

func (r *Registry) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.WithContext(ctx).Transaction(fn)
}

// Create inserts a lease, or replaces every mutable column of an existing
// lease with the same id. Owner and creation time are never replaced.
func (r *Registry) Create(ctx context.Context, l types.Lease) error {
	if err := checkStatus(l.Status); err != nil {
		return err
	}
	l.OwnerWallet = strings.ToLower(l.OwnerWallet)
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	normalize(&l)

	return r.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "lease_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"ctid", "network", "sku", "status", "expires_at",
				"stop_pending", "stop_attempts", "last_stop_error", "stopped_at",
			}),
		}).Create(&l).Error
	})
}

// Get returns the lease with the given id.
func (r *Registry) Get(ctx context.Context, leaseID string) (types.Lease, error) {
	return r.first(r.db.WithContext(ctx), "lease_id = ?", leaseID)
}

// GetByResourceID returns the most recent lease on a container.
func (r *Registry) GetByResourceID(ctx context.Context, ctid string) (types.Lease, error) {
	return r.first(r.db.WithContext(ctx), "ctid = ?", ctid)
}

func (r *Registry) first(db *gorm.DB, query string, args ...any) (types.Lease, error) {
	var l types.Lease
	err := db.Where(query, args...).Order("created_at DESC").First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Lease{}, ErrNotFound
	}
	if err != nil {
		return types.Lease{}, err
	}
	normalize(&l)
	return l, nil
}

// ListByOwner matches the owner case-insensitively.
func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]types.Lease, error) {
	var out []types.Lease
	err := r.db.WithContext(ctx).
		Where("LOWER(owner_wallet) = ?", strings.ToLower(owner)).
		Order("created_at").
		Find(&out).Error
	return normalizeAll(out), err
}

func (r *Registry) ListAll(ctx context.Context) ([]types.Lease, error) {
	var out []types.Lease
	err := r.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return normalizeAll(out), err
}

// PendingStops lists expired leases whose container has not been confirmed
// stopped yet.
func (r *Registry) PendingStops(ctx context.Context) ([]types.Lease, error) {
	var out []types.Lease
	err := r.db.WithContext(ctx).
		Where("status = ? AND stop_pending = ?", types.StatusExpired, true).
		Order("created_at").
		Find(&out).Error
	return normalizeAll(out), err
}

func (r *Registry) UpdateStatus(ctx context.Context, leaseID, status string) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	return r.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&types.Lease{}).Where("lease_id = ?", leaseID).Update("status", status).Error
	})
}

// UpdateExpiry sets expires_at, and the status too when status is not empty.
func (r *Registry) UpdateExpiry(ctx context.Context, leaseID string, expiresAt time.Time, status string) error {
	updates := map[string]any{"expires_at": expiresAt.UTC()}
	if status != "" {
		if err := checkStatus(status); err != nil {
			return err
		}
		updates["status"] = status
	}
	return r.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&types.Lease{}).Where("lease_id = ?", leaseID).Updates(updates).Error
	})
}

// Renew extends the payer's lease on ctid by d, counting from the later of
// the current expiry and now, and marks it active again.
func (r *Registry) Renew(ctx context.Context, ctid, payer string, d time.Duration, now time.Time) (types.Lease, error) {
	var out types.Lease
	err := r.write(ctx, func(tx *gorm.DB) error {
		l, err := r.first(tx, "ctid = ?", ctid)
		if err != nil {
			return err
		}
		if !sameOwner(l.OwnerWallet, payer) {
			return ErrUnauthorized
		}
		base := now.UTC()
		if l.ExpiresAt != nil && l.ExpiresAt.After(base) {
			base = *l.ExpiresAt
		}
		expires := base.Add(d)
		err = tx.Model(&types.Lease{}).Where("lease_id = ?", l.LeaseID).Updates(map[string]any{
			"expires_at":      expires,
			"status":          types.StatusActive,
			"stop_pending":    false,
			"stop_attempts":   0,
			"last_stop_error": "",
		}).Error
		if err != nil {
			return err
		}
		l.ExpiresAt = &expires
		l.Status = types.StatusActive
		l.StopPending, l.StopAttempts, l.LastStopError = false, 0, ""
		out = l
		return nil
	})
	return out, err
}

// MarkExpired flips an active lease to expired if, at the moment of the
// write, it is still past due. It reports whether the transition happened;
// a renew that landed first makes it a no-op.
func (r *Registry) MarkExpired(ctx context.Context, leaseID string, now time.Time) (bool, error) {
	changed := false
	err := r.write(ctx, func(tx *gorm.DB) error {
		l, err := r.first(tx, "lease_id = ?", leaseID)
		if err != nil {
			return err
		}
		if l.Status != types.StatusActive || !IsExpired(l, now) {
			return nil
		}
		changed = true
		return tx.Model(&types.Lease{}).Where("lease_id = ?", leaseID).Updates(map[string]any{
			"status":          types.StatusExpired,
			"stop_pending":    true,
			"stop_attempts":   0,
			"last_stop_error": "",
		}).Error
	})
	return changed, err
}

// Reactivate flips an expired lease back to active when its expiry is no
// longer in the past.
func (r *Registry) Reactivate(ctx context.Context, leaseID string, now time.Time) (bool, error) {
	changed := false
	err := r.write(ctx, func(tx *gorm.DB) error {
		l, err := r.first(tx, "lease_id = ?", leaseID)
		if err != nil {
			return err
		}
		if l.Status != types.StatusExpired || IsExpired(l, now) {
			return nil
		}
		changed = true
		return tx.Model(&types.Lease{}).Where("lease_id = ?", leaseID).Updates(map[string]any{
			"status":       types.StatusActive,
			"stop_pending": false,
		}).Error
	})
	return changed, err
}

// RecordStop stores the outcome of a deprovision attempt. A lease renewed in
// the meantime is left alone.
func (r *Registry) RecordStop(ctx context.Context, leaseID string, stopErr error, now time.Time) error {
	return r.write(ctx, func(tx *gorm.DB) error {
		l, err := r.first(tx, "lease_id = ?", leaseID)
		if err != nil {
			return err
		}
		if l.Status != types.StatusExpired {
			return nil
		}
		q := tx.Model(&types.Lease{}).Where("lease_id = ?", leaseID)
		if stopErr == nil {
			return q.Updates(map[string]any{
				"stop_pending":    false,
				"last_stop_error": "",
				"stopped_at":      now.UTC(),
			}).Error
		}
		return q.Updates(map[string]any{
			"stop_attempts":   l.StopAttempts + 1,
			"last_stop_error": logging.Truncate([]byte(stopErr.Error()), 500),
		}).Error
	})
}

// RequireOwner loads the lease on ctid and checks it belongs to payer.
func (r *Registry) RequireOwner(ctx context.Context, ctid, payer string) (types.Lease, error) {
	l, err := r.GetByResourceID(ctx, ctid)
	if err != nil {
		return types.Lease{}, err
	}
	if !sameOwner(l.OwnerWallet, payer) {
		return types.Lease{}, ErrUnauthorized
	}
	return l, nil
}

// RequireActiveLease is RequireOwner plus an expiry check.
func (r *Registry) RequireActiveLease(ctx context.Context, ctid, payer string, now time.Time) (types.Lease, error) {
	l, err := r.RequireOwner(ctx, ctid, payer)
	if err != nil {
		return types.Lease{}, err
	}
	if IsExpired(l, now) {
		return types.Lease{}, ErrExpired
	}
	return l, nil
}

func sameOwner(stored, claimed string) bool {
	return claimed != "" && strings.EqualFold(stored, claimed)
}

func checkStatus(s string) error {
	if s != types.StatusActive && s != types.StatusExpired {
		return fmt.Errorf("%w: %q", ErrBadStatus, s)
	}
	return nil
}

func normalize(l *types.Lease) {
	l.CreatedAt = l.CreatedAt.UTC()
	if l.ExpiresAt != nil {
		t := l.ExpiresAt.UTC()
		l.ExpiresAt = &t
	}
	if l.StoppedAt != nil {
		t := l.StoppedAt.UTC()
		l.StoppedAt = &t
	}
}

func normalizeAll(ls []types.Lease) []types.Lease {
	for i := range ls {
		normalize(&ls[i])
	}
	return ls
}
