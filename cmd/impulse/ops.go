package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SubstructureOne/impulse/internal/charge"
	"github.com/SubstructureOne/impulse/internal/store"
)

// ErrNotImplemented is returned by syncUsers when a Deleted user is
// encountered: dropping a backend role and its databases is cluster
// provisioning work this binary does not do. The caller still syncs every
// other pending user before surfacing this.
var ErrNotImplemented = errors.New("impulse: Deleted user sync is not implemented")

// roleAlterer flips a backend PostgreSQL role's ability to log in. It
// exists so syncUsers can be tested without a real managed-cluster
// connection.
type roleAlterer interface {
	SetLogin(ctx context.Context, pgName string, allow bool) error
}

// processTimecharges converts every user's pending storage timecharges
// into DataStorageByteHours charges, anchored by their own prior charge
// time (internal/charge.FromTimechargesForUser).
func processTimecharges(ctx context.Context, st store.Store, now time.Time, log *slog.Logger) error {
	users, err := st.AllUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	for _, u := range users {
		charges, err := charge.FromTimechargesForUser(ctx, st, u.UserID, now)
		if err != nil {
			return fmt.Errorf("processing timecharges for user %s: %w", u.UserID, err)
		}
		log.Info("processed timecharges", "user_id", u.UserID, "charges", len(charges))
	}
	return nil
}

// generateCharges converts every uncharged byte report into a
// DataTransferIn/Out charge (internal/charge.FromReports).
func generateCharges(ctx context.Context, st store.Store, now time.Time, log *slog.Logger) error {
	reports, err := st.UnchargedReports(ctx)
	if err != nil {
		return fmt.Errorf("loading uncharged reports: %w", err)
	}
	charges, err := charge.FromReports(ctx, st, reports, now)
	if err != nil {
		return fmt.Errorf("generating charges: %w", err)
	}
	log.Info("generated charges", "count", len(charges))
	return nil
}

// syncUsers pushes every status_synced=false user's current status to the
// backend cluster: Disabled -> ALTER ROLE ... NOLOGIN, Active -> ALTER
// ROLE ... LOGIN (re-enabling a previously disabled role). Deleted users
// are logged and skipped; every other user is still synced, and
// ErrNotImplemented is returned at the end if any Deleted user was seen.
func syncUsers(ctx context.Context, st store.Store, altr roleAlterer, log *slog.Logger) error {
	users, err := st.UnsyncedUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading unsynced users: %w", err)
	}

	sawDeleted := false
	for _, u := range users {
		switch u.Status {
		case store.UserDeleted:
			log.Warn("sync-users: Deleted user status not implemented, skipping", "user_id", u.UserID, "pg_name", u.PgName)
			sawDeleted = true
			continue
		case store.UserDisabled:
			if err := altr.SetLogin(ctx, u.PgName, false); err != nil {
				return fmt.Errorf("disabling role %s: %w", u.PgName, err)
			}
		case store.UserActive:
			if err := altr.SetLogin(ctx, u.PgName, true); err != nil {
				return fmt.Errorf("enabling role %s: %w", u.PgName, err)
			}
		}
		if err := st.MarkUserSynced(ctx, u.UserID); err != nil {
			return fmt.Errorf("marking user %s synced: %w", u.UserID, err)
		}
	}

	if sawDeleted {
		return ErrNotImplemented
	}
	return nil
}
