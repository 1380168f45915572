// Package sampler implements the storage sampler: enumerating backend
// database sizes and attributing them to the owning metering-store user by
// PgName, producing one DataStorageBytes timecharge per user per run.
package sampler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SubstructureOne/impulse/internal/store"
)

const separator = "__"

// matchOwner reports whether dbName is owned by pgName under the
// append-username naming convention: either dbName == pgName exactly, or
// dbName ends in separator+pgName after splitting on the LAST separator.
//
// pgName itself is constrained to contain no underscore, so an
// exact-equality database can never also match via the suffix branch; the
// two cases are checked in this order rather than folded into one regex.
func matchOwner(dbName, pgName string) bool {
	if dbName == pgName {
		return true
	}
	idx := strings.LastIndex(dbName, separator)
	if idx < 0 {
		return false
	}
	return dbName[idx+len(separator):] == pgName
}

// Sample enumerates every backend database, sums bytes per owning user, and
// commits one NewTimeCharge per user with the shared timestamp now. Databases
// matching no known user's PgName are ignored (they may be system databases
// or databases belonging to roles metering does not track).
func Sample(ctx context.Context, st store.Store, now time.Time) ([]store.TimeCharge, error) {
	sizes, err := st.EnumerateDatabaseSizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating database sizes: %w", err)
	}
	users, err := st.AllUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}

	totals := make(map[uuid.UUID]int64)
	var order []uuid.UUID
	for _, sz := range sizes {
		for _, u := range users {
			if !matchOwner(sz.DBName, u.PgName) {
				continue
			}
			if _, seen := totals[u.UserID]; !seen {
				order = append(order, u.UserID)
			}
			totals[u.UserID] += sz.DBBytes
			break
		}
	}

	var charges []store.TimeCharge
	for _, userID := range order {
		tc, err := st.InsertTimeCharge(ctx, store.NewTimeCharge{
			TimeChargeTime: now,
			UserID:         userID,
			Kind:           store.TimeChargeDataStorageBytes,
			Quantity:       float64(totals[userID]),
		})
		if err != nil {
			return charges, fmt.Errorf("committing timecharge for user %s: %w", userID, err)
		}
		charges = append(charges, tc)
	}
	return charges, nil
}
