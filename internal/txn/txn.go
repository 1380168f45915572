// Package txn implements the transaction bundler: grouping a user's
// untransacted charges into one internal transaction against the system
// administrator (uuid.Nil).
package txn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/SubstructureOne/impulse/internal/store"
)

// BundleUntransacted groups every untransacted charge by its user_id and
// calls Store.AddInternalTransaction once per group, with to_user =
// uuid.Nil, the system administrator being paid. A
// charge appears in exactly one transaction ever, enforced by the store's
// transacted flag. Returns the created transaction ids, one per user.
func BundleUntransacted(ctx context.Context, st store.Store, disableThreshold float64) ([]uuid.UUID, error) {
	charges, err := st.UntransactedCharges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading untransacted charges: %w", err)
	}

	byUser := make(map[uuid.UUID][]uuid.UUID)
	var order []uuid.UUID
	for _, c := range charges {
		if _, seen := byUser[c.UserID]; !seen {
			order = append(order, c.UserID)
		}
		byUser[c.UserID] = append(byUser[c.UserID], c.ChargeID)
	}

	var txnIDs []uuid.UUID
	for _, userID := range order {
		txnID, err := st.AddInternalTransaction(ctx, userID, uuid.Nil, byUser[userID], disableThreshold)
		if err != nil {
			return txnIDs, fmt.Errorf("bundling transaction for user %s: %w", userID, err)
		}
		txnIDs = append(txnIDs, txnID)
	}
	return txnIDs, nil
}
