// Package charge implements the charge engine: converting byte
// reports into DataTransferIn/Out charges, and converting storage samples
// into DataStorageByteHours charges anchored by prior charge time.
package charge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SubstructureOne/impulse/internal/store"
)

// kindForDirection derives a ChargeKind from a report's direction. A nil
// direction or nil NumBytes causes the report to be skipped entirely.
func kindForDirection(dir *store.PacketDirection) (store.ChargeKind, bool) {
	if dir == nil {
		return "", false
	}
	switch *dir {
	case store.DirectionForward:
		return store.ChargeDataTransferIn, true
	case store.DirectionBackward:
		return store.ChargeDataTransferOut, true
	default:
		return "", false
	}
}

type group struct {
	userID    uuid.UUID
	kind      store.ChargeKind
	quantity  float64
	reportIDs []int64
}

func groupKey(userID uuid.UUID, kind store.ChargeKind) string {
	return userID.String() + "|" + string(kind)
}

// FromReports groups uncharged reports by (user_id, charge_kind) and
// commits one Charge per group summing num_bytes. Reports attributed to no
// user (username didn't resolve via the view join) fall under uuid.Nil,
// the system-administrator sentinel. now is the charge_time stamped on
// every emitted charge.
func FromReports(ctx context.Context, st store.Store, reports []store.ReportToCharge, now time.Time) ([]store.Charge, error) {
	groups := make(map[string]*group)
	var order []string

	for _, r := range reports {
		kind, ok := kindForDirection(r.Direction)
		if !ok || r.NumBytes == nil {
			continue
		}
		userID := uuid.Nil
		if r.UserID != nil {
			userID = *r.UserID
		}
		key := groupKey(userID, kind)
		g, exists := groups[key]
		if !exists {
			g = &group{userID: userID, kind: kind}
			groups[key] = g
			order = append(order, key)
		}
		g.quantity += float64(*r.NumBytes)
		g.reportIDs = append(g.reportIDs, r.ReportID)
	}

	var charges []store.Charge
	for _, key := range order {
		g := groups[key]
		c, err := st.InsertCharge(ctx, store.NewCharge{
			ChargeTime: now,
			UserID:     g.userID,
			Kind:       g.kind,
			Quantity:   g.quantity,
			ReportIDs:  g.reportIDs,
		})
		if err != nil {
			return charges, fmt.Errorf("committing charge for %s/%s: %w", g.userID, g.kind, err)
		}
		charges = append(charges, c)
	}
	return charges, nil
}

// FromTimechargesForUser produces DataStorageByteHours charges covering the
// span between successive storage samples for one user, anchored by the
// most recent prior charge time, then emits a final charge from the most
// recent sample to finalChargeTime (defaulting to now when zero).
//
// Validation: every emitted charge requires charge_endtime >=
// charge_starttime >= the prior timecharge's time, otherwise
// store.ErrInconsistentTimeline.
func FromTimechargesForUser(ctx context.Context, st store.Store, userID uuid.UUID, finalChargeTime time.Time) ([]store.Charge, error) {
	if finalChargeTime.IsZero() {
		finalChargeTime = time.Now().UTC()
	}

	lastByKind, err := st.LastChargeTimePerKind(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading last charge time: %w", err)
	}
	var t0 *time.Time
	if t, ok := lastByKind[store.ChargeDataStorage]; ok {
		t0 = &t
	}

	samples, err := st.TimeChargesFor(ctx, userID, store.TimeChargeDataStorageBytes, t0)
	if err != nil {
		return nil, fmt.Errorf("loading timecharge samples: %w", err)
	}

	var prevTime *time.Time
	var prevTC *store.TimeCharge
	if t0 != nil {
		prevTime = t0
		prevTC, err = st.LastTimeChargeAtOrBefore(ctx, userID, store.TimeChargeDataStorageBytes, *t0)
		if err != nil {
			return nil, fmt.Errorf("loading anchor timecharge: %w", err)
		}
	}

	var charges []store.Charge

	emit := func(quantity float64, chargeTime, startTime, endTime time.Time, anchorTime time.Time) (store.Charge, error) {
		if endTime.Before(startTime) || startTime.Before(anchorTime) {
			return store.Charge{}, store.ErrInconsistentTimeline
		}
		return st.InsertCharge(ctx, store.NewCharge{
			ChargeTime: chargeTime,
			UserID:     userID,
			Kind:       store.ChargeDataStorage,
			Quantity:   quantity,
		})
	}

	for i := range samples {
		tc := samples[i]
		if prevTime != nil && prevTC != nil {
			seconds := tc.TimeChargeTime.Sub(*prevTime).Seconds()
			quantity := prevTC.Quantity * seconds / 3600
			c, err := emit(quantity, tc.TimeChargeTime, *prevTime, tc.TimeChargeTime, prevTC.TimeChargeTime)
			if err != nil {
				return charges, err
			}
			charges = append(charges, c)
		}
		t := tc.TimeChargeTime
		prevTime = &t
		prevTC = &samples[i]
	}

	if prevTime != nil && prevTC != nil {
		seconds := finalChargeTime.Sub(*prevTime).Seconds()
		quantity := prevTC.Quantity * seconds / 3600
		c, err := emit(quantity, finalChargeTime, *prevTime, finalChargeTime, prevTC.TimeChargeTime)
		if err != nil {
			return charges, err
		}
		charges = append(charges, c)
	}

	return charges, nil
}
