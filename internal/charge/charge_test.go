package charge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SubstructureOne/impulse/internal/store"
)

// fakeStore is an in-memory store.Store sufficient to exercise the charge
// engine without a real PostgreSQL metering store.
type fakeStore struct {
	charges     []store.Charge
	chargedRIDs map[int64]bool
	timecharges []store.TimeCharge
	nextCharge  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{chargedRIDs: make(map[int64]bool)}
}

func (f *fakeStore) InsertReport(context.Context, store.NewReport) (store.Report, error) {
	panic("unused")
}
func (f *fakeStore) UnchargedReports(context.Context) ([]store.ReportToCharge, error) {
	panic("unused")
}
func (f *fakeStore) MarkReportCharged(_ context.Context, reportID int64) error {
	f.chargedRIDs[reportID] = true
	return nil
}
func (f *fakeStore) UntransactedCharges(context.Context) ([]store.Charge, error) { panic("unused") }
func (f *fakeStore) LastChargeTimePerKind(_ context.Context, userID uuid.UUID) (map[store.ChargeKind]time.Time, error) {
	result := make(map[store.ChargeKind]time.Time)
	for _, c := range f.charges {
		if c.UserID != userID {
			continue
		}
		if existing, ok := result[c.Kind]; !ok || c.ChargeTime.After(existing) {
			result[c.Kind] = c.ChargeTime
		}
	}
	return result, nil
}
func (f *fakeStore) InsertCharge(_ context.Context, nc store.NewCharge) (store.Charge, error) {
	f.nextCharge++
	c := store.Charge{
		ChargeID:   uuid.New(),
		ChargeTime: nc.ChargeTime,
		UserID:     nc.UserID,
		Kind:       nc.Kind,
		Quantity:   nc.Quantity,
		Rate:       nc.Kind.Rate(),
		Amount:     nc.Quantity * nc.Kind.Rate(),
		ReportIDs:  nc.ReportIDs,
	}
	f.charges = append(f.charges, c)
	for _, rid := range nc.ReportIDs {
		f.chargedRIDs[rid] = true
	}
	return c, nil
}
func (f *fakeStore) InsertTimeCharge(_ context.Context, ntc store.NewTimeCharge) (store.TimeCharge, error) {
	tc := store.TimeCharge{TimeChargeID: uuid.New(), TimeChargeTime: ntc.TimeChargeTime, UserID: ntc.UserID, Kind: ntc.Kind, Quantity: ntc.Quantity}
	f.timecharges = append(f.timecharges, tc)
	return tc, nil
}
func (f *fakeStore) TimeChargesFor(_ context.Context, userID uuid.UUID, kind store.TimeChargeKind, strictlyAfter *time.Time) ([]store.TimeCharge, error) {
	var result []store.TimeCharge
	for _, tc := range f.timecharges {
		if tc.UserID != userID || tc.Kind != kind {
			continue
		}
		if strictlyAfter != nil && !tc.TimeChargeTime.After(*strictlyAfter) {
			continue
		}
		result = append(result, tc)
	}
	return result, nil
}
func (f *fakeStore) LastTimeChargeAtOrBefore(_ context.Context, userID uuid.UUID, kind store.TimeChargeKind, at time.Time) (*store.TimeCharge, error) {
	var best *store.TimeCharge
	for i, tc := range f.timecharges {
		if tc.UserID != userID || tc.Kind != kind {
			continue
		}
		if tc.TimeChargeTime.After(at) {
			continue
		}
		if best == nil || tc.TimeChargeTime.After(best.TimeChargeTime) {
			best = &f.timecharges[i]
		}
	}
	return best, nil
}
func (f *fakeStore) EnumerateDatabaseSizes(context.Context) ([]store.DatabaseSize, error) {
	panic("unused")
}
func (f *fakeStore) AllUsers(context.Context) ([]store.User, error)      { panic("unused") }
func (f *fakeStore) UnsyncedUsers(context.Context) ([]store.User, error) { panic("unused") }
func (f *fakeStore) MarkUserSynced(context.Context, uuid.UUID) error     { panic("unused") }
func (f *fakeStore) AddInternalTransaction(context.Context, uuid.UUID, uuid.UUID, []uuid.UUID, float64) (uuid.UUID, error) {
	panic("unused")
}
func (f *fakeStore) CreateUser(context.Context, store.NewUser) (store.User, error) {
	panic("unused")
}
func (f *fakeStore) InsertExtTransaction(context.Context, store.NewExtTransaction) (store.ExtTransaction, error) {
	panic("unused")
}
func (f *fakeStore) Close() {}

func int32p(v int32) *int32 { return &v }

func TestFromReportsSingleForwardReport(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	userID := uuid.New()
	dir := store.DirectionForward
	reports := []store.ReportToCharge{
		{ReportID: 1, UserID: &userID, PacketKind: "Other", Direction: &dir, NumBytes: int32p(4)},
	}
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	charges, err := FromReports(ctx, fs, reports, now)
	if err != nil {
		t.Fatalf("FromReports: %v", err)
	}
	if len(charges) != 1 {
		t.Fatalf("got %d charges, want 1", len(charges))
	}
	c := charges[0]
	if c.UserID != userID || c.Kind != store.ChargeDataTransferIn || c.Quantity != 4.0 || c.Rate != 0.0 || c.Amount != 0.0 {
		t.Errorf("charge = %+v", c)
	}
	if len(c.ReportIDs) != 1 || c.ReportIDs[0] != 1 {
		t.Errorf("report_ids = %v", c.ReportIDs)
	}
	if !fs.chargedRIDs[1] {
		t.Error("report 1 should be marked charged")
	}
}

func TestFromReportsSkipsUnresolvedDirectionOrBytes(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	userID := uuid.New()
	reports := []store.ReportToCharge{
		{ReportID: 1, UserID: &userID, PacketKind: "Other", Direction: nil, NumBytes: int32p(4)},
		{ReportID: 2, UserID: &userID, PacketKind: "Other", Direction: func() *store.PacketDirection { d := store.DirectionForward; return &d }(), NumBytes: nil},
	}
	charges, err := FromReports(ctx, fs, reports, time.Now())
	if err != nil {
		t.Fatalf("FromReports: %v", err)
	}
	if len(charges) != 0 {
		t.Fatalf("expected no charges, got %d", len(charges))
	}
}

func TestFromReportsNilUserAttributedToAdministrator(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	dir := store.DirectionBackward
	reports := []store.ReportToCharge{
		{ReportID: 1, UserID: nil, PacketKind: "Other", Direction: &dir, NumBytes: int32p(10)},
	}
	charges, err := FromReports(ctx, fs, reports, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(charges) != 1 || charges[0].UserID != uuid.Nil {
		t.Errorf("expected charge attributed to nil UUID, got %+v", charges)
	}
}

func TestFromReportsIdempotentSecondPass(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	userID := uuid.New()
	dir := store.DirectionForward
	reports := []store.ReportToCharge{{ReportID: 1, UserID: &userID, Direction: &dir, NumBytes: int32p(4)}}

	if _, err := FromReports(ctx, fs, reports, time.Now()); err != nil {
		t.Fatal(err)
	}
	// the real reports_to_charge view excludes charged=true rows, so a
	// second pass sees no reports; this fake doesn't model the view, so the
	// second pass is given the empty set the view would return, and
	// FromReports must emit no charges for it.
	charges, err := FromReports(ctx, fs, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(charges) != 0 {
		t.Errorf("empty input should yield no charges, got %d", len(charges))
	}
}

func TestFromTimechargesForUserSingleSample(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	userID := uuid.New()
	sampleTime := time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC)
	finalTime := time.Date(2022, 1, 1, 12, 10, 0, 0, time.UTC)

	fs.timecharges = append(fs.timecharges, store.TimeCharge{
		TimeChargeID: uuid.New(), TimeChargeTime: sampleTime, UserID: userID,
		Kind: store.TimeChargeDataStorageBytes, Quantity: 10.0,
	})

	charges, err := FromTimechargesForUser(ctx, fs, userID, finalTime)
	if err != nil {
		t.Fatalf("FromTimechargesForUser: %v", err)
	}
	if len(charges) != 1 {
		t.Fatalf("got %d charges, want 1", len(charges))
	}
	c := charges[0]
	wantQuantity := 10.0 * 600 / 3600
	if c.Quantity != wantQuantity {
		t.Errorf("quantity = %v, want %v", c.Quantity, wantQuantity)
	}
	if c.Rate != 2.0534e-13 {
		t.Errorf("rate = %v, want 2.0534e-13", c.Rate)
	}
	if c.Amount != c.Quantity*c.Rate {
		t.Errorf("amount = %v, want quantity*rate", c.Amount)
	}
}

func TestFromTimechargesForUserInconsistentTimeline(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	userID := uuid.New()
	sampleTime := time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC)
	// finalChargeTime BEFORE the only sample: endTime < startTime
	finalTime := time.Date(2022, 1, 1, 11, 0, 0, 0, time.UTC)

	fs.timecharges = append(fs.timecharges, store.TimeCharge{
		TimeChargeID: uuid.New(), TimeChargeTime: sampleTime, UserID: userID,
		Kind: store.TimeChargeDataStorageBytes, Quantity: 10.0,
	})

	_, err := FromTimechargesForUser(ctx, fs, userID, finalTime)
	if err != store.ErrInconsistentTimeline {
		t.Errorf("err = %v, want ErrInconsistentTimeline", err)
	}
}
