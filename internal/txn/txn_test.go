package txn

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SubstructureOne/impulse/internal/store"
)

type txnCall struct {
	from, to uuid.UUID
	ids      []uuid.UUID
	disable  float64
}

type fakeStore struct {
	untransacted []store.Charge
	calls        []txnCall
	nextTxnID    func() uuid.UUID
}

func (f *fakeStore) InsertReport(context.Context, store.NewReport) (store.Report, error) {
	panic("unused")
}
func (f *fakeStore) UnchargedReports(context.Context) ([]store.ReportToCharge, error) {
	panic("unused")
}
func (f *fakeStore) MarkReportCharged(context.Context, int64) error { panic("unused") }
func (f *fakeStore) UntransactedCharges(context.Context) ([]store.Charge, error) {
	return f.untransacted, nil
}
func (f *fakeStore) LastChargeTimePerKind(context.Context, uuid.UUID) (map[store.ChargeKind]time.Time, error) {
	panic("unused")
}
func (f *fakeStore) InsertCharge(context.Context, store.NewCharge) (store.Charge, error) {
	panic("unused")
}
func (f *fakeStore) InsertTimeCharge(context.Context, store.NewTimeCharge) (store.TimeCharge, error) {
	panic("unused")
}
func (f *fakeStore) TimeChargesFor(context.Context, uuid.UUID, store.TimeChargeKind, *time.Time) ([]store.TimeCharge, error) {
	panic("unused")
}
func (f *fakeStore) LastTimeChargeAtOrBefore(context.Context, uuid.UUID, store.TimeChargeKind, time.Time) (*store.TimeCharge, error) {
	panic("unused")
}
func (f *fakeStore) EnumerateDatabaseSizes(context.Context) ([]store.DatabaseSize, error) {
	panic("unused")
}
func (f *fakeStore) AllUsers(context.Context) ([]store.User, error)      { panic("unused") }
func (f *fakeStore) UnsyncedUsers(context.Context) ([]store.User, error) { panic("unused") }
func (f *fakeStore) MarkUserSynced(context.Context, uuid.UUID) error     { panic("unused") }
func (f *fakeStore) AddInternalTransaction(_ context.Context, fromUser, toUser uuid.UUID, chargeIDs []uuid.UUID, disableThreshold float64) (uuid.UUID, error) {
	f.calls = append(f.calls, txnCall{from: fromUser, to: toUser, ids: chargeIDs, disable: disableThreshold})
	return f.nextTxnID(), nil
}
func (f *fakeStore) CreateUser(context.Context, store.NewUser) (store.User, error) {
	panic("unused")
}
func (f *fakeStore) InsertExtTransaction(context.Context, store.NewExtTransaction) (store.ExtTransaction, error) {
	panic("unused")
}
func (f *fakeStore) Close() {}

func TestBundleUntransactedSingleUser(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	c1, c2 := uuid.New(), uuid.New()

	fs := &fakeStore{
		untransacted: []store.Charge{
			{ChargeID: c1, UserID: userID, Amount: 8.5},
			{ChargeID: c2, UserID: userID, Amount: 9.54},
		},
	}
	var generated uuid.UUID
	fs.nextTxnID = func() uuid.UUID { generated = uuid.New(); return generated }

	txnIDs, err := BundleUntransacted(ctx, fs, -1.0)
	if err != nil {
		t.Fatalf("BundleUntransacted: %v", err)
	}
	if len(txnIDs) != 1 || txnIDs[0] != generated {
		t.Fatalf("txnIDs = %v", txnIDs)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("expected 1 AddInternalTransaction call, got %d", len(fs.calls))
	}
	call := fs.calls[0]
	if call.from != userID {
		t.Errorf("from_user = %v, want %v", call.from, userID)
	}
	if call.to != uuid.Nil {
		t.Errorf("to_user = %v, want nil UUID", call.to)
	}
	if len(call.ids) != 2 {
		t.Errorf("charge_ids = %v, want 2 entries", call.ids)
	}
	if call.disable != -1.0 {
		t.Errorf("disable_threshold = %v, want -1.0", call.disable)
	}
}

func TestBundleUntransactedGroupsByUser(t *testing.T) {
	ctx := context.Background()
	userA, userB := uuid.New(), uuid.New()
	fs := &fakeStore{
		untransacted: []store.Charge{
			{ChargeID: uuid.New(), UserID: userA, Amount: 1},
			{ChargeID: uuid.New(), UserID: userB, Amount: 2},
			{ChargeID: uuid.New(), UserID: userA, Amount: 3},
		},
	}
	fs.nextTxnID = func() uuid.UUID { return uuid.New() }

	txnIDs, err := BundleUntransacted(ctx, fs, -1.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txnIDs) != 2 {
		t.Fatalf("expected 2 transactions (one per user), got %d", len(txnIDs))
	}
	if len(fs.calls) != 2 || len(fs.calls[0].ids) != 2 || len(fs.calls[1].ids) != 1 {
		t.Errorf("unexpected grouping: %+v", fs.calls)
	}
}
