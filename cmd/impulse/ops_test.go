package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SubstructureOne/impulse/internal/store"
)

// fakeStore is an in-memory store.Store sufficient to exercise syncUsers
// without a real metering-store connection.
type fakeStore struct {
	unsynced []store.User
	synced   map[uuid.UUID]bool
}

func (f *fakeStore) InsertReport(context.Context, store.NewReport) (store.Report, error) {
	panic("unused")
}
func (f *fakeStore) UnchargedReports(context.Context) ([]store.ReportToCharge, error) {
	panic("unused")
}
func (f *fakeStore) MarkReportCharged(context.Context, int64) error { panic("unused") }
func (f *fakeStore) UntransactedCharges(context.Context) ([]store.Charge, error) {
	panic("unused")
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
func (f *fakeStore) AllUsers(context.Context) ([]store.User, error) { panic("unused") }
func (f *fakeStore) UnsyncedUsers(context.Context) ([]store.User, error) {
	return f.unsynced, nil
}
func (f *fakeStore) MarkUserSynced(_ context.Context, userID uuid.UUID) error {
	f.synced[userID] = true
	return nil
}
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

// fakeAlterer records SetLogin calls instead of touching a real cluster.
type fakeAlterer struct {
	calls []struct {
		pgName string
		allow  bool
	}
}

func (a *fakeAlterer) SetLogin(_ context.Context, pgName string, allow bool) error {
	a.calls = append(a.calls, struct {
		pgName string
		allow  bool
	}{pgName, allow})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSyncUsersDisablesAndEnables(t *testing.T) {
	ctx := context.Background()
	disabledID, activeID := uuid.New(), uuid.New()
	fs := &fakeStore{
		unsynced: []store.User{
			{UserID: disabledID, PgName: "bob", Status: store.UserDisabled},
			{UserID: activeID, PgName: "alice", Status: store.UserActive},
		},
		synced: make(map[uuid.UUID]bool),
	}
	altr := &fakeAlterer{}

	if err := syncUsers(ctx, fs, altr, testLogger()); err != nil {
		t.Fatalf("syncUsers: %v", err)
	}
	if len(altr.calls) != 2 {
		t.Fatalf("expected 2 SetLogin calls, got %d", len(altr.calls))
	}
	if altr.calls[0].pgName != "bob" || altr.calls[0].allow != false {
		t.Errorf("first call = %+v, want bob/disallow", altr.calls[0])
	}
	if altr.calls[1].pgName != "alice" || altr.calls[1].allow != true {
		t.Errorf("second call = %+v, want alice/allow", altr.calls[1])
	}
	if !fs.synced[disabledID] || !fs.synced[activeID] {
		t.Errorf("expected both users marked synced, got %+v", fs.synced)
	}
}

func TestSyncUsersDeletedReturnsNotImplementedButStillSyncsOthers(t *testing.T) {
	ctx := context.Background()
	deletedID, activeID := uuid.New(), uuid.New()
	fs := &fakeStore{
		unsynced: []store.User{
			{UserID: deletedID, PgName: "gone", Status: store.UserDeleted},
			{UserID: activeID, PgName: "alice", Status: store.UserActive},
		},
		synced: make(map[uuid.UUID]bool),
	}
	altr := &fakeAlterer{}

	err := syncUsers(ctx, fs, altr, testLogger())
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("syncUsers error = %v, want ErrNotImplemented", err)
	}
	if fs.synced[deletedID] {
		t.Errorf("Deleted user should not be marked synced")
	}
	if !fs.synced[activeID] {
		t.Errorf("Active user should still be synced despite the Deleted failure")
	}
	if len(altr.calls) != 1 {
		t.Fatalf("expected exactly 1 SetLogin call (for the Active user), got %d", len(altr.calls))
	}
}
