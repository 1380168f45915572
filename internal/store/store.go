// Package store defines the metering-store adapter contract: the
// persistence interface used by the Reporter and by the metering batch
// driver (cmd/impulse), plus the public domain types reports, charges,
// timecharges, transactions and users are exchanged as.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable is a retryable transient failure (connection acquire,
// network error). Callers may retry with backoff.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrStoreBadData is a terminal failure (constraint violation, malformed
// input). Callers must not retry.
var ErrStoreBadData = errors.New("store: bad data")

// ErrInconsistentTimeline is returned by the charge engine's timecharge
// walk when charge_endtime < charge_starttime or charge_starttime <
// prior timecharge time.
var ErrInconsistentTimeline = errors.New("store: inconsistent charge timeline")

// ErrChargeWithoutUser is the sentinel for a charge that cannot be
// attributed to a user. No function in this module returns it:
// charge.FromReports bills reports with no resolved user to uuid.Nil.
var ErrChargeWithoutUser = errors.New("store: charge without user")

// PacketDirection mirrors wire.Direction at the persistence boundary,
// independent of the wire package so store has no dependency on it.
type PacketDirection string

const (
	DirectionForward  PacketDirection = "Forward"
	DirectionBackward PacketDirection = "Backward"
)

// ChargeKind enumerates the Chargetype DB enum.
type ChargeKind string

const (
	ChargeDataTransferIn  ChargeKind = "DataTransferInBytes"
	ChargeDataTransferOut ChargeKind = "DataTransferOutBytes"
	ChargeDataStorage     ChargeKind = "DataStorageByteHours"
)

// Rate returns the fixed per-unit rate for a charge kind.
func (k ChargeKind) Rate() float64 {
	switch k {
	case ChargeDataTransferIn:
		return 0.0
	case ChargeDataTransferOut:
		return 1.5e-15
	case ChargeDataStorage:
		return 2.0534e-13
	default:
		return 0
	}
}

// TimeChargeKind enumerates the Timechargetype DB enum. Only
// DataStorageBytes exists today.
type TimeChargeKind string

const TimeChargeDataStorageBytes TimeChargeKind = "DataStorageBytes"

// UserStatus enumerates the Userstatus DB enum.
type UserStatus string

const (
	UserActive   UserStatus = "Active"
	UserDisabled UserStatus = "Disabled"
	UserDeleted  UserStatus = "Deleted"
)

// Report is a persisted packet observation.
type Report struct {
	ReportID    int64
	Username    *string
	PacketKind  string
	PacketTime  time.Time
	Direction   *PacketDirection
	PacketInfo  []byte // structured JSON, opaque to this layer
	PacketBytes []byte
	Charged     bool
}

// NewReport is the insertable shape of a Report. PacketTime is the moment
// the packet was observed on the wire, not the moment the row commits;
// reports may land out of order and are re-sequenced by this column. A
// zero PacketTime defaults to now().
type NewReport struct {
	Username    *string
	PacketKind  string
	PacketTime  time.Time
	Direction   *string
	PacketInfo  []byte
	PacketBytes []byte
	Charged     bool
}

// ReportToCharge is a row of the reports_to_charge view: reports joined to
// users by username, filtered to charged = false, with num_bytes computed
// server-side as octet_length(packet_bytes).
type ReportToCharge struct {
	ReportID   int64
	UserID     *uuid.UUID
	PacketKind string
	Direction  *PacketDirection
	NumBytes   *int32
}

// User is a metering-store account, namespaced 1:1 with a PostgreSQL role
// on the backend cluster via PgName.
type User struct {
	UserID        uuid.UUID
	PgName        string
	Status        UserStatus
	Balance       float64
	StatusSynced  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewUser is the insertable shape of a User.
type NewUser struct {
	UserID  uuid.UUID
	PgName  string
	Balance float64
}

// Charge is a committed byte-quantity or storage charge.
type Charge struct {
	ChargeID   uuid.UUID
	ChargeTime time.Time
	UserID     uuid.UUID
	Kind       ChargeKind
	Quantity   float64
	Rate       float64
	Amount     float64
	ReportIDs  []int64 // nil for storage charges
	Transacted bool
}

// NewCharge is the insertable shape of a Charge, committed atomically with
// marking every referenced report as charged.
type NewCharge struct {
	ChargeTime time.Time
	UserID     uuid.UUID
	Kind       ChargeKind
	Quantity   float64
	ReportIDs  []int64
}

// TimeCharge is a point-in-time storage-footprint sample.
type TimeCharge struct {
	TimeChargeID   uuid.UUID
	TimeChargeTime time.Time
	UserID         uuid.UUID
	Kind           TimeChargeKind
	Quantity       float64
}

// NewTimeCharge is the insertable shape of a TimeCharge.
type NewTimeCharge struct {
	TimeChargeTime time.Time
	UserID         uuid.UUID
	Kind           TimeChargeKind
	Quantity       float64
}

// Transaction bundles a user's charges into a single ledger entry.
type Transaction struct {
	TransactionID uuid.UUID
	TxnTime       time.Time
	FromUser      uuid.UUID
	ToUser        uuid.UUID
	ChargeIDs     []uuid.UUID
	Amount        float64
}

// ExtTransaction is an external credit or debit applied to a user's balance,
// keyed by a unique external reference (a payment processor's id, say).
type ExtTransaction struct {
	ExtTransactionID   int64
	UserID             uuid.UUID
	Amount             float64
	ExtTransactionTime time.Time
	ExtID              string
}

// NewExtTransaction is the insertable shape of an ExtTransaction. A nil
// Time defaults to now() server-side. ExtID must be unique; a duplicate
// insert fails with ErrStoreBadData rather than double-crediting.
type NewExtTransaction struct {
	UserID uuid.UUID
	Amount float64
	Time   *time.Time
	ExtID  string
}

// Store is the metering-store persistence contract used by the packet
// reporter and the metering batch driver. All operations are synchronous
// from the caller's perspective; an implementation is free to pool
// connections internally.
type Store interface {
	InsertReport(ctx context.Context, r NewReport) (Report, error)
	UnchargedReports(ctx context.Context) ([]ReportToCharge, error)
	MarkReportCharged(ctx context.Context, reportID int64) error

	UntransactedCharges(ctx context.Context) ([]Charge, error)
	LastChargeTimePerKind(ctx context.Context, userID uuid.UUID) (map[ChargeKind]time.Time, error)
	InsertCharge(ctx context.Context, c NewCharge) (Charge, error)

	InsertTimeCharge(ctx context.Context, tc NewTimeCharge) (TimeCharge, error)
	TimeChargesFor(ctx context.Context, userID uuid.UUID, kind TimeChargeKind, strictlyAfter *time.Time) ([]TimeCharge, error)
	LastTimeChargeAtOrBefore(ctx context.Context, userID uuid.UUID, kind TimeChargeKind, at time.Time) (*TimeCharge, error)

	EnumerateDatabaseSizes(ctx context.Context) ([]DatabaseSize, error)

	CreateUser(ctx context.Context, u NewUser) (User, error)
	AllUsers(ctx context.Context) ([]User, error)
	UnsyncedUsers(ctx context.Context) ([]User, error)
	MarkUserSynced(ctx context.Context, userID uuid.UUID) error

	// InsertExtTransaction records an external credit/debit and adjusts the
	// user's balance atomically. The unique exttransaction_extid makes a
	// replayed external event a bad-data error instead of a double credit.
	InsertExtTransaction(ctx context.Context, et NewExtTransaction) (ExtTransaction, error)

	// AddInternalTransaction sums the referenced charges' amounts, inserts a
	// Transaction, sets each charge's transacted = true, and updates
	// users.balance, atomically. If the resulting balance is at or below
	// disableThreshold, the user's status becomes Disabled and
	// status_synced is cleared.
	AddInternalTransaction(ctx context.Context, fromUser, toUser uuid.UUID, chargeIDs []uuid.UUID, disableThreshold float64) (uuid.UUID, error)

	Close()
}

// DatabaseSize is one row of `SELECT datname, pg_database_size(datname)`.
type DatabaseSize struct {
	DBName  string
	DBBytes int64
}
