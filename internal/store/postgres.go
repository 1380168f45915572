package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed metering store adapter. The metering
// store is logically separate from the backend cluster being proxied;
// this pool only ever talks to the former.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// maxConnectAttempts bounds the exponential-backoff retry loop used when
// the store is unreachable at startup.
const maxConnectAttempts = 5

// Open establishes a connection pool to the metering store. Connection
// acquisition is a transient failure class: Open retries with exponential
// backoff, up to maxConnectAttempts, before giving up with
// ErrStoreUnavailable.
func Open(ctx context.Context, connstr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connstr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return &PostgresStore{pool: pool}, nil
		}
		if attempt >= maxConnectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		}
		backoff *= 2
	}
	pool.Close()
	return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the metering store's schema: enum types, tables, the
// reports_to_charge view and the add_internal_transaction function. Every
// statement is idempotent, so running it against an already-initialized
// store is a no-op. Deployments run this once at provisioning time; it is
// not invoked on the proxy's hot path.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return classifyErr(err)
	}
	defer conn.Release()

	// the script is multi-statement, so it must go over the simple query
	// protocol rather than through a prepared statement.
	if _, err := conn.Conn().PgConn().Exec(ctx, schemaSQL).ReadAll(); err != nil {
		return classifyErr(err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// reportRow is the private wire representation of a reports row: packet_id
// is the table's actual primary key column, renamed Report.ReportID at the
// public boundary.
type reportRow struct {
	PacketID    int64
	Username    *string
	PacketType  string
	PacketTime  time.Time
	Direction   *string
	PacketInfo  []byte
	PacketBytes []byte
	Charged     bool
}

func (r reportRow) toPublic() Report {
	var dir *PacketDirection
	if r.Direction != nil {
		d := PacketDirection(*r.Direction)
		dir = &d
	}
	return Report{
		ReportID:    r.PacketID,
		Username:    r.Username,
		PacketKind:  r.PacketType,
		PacketTime:  r.PacketTime,
		Direction:   dir,
		PacketInfo:  r.PacketInfo,
		PacketBytes: r.PacketBytes,
		Charged:     r.Charged,
	}
}

// InsertReport inserts a report and returns the committed row.
func (s *PostgresStore) InsertReport(ctx context.Context, nr NewReport) (Report, error) {
	if nr.PacketTime.IsZero() {
		nr.PacketTime = time.Now().UTC()
	}
	row := reportRow{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reports (username, packet_type, packet_time, direction, packet_info, packet_bytes, charged)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING packet_id, username, packet_type, packet_time, direction, packet_info, packet_bytes, charged
	`, nr.Username, nr.PacketKind, nr.PacketTime, nr.Direction, nr.PacketInfo, nr.PacketBytes, nr.Charged).Scan(
		&row.PacketID, &row.Username, &row.PacketType, &row.PacketTime, &row.Direction, &row.PacketInfo, &row.PacketBytes, &row.Charged,
	)
	if err != nil {
		return Report{}, classifyErr(err)
	}
	return row.toPublic(), nil
}

// reportToChargeRow is the private row shape of the reports_to_charge view.
type reportToChargeRow struct {
	ReportID   int64
	UserID     *uuid.UUID
	PacketType string
	Direction  *string
	NumBytes   *int32
}

// UnchargedReports reads the server-side view joining reports to users by
// username, filtered to charged = false.
func (s *PostgresStore) UnchargedReports(ctx context.Context) ([]ReportToCharge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT report_id, user_id, packet_type, direction, num_bytes FROM reports_to_charge
	`)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var result []ReportToCharge
	for rows.Next() {
		var r reportToChargeRow
		if err := rows.Scan(&r.ReportID, &r.UserID, &r.PacketType, &r.Direction, &r.NumBytes); err != nil {
			return nil, classifyErr(err)
		}
		var dir *PacketDirection
		if r.Direction != nil {
			d := PacketDirection(*r.Direction)
			dir = &d
		}
		result = append(result, ReportToCharge{
			ReportID:   r.ReportID,
			UserID:     r.UserID,
			PacketKind: r.PacketType,
			Direction:  dir,
			NumBytes:   r.NumBytes,
		})
	}
	return result, rows.Err()
}

// MarkReportCharged flips a report's charged flag to true.
func (s *PostgresStore) MarkReportCharged(ctx context.Context, reportID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE reports SET charged = true WHERE packet_id = $1`, reportID)
	return classifyErr(err)
}

// chargeRow is the private wire representation of a charges row.
// report_ids is a nullable array of nullable bigints in the schema; the DB
// forbids inner nulls via constraint, so scanning an inner null here is a
// bad-data error rather than a value this adapter needs to represent.
type chargeRow struct {
	ChargeID   uuid.UUID
	ChargeTime time.Time
	UserID     uuid.UUID
	ChargeType string
	Quantity   float64
	Rate       float64
	ReportIDs  []*int64
	Transacted bool
}

func (c chargeRow) toPublic() (Charge, error) {
	var ids []int64
	for _, id := range c.ReportIDs {
		if id == nil {
			return Charge{}, fmt.Errorf("%w: null element in report_ids", ErrStoreBadData)
		}
		ids = append(ids, *id)
	}
	return Charge{
		ChargeID:   c.ChargeID,
		ChargeTime: c.ChargeTime,
		UserID:     c.UserID,
		Kind:       ChargeKind(c.ChargeType),
		Quantity:   c.Quantity,
		Rate:       c.Rate,
		Amount:     c.Quantity * c.Rate,
		ReportIDs:  ids,
		Transacted: c.Transacted,
	}, nil
}

// InsertCharge commits a charge and marks every referenced report charged,
// atomically within one transaction.
func (s *PostgresStore) InsertCharge(ctx context.Context, nc NewCharge) (Charge, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Charge{}, classifyErr(err)
	}
	defer tx.Rollback(ctx)

	var reportIDs []int64
	if len(nc.ReportIDs) > 0 {
		reportIDs = nc.ReportIDs
	}

	row := chargeRow{}
	err = tx.QueryRow(ctx, `
		INSERT INTO charges (charge_time, user_id, charge_type, quantity, rate, report_ids, transacted)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		RETURNING charge_id, charge_time, user_id, charge_type, quantity, rate, report_ids, transacted
	`, nc.ChargeTime, nc.UserID, string(nc.Kind), nc.Quantity, nc.Kind.Rate(), reportIDs).Scan(
		&row.ChargeID, &row.ChargeTime, &row.UserID, &row.ChargeType, &row.Quantity, &row.Rate, &row.ReportIDs, &row.Transacted,
	)
	if err != nil {
		return Charge{}, classifyErr(err)
	}

	for _, rid := range nc.ReportIDs {
		if _, err := tx.Exec(ctx, `UPDATE reports SET charged = true WHERE packet_id = $1`, rid); err != nil {
			return Charge{}, classifyErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Charge{}, classifyErr(err)
	}
	return row.toPublic()
}

// UntransactedCharges returns every charge not yet bundled into a Transaction.
func (s *PostgresStore) UntransactedCharges(ctx context.Context) ([]Charge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT charge_id, charge_time, user_id, charge_type, quantity, rate, report_ids, transacted
		FROM charges WHERE transacted = false
	`)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var result []Charge
	for rows.Next() {
		var row chargeRow
		if err := rows.Scan(&row.ChargeID, &row.ChargeTime, &row.UserID, &row.ChargeType, &row.Quantity, &row.Rate, &row.ReportIDs, &row.Transacted); err != nil {
			return nil, classifyErr(err)
		}
		pub, err := row.toPublic()
		if err != nil {
			return nil, err
		}
		result = append(result, pub)
	}
	return result, rows.Err()
}

// LastChargeTimePerKind returns the most recent charge_time per ChargeKind
// for a user, used to anchor the timecharge walk.
func (s *PostgresStore) LastChargeTimePerKind(ctx context.Context, userID uuid.UUID) (map[ChargeKind]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT charge_type, max(charge_time) FROM charges
		WHERE user_id = $1 GROUP BY charge_type
	`, userID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	result := make(map[ChargeKind]time.Time)
	for rows.Next() {
		var kind string
		var t time.Time
		if err := rows.Scan(&kind, &t); err != nil {
			return nil, classifyErr(err)
		}
		result[ChargeKind(kind)] = t
	}
	return result, rows.Err()
}

// InsertTimeCharge inserts a point-in-time storage sample.
func (s *PostgresStore) InsertTimeCharge(ctx context.Context, ntc NewTimeCharge) (TimeCharge, error) {
	var tc TimeCharge
	var k string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO timecharges (timecharge_time, user_id, timecharge_type, quantity)
		VALUES ($1, $2, $3, $4)
		RETURNING timecharge_id, timecharge_time, user_id, timecharge_type, quantity
	`, ntc.TimeChargeTime, ntc.UserID, string(ntc.Kind), ntc.Quantity).Scan(
		&tc.TimeChargeID, &tc.TimeChargeTime, &tc.UserID, &k, &tc.Quantity,
	)
	if err != nil {
		return TimeCharge{}, classifyErr(err)
	}
	tc.Kind = TimeChargeKind(k)
	return tc, nil
}

// TimeChargesFor returns a user's samples of the given kind, ascending by
// timecharge_time, optionally restricted to strictly after a timestamp.
func (s *PostgresStore) TimeChargesFor(ctx context.Context, userID uuid.UUID, kind TimeChargeKind, strictlyAfter *time.Time) ([]TimeCharge, error) {
	var rows pgx.Rows
	var err error
	if strictlyAfter != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT timecharge_id, timecharge_time, user_id, timecharge_type, quantity
			FROM timecharges WHERE user_id = $1 AND timecharge_type = $2 AND timecharge_time > $3
			ORDER BY timecharge_time ASC
		`, userID, string(kind), *strictlyAfter)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT timecharge_id, timecharge_time, user_id, timecharge_type, quantity
			FROM timecharges WHERE user_id = $1 AND timecharge_type = $2
			ORDER BY timecharge_time ASC
		`, userID, string(kind))
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var result []TimeCharge
	for rows.Next() {
		var tc TimeCharge
		var k string
		if err := rows.Scan(&tc.TimeChargeID, &tc.TimeChargeTime, &tc.UserID, &k, &tc.Quantity); err != nil {
			return nil, classifyErr(err)
		}
		tc.Kind = TimeChargeKind(k)
		result = append(result, tc)
	}
	return result, rows.Err()
}

// LastTimeChargeAtOrBefore returns the most recent sample at or before `at`.
func (s *PostgresStore) LastTimeChargeAtOrBefore(ctx context.Context, userID uuid.UUID, kind TimeChargeKind, at time.Time) (*TimeCharge, error) {
	var tc TimeCharge
	var k string
	err := s.pool.QueryRow(ctx, `
		SELECT timecharge_id, timecharge_time, user_id, timecharge_type, quantity
		FROM timecharges WHERE user_id = $1 AND timecharge_type = $2 AND timecharge_time <= $3
		ORDER BY timecharge_time DESC LIMIT 1
	`, userID, string(kind), at).Scan(&tc.TimeChargeID, &tc.TimeChargeTime, &tc.UserID, &k, &tc.Quantity)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classifyErr(err)
	}
	tc.Kind = TimeChargeKind(k)
	return &tc, nil
}

// EnumerateDatabaseSizes introspects the backend cluster.
// Note this queries the managed backend cluster, not the metering store
// itself. PostgresStore is reused here because both are plain PostgreSQL
// connections; callers construct it with the managed cluster's connstr
// when using it for this one method (see cmd/impulse's storage sampler
// wiring).
func (s *PostgresStore) EnumerateDatabaseSizes(ctx context.Context) ([]DatabaseSize, error) {
	rows, err := s.pool.Query(ctx, `SELECT datname, pg_database_size(datname) FROM pg_database`)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var result []DatabaseSize
	for rows.Next() {
		var d DatabaseSize
		if err := rows.Scan(&d.DBName, &d.DBBytes); err != nil {
			return nil, classifyErr(err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// CreateUser inserts a new metering-store account. The pg_name check
// constraint (^[0-9A-Za-z.]+$) rejects names that could smuggle an
// underscore into the append-username separator; violations surface as
// ErrStoreBadData.
func (s *PostgresStore) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	var u User
	var status string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, pg_name, balance)
		VALUES ($1, $2, $3)
		RETURNING user_id, pg_name, user_status, balance, status_synced, created_at, updated_at
	`, nu.UserID, nu.PgName, nu.Balance).Scan(
		&u.UserID, &u.PgName, &status, &u.Balance, &u.StatusSynced, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return User{}, classifyErr(err)
	}
	u.Status = UserStatus(status)
	return u, nil
}

// AllUsers returns every user in the metering store.
func (s *PostgresStore) AllUsers(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `
		SELECT user_id, pg_name, user_status, balance, status_synced, created_at, updated_at FROM users
	`)
}

// UnsyncedUsers returns users whose status_synced flag is false.
func (s *PostgresStore) UnsyncedUsers(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `
		SELECT user_id, pg_name, user_status, balance, status_synced, created_at, updated_at
		FROM users WHERE status_synced = false
	`)
}

func (s *PostgresStore) queryUsers(ctx context.Context, sql string, args ...any) ([]User, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		var u User
		var status string
		if err := rows.Scan(&u.UserID, &u.PgName, &status, &u.Balance, &u.StatusSynced, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, classifyErr(err)
		}
		u.Status = UserStatus(status)
		result = append(result, u)
	}
	return result, rows.Err()
}

// MarkUserSynced sets a user's status_synced flag to true.
func (s *PostgresStore) MarkUserSynced(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET status_synced = true WHERE user_id = $1`, userID)
	return classifyErr(err)
}

// AddInternalTransaction sums the referenced charges, inserts a
// Transaction, flips each charge's transacted flag, and updates the user's
// balance, atomically, by delegating to the add_internal_transaction
// function in the metering store.
func (s *PostgresStore) AddInternalTransaction(ctx context.Context, fromUser, toUser uuid.UUID, chargeIDs []uuid.UUID, disableThreshold float64) (uuid.UUID, error) {
	var txnID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT add_internal_transaction($1, $2, $3, $4)
	`, fromUser, toUser, chargeIDs, disableThreshold).Scan(&txnID)
	if err != nil {
		return uuid.Nil, classifyErr(err)
	}
	return txnID, nil
}

// InsertExtTransaction records an external credit/debit and applies it to
// the user's balance in the same transaction. The unique
// exttransaction_extid constraint turns a replayed external event into
// ErrStoreBadData instead of a second balance adjustment.
func (s *PostgresStore) InsertExtTransaction(ctx context.Context, ntx NewExtTransaction) (ExtTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ExtTransaction{}, classifyErr(err)
	}
	defer tx.Rollback(ctx)

	var et ExtTransaction
	err = tx.QueryRow(ctx, `
		INSERT INTO exttransactions (user_id, amount, exttransaction_time, exttransaction_extid)
		VALUES ($1, $2, coalesce($3, now()), $4)
		RETURNING exttransaction_id, user_id, amount, exttransaction_time, exttransaction_extid
	`, ntx.UserID, ntx.Amount, ntx.Time, ntx.ExtID).Scan(
		&et.ExtTransactionID, &et.UserID, &et.Amount, &et.ExtTransactionTime, &et.ExtID,
	)
	if err != nil {
		return ExtTransaction{}, classifyErr(err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = now() WHERE user_id = $2
	`, ntx.Amount, ntx.UserID); err != nil {
		return ExtTransaction{}, classifyErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ExtTransaction{}, classifyErr(err)
	}
	return et, nil
}

// classifyErr maps a pgx error onto the store's retryable/terminal
// taxonomy. Integrity-constraint violations (SQLSTATE class 23: unique,
// check, foreign-key, not-null) are bad data and must not be retried; a
// pg_name regex-constraint failure or a duplicate exttransaction_extid are
// the motivating examples. Everything else (connection loss, timeouts) is
// treated as a transient, retryable store-unavailable condition.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %v", ErrStoreBadData, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
