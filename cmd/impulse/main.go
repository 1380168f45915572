// Command impulse is the metering CLI: it drives the charge engine, the
// transaction bundler and the storage sampler against the
// metering store populated by cmd/prew. Each operation is gated by an
// independent flag; when multiple are given they always run in the fixed
// order process-timecharges, generate-charges, generate-transactions,
// compute-storage, sync-users. sync-users only touches user status, so
// it is safe to run after the billing passes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/SubstructureOne/impulse/internal/config"
	"github.com/SubstructureOne/impulse/internal/sampler"
	"github.com/SubstructureOne/impulse/internal/store"
	"github.com/SubstructureOne/impulse/internal/txn"
)

// defaultDisableThreshold is the default for --disable-threshold, the
// balance at or below which AddInternalTransaction disables a user. It is
// a negative sentinel that a balance
// starting at zero and only decreasing can never cross, so nobody is
// disabled until an operator opts into a reachable threshold.
const defaultDisableThreshold = -1.0

func main() {
	setupLogging()
	os.Exit(run(os.Args[1:]))
}

// setupLogging configures the process-wide logger: text for local runs,
// JSON when IMPULSE_LOG_FORMAT=json.
func setupLogging() {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if os.Getenv("IMPULSE_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}

func run(args []string) int {
	log := slog.Default().With("component", "cmd.impulse")

	var (
		processTimecharges   bool
		generateCharges      bool
		generateTransactions bool
		computeStorage       bool
		syncUsers            bool
		reportConnstr        string
		disableThreshold     float64
	)

	root := &cobra.Command{
		Use:           "impulse",
		Short:         "Convert metered packet reports and storage samples into charges and transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOps(cmd.Context(), log, opsConfig{
				processTimecharges:   processTimecharges,
				generateCharges:      generateCharges,
				generateTransactions: generateTransactions,
				computeStorage:       computeStorage,
				syncUsers:            syncUsers,
				reportConnstr:        reportConnstr,
				disableThreshold:     disableThreshold,
			})
		},
	}

	flags := root.Flags()
	flags.BoolVar(&processTimecharges, "process-timecharges", false, "convert pending storage timecharges into charges")
	flags.BoolVar(&generateCharges, "generate-charges", false, "convert uncharged byte reports into charges")
	flags.BoolVar(&generateTransactions, "generate-transactions", false, "bundle untransacted charges into per-user transactions")
	flags.BoolVar(&computeStorage, "compute-storage", false, "sample backend database sizes and emit storage timecharges")
	flags.BoolVar(&syncUsers, "sync-users", false, "push pending user status changes to the backend cluster")
	flags.StringVar(&reportConnstr, "report-connstr", "", "metering-store connection string (falls back to DATABASE_URL)")
	flags.Float64Var(&disableThreshold, "disable-threshold", defaultDisableThreshold, "balance at or below which a user is disabled on transaction bundling")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if isConfigErr(err) {
			log.Error("configuration error", "error", err)
			return 1
		}
		log.Error("impulse run failed", "error", err)
		return 2
	}
	return 0
}

type opsConfig struct {
	processTimecharges   bool
	generateCharges      bool
	generateTransactions bool
	computeStorage       bool
	syncUsers            bool
	reportConnstr        string
	disableThreshold     float64
}

// configErr wraps errors that should surface as exit code 1 rather than 2.
type configErr struct{ err error }

func (e configErr) Error() string { return e.err.Error() }
func (e configErr) Unwrap() error { return e.err }

func isConfigErr(err error) bool {
	_, ok := err.(configErr)
	return ok
}

// runOps executes every requested operation in the fixed order
// process-timecharges, generate-charges, generate-transactions,
// compute-storage, sync-users. None of the steps depend on flag
// declaration order, only on this function's sequencing.
func runOps(ctx context.Context, log *slog.Logger, cfg opsConfig) error {
	reportConnstr := cfg.reportConnstr
	if reportConnstr == "" {
		reportConnstr = os.Getenv("DATABASE_URL")
	}
	if reportConnstr == "" {
		return configErr{fmt.Errorf("no metering-store connection string: set --report-connstr or DATABASE_URL")}
	}

	st, err := store.Open(ctx, reportConnstr)
	if err != nil {
		return fmt.Errorf("opening metering store: %w", err)
	}
	defer st.Close()

	now := time.Now().UTC()

	if cfg.processTimecharges {
		if err := processTimecharges(ctx, st, now, log); err != nil {
			return fmt.Errorf("process-timecharges: %w", err)
		}
	}

	if cfg.generateCharges {
		if err := generateCharges(ctx, st, now, log); err != nil {
			return fmt.Errorf("generate-charges: %w", err)
		}
	}

	if cfg.generateTransactions {
		txnIDs, err := txn.BundleUntransacted(ctx, st, cfg.disableThreshold)
		if err != nil {
			return fmt.Errorf("generate-transactions: %w", err)
		}
		log.Info("generated transactions", "count", len(txnIDs))
	}

	if cfg.computeStorage {
		// Must run after generate-charges/generate-transactions, never
		// before: creating storage timecharges ahead of converting the
		// existing ones to charges would scale a microscopic extra charge
		// by the intra-pass time delta.
		managed, merr := config.ManagedDBFromEnv()
		if merr != nil {
			return configErr{fmt.Errorf("compute-storage: %w", merr)}
		}
		managedStore, oerr := store.Open(ctx, managed.ConnString("postgres"))
		if oerr != nil {
			return fmt.Errorf("compute-storage: opening managed cluster: %w", oerr)
		}
		samples, serr := computeStorageOp(ctx, st, managedStore, now)
		managedStore.Close()
		if serr != nil {
			return fmt.Errorf("compute-storage: %w", serr)
		}
		log.Info("computed storage timecharges", "count", len(samples))
	}

	if cfg.syncUsers {
		managed, merr := config.ManagedDBFromEnv()
		if merr != nil {
			return configErr{fmt.Errorf("sync-users: %w", merr)}
		}
		conn, cerr := pgx.Connect(ctx, managed.ConnString("postgres"))
		if cerr != nil {
			return fmt.Errorf("sync-users: connecting to managed cluster: %w", cerr)
		}
		defer conn.Close(ctx)

		altr := newPgxRoleAlterer(conn)
		if err := syncUsers(ctx, st, altr, log); err != nil {
			return fmt.Errorf("sync-users: %w", err)
		}
	}

	return nil
}

// computeStorageOp enumerates database sizes on the managed cluster and
// commits timecharges against the metering store. It is split from
// internal/sampler.Sample only by which Store backs EnumerateDatabaseSizes
// (the managed cluster) versus InsertTimeCharge/AllUsers (the metering
// store); sampler.Sample expects a single Store for both, so this wraps the
// managed cluster's EnumerateDatabaseSizes behind the metering store's user
// list via a small adapter.
func computeStorageOp(ctx context.Context, meteringStore, managedStore store.Store, now time.Time) ([]store.TimeCharge, error) {
	return sampler.Sample(ctx, splitStore{Store: meteringStore, users: meteringStore, sizes: managedStore}, now)
}

// splitStore satisfies store.Store for internal/sampler.Sample's narrow
// needs (EnumerateDatabaseSizes, AllUsers, InsertTimeCharge) by routing
// database-size introspection to the managed cluster and everything else
// to the metering store, since those are two logically separate databases.
type splitStore struct {
	store.Store // embeds the metering store for every other method
	users       store.Store
	sizes       store.Store
}

func (s splitStore) EnumerateDatabaseSizes(ctx context.Context) ([]store.DatabaseSize, error) {
	return s.sizes.EnumerateDatabaseSizes(ctx)
}

func (s splitStore) AllUsers(ctx context.Context) ([]store.User, error) {
	return s.users.AllUsers(ctx)
}

func (s splitStore) InsertTimeCharge(ctx context.Context, tc store.NewTimeCharge) (store.TimeCharge, error) {
	return s.users.InsertTimeCharge(ctx, tc)
}

var _ store.Store = splitStore{}
