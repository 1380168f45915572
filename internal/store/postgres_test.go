package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestChargeRowToPublicRejectsInnerNull(t *testing.T) {
	id := int64(7)
	row := chargeRow{ReportIDs: []*int64{&id, nil}}
	_, err := row.toPublic()
	if !errors.Is(err, ErrStoreBadData) {
		t.Errorf("err = %v, want ErrStoreBadData", err)
	}
}

func TestChargeRowToPublicComputesAmount(t *testing.T) {
	id := int64(7)
	row := chargeRow{Quantity: 4.0, Rate: 1.5e-15, ReportIDs: []*int64{&id}}
	c, err := row.toPublic()
	if err != nil {
		t.Fatalf("toPublic: %v", err)
	}
	if c.Amount != c.Quantity*c.Rate {
		t.Errorf("amount = %v, want quantity*rate = %v", c.Amount, c.Quantity*c.Rate)
	}
	if len(c.ReportIDs) != 1 || c.ReportIDs[0] != 7 {
		t.Errorf("report_ids = %v, want [7]", c.ReportIDs)
	}
}

func TestClassifyErrIntegrityViolationIsBadData(t *testing.T) {
	err := classifyErr(&pgconn.PgError{Code: "23505"})
	if !errors.Is(err, ErrStoreBadData) {
		t.Errorf("unique violation classified as %v, want ErrStoreBadData", err)
	}
}

func TestClassifyErrTransientIsUnavailable(t *testing.T) {
	err := classifyErr(fmt.Errorf("connection refused"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("transient error classified as %v, want ErrStoreUnavailable", err)
	}
}

func TestChargeKindRates(t *testing.T) {
	cases := []struct {
		kind ChargeKind
		want float64
	}{
		{ChargeDataTransferIn, 0.0},
		{ChargeDataTransferOut, 1.5e-15},
		{ChargeDataStorage, 2.0534e-13},
	}
	for _, tc := range cases {
		if got := tc.kind.Rate(); got != tc.want {
			t.Errorf("%s rate = %v, want %v", tc.kind, got, tc.want)
		}
	}
}
