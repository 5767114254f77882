package eth

import (
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestCalc1559Fees(t *testing.T) {
	tests := []struct {
		name                          string
		baseFee, suggestedTip, minTip int64
		wantTip, wantFee              int64
	}{
		{"suggested tip above floor", 100, 7, 5, 7, 207},
		{"floor applies", 100, 2, 5, 5, 205},
		{"zero base fee", 0, 3, 1, 3, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tip, fee, err := Calc1559Fees(bi(tc.baseFee), bi(tc.suggestedTip), bi(tc.minTip))
			if err != nil {
				t.Fatalf("Calc1559Fees: %v", err)
			}
			if tip.Cmp(bi(tc.wantTip)) != 0 {
				t.Fatalf("tip: got %s want %d", tip, tc.wantTip)
			}
			if fee.Cmp(bi(tc.wantFee)) != 0 {
				t.Fatalf("fee: got %s want %d", fee, tc.wantFee)
			}
		})
	}
}

func TestCalc1559Fees_RejectsNilAndNegative(t *testing.T) {
	if _, _, err := Calc1559Fees(nil, bi(1), bi(1)); err == nil {
		t.Fatal("nil base fee accepted")
	}
	if _, _, err := Calc1559Fees(bi(1), bi(-1), bi(1)); err == nil {
		t.Fatal("negative suggested tip accepted")
	}
}

func TestBump1559Fees_MinIncrementBeatsRounding(t *testing.T) {
	// 1*1.10 and 2*1.10 both round down to their old values; the absolute
	// minimum bump must still move them.
	newTip, newFee, err := Bump1559Fees(bi(1), bi(2), 10, bi(1), bi(1))
	if err != nil {
		t.Fatalf("Bump1559Fees: %v", err)
	}
	if newTip.Cmp(bi(2)) != 0 {
		t.Fatalf("newTip: got %s want 2", newTip)
	}
	if newFee.Cmp(bi(3)) != 0 {
		t.Fatalf("newFee: got %s want 3", newFee)
	}
}

func TestBump1559Fees_FeeCapNeverBelowTipCap(t *testing.T) {
	// A large tip-only min bump can push the tip past the fee cap.
	newTip, newFee, err := Bump1559Fees(bi(100), bi(100), 10, bi(50), nil)
	if err != nil {
		t.Fatalf("Bump1559Fees: %v", err)
	}
	if newFee.Cmp(newTip) < 0 {
		t.Fatalf("feeCap %s below tipCap %s", newFee, newTip)
	}
}

func TestBump1559Fees_RejectsBadArgs(t *testing.T) {
	if _, _, err := Bump1559Fees(nil, bi(1), 10, nil, nil); err == nil {
		t.Fatal("nil tip cap accepted")
	}
	if _, _, err := Bump1559Fees(bi(1), bi(1), 0, nil, nil); err == nil {
		t.Fatal("zero bump percent accepted")
	}
}
