package records

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner   = common.HexToAddress("0x0a")
	reserve = common.HexToAddress("0x0b")
	uni     = common.HexToAddress("0x1001")
	knc     = common.HexToAddress("0x1002")
	dai     = common.HexToAddress("0x1003")
)

func TestStore_AddsAndAccumulates(t *testing.T) {
	r := New(owner, 3, nil)
	if err := r.Store(1, uni, big.NewInt(4), reserve); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := r.Store(1, uni, big.NewInt(6), reserve); err != nil {
		t.Fatalf("Store again: %v", err)
	}
	if got := r.GetAssetHolding(1, uni); got.Int64() != 10 {
		t.Fatalf("holding got=%s want=10", got)
	}
	if got := r.GetAssetTokensLength(1); got != 1 {
		t.Fatalf("tokens length got=%d want=1", got)
	}
	if got := r.GetAssetReserve(1); got != reserve {
		t.Fatalf("reserve got=%s want=%s", got.Hex(), reserve.Hex())
	}
}

func TestStore_ZeroAmountNoPhantom(t *testing.T) {
	r := New(owner, 3, nil)
	if err := r.Store(1, uni, big.NewInt(0), reserve); err != nil {
		t.Fatalf("Store zero: %v", err)
	}
	if got := r.GetAssetTokens(1); len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
}

func TestStore_TooManyTokens(t *testing.T) {
	r := New(owner, 2, nil)
	_ = r.Store(1, uni, big.NewInt(1), reserve)
	_ = r.Store(1, knc, big.NewInt(1), reserve)
	err := r.Store(1, dai, big.NewInt(1), reserve)
	if !errors.Is(err, ErrTooManyTokens) {
		t.Fatalf("expected ErrTooManyTokens, got %v", err)
	}
	// 已有代币仍可累加
	if err := r.Store(1, uni, big.NewInt(1), reserve); err != nil {
		t.Fatalf("Store existing at cap: %v", err)
	}
}

func TestStore_ReserveMismatch(t *testing.T) {
	r := New(owner, 3, nil)
	_ = r.Store(1, uni, big.NewInt(1), reserve)
	other := common.HexToAddress("0x0c")
	if err := r.Store(1, uni, big.NewInt(1), other); !errors.Is(err, ErrReserveMismatch) {
		t.Fatalf("expected ErrReserveMismatch, got %v", err)
	}
	if err := r.Store(1, knc, big.NewInt(1), other); !errors.Is(err, ErrInvalidReserve) {
		t.Fatalf("expected ErrInvalidReserve, got %v", err)
	}
}

func TestUpdate_ZeroCompactsSwapAndPop(t *testing.T) {
	r := New(owner, 5, nil)
	_ = r.Store(1, uni, big.NewInt(1), reserve)
	_ = r.Store(1, knc, big.NewInt(2), reserve)
	_ = r.Store(1, dai, big.NewInt(3), reserve)

	if err := r.Update(1, 0, uni, big.NewInt(0)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	tokens := r.GetAssetTokens(1)
	if len(tokens) != 2 || tokens[0] != dai || tokens[1] != knc {
		t.Fatalf("unexpected tokens after compaction: %v", tokens)
	}
	if got := r.GetAssetHolding(1, uni); got.Sign() != 0 {
		t.Fatalf("removed holding got=%s want=0", got)
	}
}

func TestUpdate_ValidatesIndexAndToken(t *testing.T) {
	r := New(owner, 5, nil)
	_ = r.Store(1, uni, big.NewInt(1), reserve)
	if err := r.Update(1, 3, uni, big.NewInt(1)); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
	if err := r.Update(1, 0, knc, big.NewInt(1)); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
	if err := r.Update(1, 0, uni, big.NewInt(9)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := r.GetAssetHolding(1, uni); got.Int64() != 9 {
		t.Fatalf("holding got=%s want=9", got)
	}
}

func TestSetMaxHoldingsCount(t *testing.T) {
	r := New(owner, 3, nil)
	if err := r.SetMaxHoldingsCount(owner, 0); !errors.Is(err, ErrInvalidMaxHoldings) {
		t.Fatalf("expected ErrInvalidMaxHoldings, got %v", err)
	}
	if err := r.SetMaxHoldingsCount(reserve, 5); err == nil {
		t.Fatalf("expected non-owner to be rejected")
	}
	if err := r.SetMaxHoldingsCount(owner, 1); err != nil {
		t.Fatalf("SetMaxHoldingsCount: %v", err)
	}
	if got := r.MaxHoldingsCount(); got != 1 {
		t.Fatalf("max got=%d want=1", got)
	}
}

func TestLockTimestamp_CannotDecrease(t *testing.T) {
	r := New(owner, 3, nil)
	if err := r.SetLockTimestamp(1, 100); err != nil {
		t.Fatalf("SetLockTimestamp: %v", err)
	}
	if err := r.SetLockTimestamp(1, 50); !errors.Is(err, ErrLockPeriodDecrease) {
		t.Fatalf("expected ErrLockPeriodDecrease, got %v", err)
	}
	if got := r.GetLockTimestamp(1); got != 100 {
		t.Fatalf("lock got=%d want=100", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := New(owner, 3, nil)
	_ = r.Store(1, uni, big.NewInt(5), reserve)
	snap := r.Snapshot()
	_ = r.Store(1, knc, big.NewInt(7), reserve)
	_ = r.FreeHolding(1, uni)
	r.Restore(snap)

	if got := r.GetAssetHolding(1, uni); got.Int64() != 5 {
		t.Fatalf("uni got=%s want=5", got)
	}
	if got := r.GetAssetHolding(1, knc); got.Sign() != 0 {
		t.Fatalf("knc got=%s want=0", got)
	}
	if got := r.TotalHeld(uni); got.Int64() != 5 {
		t.Fatalf("total got=%s want=5", got)
	}
}
