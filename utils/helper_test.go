package utils

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

func TestPercent(t *testing.T) {
	got := Percent(decimal.NewFromInt(100), decimal.NewFromInt(80))
	if !got.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Percent(100, 80) = %s, want 80", got)
	}

	got = Percent(decimal.NewFromFloat(33.33), decimal.NewFromInt(50))
	if !got.Equal(decimal.NewFromFloat(16.67)) {
		t.Errorf("Percent(33.33, 50) = %s, want 16.67", got)
	}
}

func TestSplitExternalRef(t *testing.T) {
	refType, refId, ok := SplitExternalRef("LabOrder:42")
	if !ok || refType != "LabOrder" || refId != "42" {
		t.Errorf("got (%q, %q, %v)", refType, refId, ok)
	}

	if _, _, ok := SplitExternalRef("malformed"); ok {
		t.Error("missing separator should not parse")
	}
	if _, _, ok := SplitExternalRef(":42"); ok {
		t.Error("empty type should not parse")
	}
	if _, _, ok := SplitExternalRef("LabOrder:"); ok {
		t.Error("empty id should not parse")
	}

	refType, refId, ok = SplitExternalRef("Order:ext:123")
	if !ok || refType != "Order" || refId != "ext:123" {
		t.Errorf("only the first separator splits, got (%q, %q, %v)", refType, refId, ok)
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  consult "); got != "CONSULT" {
		t.Errorf("got %q", got)
	}
}

func TestIsTransientConflict(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	if !IsTransientConflict(deadlock) {
		t.Error("1213 should be transient")
	}
	lockWait := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"}
	if !IsTransientConflict(lockWait) {
		t.Error("1205 should be transient")
	}
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if IsTransientConflict(dup) {
		t.Error("duplicate key is not transient")
	}
	if IsTransientConflict(errors.New("boom")) {
		t.Error("plain errors are not transient")
	}
}

func TestWithRetry_RetriesTransientOnly(t *testing.T) {
	calls := 0
	err := WithRetry("test", 3, func() error {
		calls++
		if calls < 3 {
			return &mysql.MySQLError{Number: 1213}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	calls = 0
	boom := errors.New("boom")
	err = WithRetry("test", 3, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("non-transient error should surface unchanged, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-transient errors must not retry, calls = %d", calls)
	}
}

func TestWithRetry_ExhaustedBudgetIsRetryable(t *testing.T) {
	calls := 0
	err := WithRetry("capture payment", 2, func() error {
		calls++
		return &mysql.MySQLError{Number: 1205}
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !IsRetryable(err) {
		t.Errorf("exhausted budget should surface as RetryableError, got %v", err)
	}
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		t.Error("the underlying conflict should stay unwrappable")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	ve := NewValidationError("amount", "must be positive")
	if !IsValidationError(ve) || IsBusinessRuleError(ve) {
		t.Error("validation error misclassified")
	}
	be := NewBusinessRuleError("payment exceeds amount due", "detail")
	if !IsBusinessRuleError(be) || IsValidationError(be) {
		t.Error("business rule error misclassified")
	}
}
