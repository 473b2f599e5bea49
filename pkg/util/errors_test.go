package util

import (
	"errors"
	"strings"
	"testing"
)

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("node", "worker-3")
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFoundError should unwrap to ErrNotFound")
	}
	if !strings.Contains(err.Error(), "worker-3") {
		t.Errorf("error message should name the resource: %s", err.Error())
	}
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		var v ValidationBuilder
		v.Add(true, "should not appear")
		if v.HasErrors() {
			t.Error("expected no errors")
		}
		if v.Build() != nil {
			t.Error("Build should return nil with no errors")
		}
	})

	t.Run("accumulates all errors", func(t *testing.T) {
		var v ValidationBuilder
		v.Add(false, "first problem")
		v.AddErrorf("second problem on %s", "site-A")
		err := v.Build()
		if err == nil {
			t.Fatal("expected error")
		}
		msg := err.Error()
		if !strings.Contains(msg, "first problem") || !strings.Contains(msg, "second problem on site-A") {
			t.Errorf("expected both problems in message, got: %s", msg)
		}
		if !errors.Is(err, ErrValidationFailed) {
			t.Error("validation error should unwrap to ErrValidationFailed")
		}
	})

	t.Run("single error has compact form", func(t *testing.T) {
		var v ValidationBuilder
		v.AddError("only problem")
		if got := v.Build().Error(); got != "validation failed: only problem" {
			t.Errorf("unexpected message: %s", got)
		}
	})
}
