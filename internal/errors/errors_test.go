package errors

import (
	"fmt"
	"testing"
)

func TestFastPathNoHooks(t *testing.T) {
	// Without hooks the builder must skip stack-walking detection.
	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != ComponentUnknown {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestBuilderMetadata(t *testing.T) {
	ee := Newf("stream %s refused to start", "42").
		Component("encoder").
		Category(CategoryProcess).
		Priority(PriorityHigh).
		Context("stream_id", "42").
		Build()

	if ee.GetComponent() != "encoder" {
		t.Errorf("component = %q, want encoder", ee.GetComponent())
	}
	if ee.Category != CategoryProcess {
		t.Errorf("category = %q, want %q", ee.Category, CategoryProcess)
	}
	if ee.GetPriority() != PriorityHigh {
		t.Errorf("priority = %q, want high", ee.GetPriority())
	}
	ctx := ee.GetContext()
	if ctx["stream_id"] != "42" {
		t.Errorf("context stream_id = %v, want 42", ctx["stream_id"])
	}
}

func TestInvalidPriorityFallsBack(t *testing.T) {
	ee := New(fmt.Errorf("x")).Priority("urgent!!").Build()
	if ee.GetPriority() != PriorityMedium {
		t.Errorf("invalid priority should fall back to medium, got %q", ee.GetPriority())
	}
}

func TestUnwrapAndIs(t *testing.T) {
	base := NewStd("root cause")
	wrapped := fmt.Errorf("context: %w", base)
	ee := New(wrapped).Category(CategoryTimeline).Build()

	if !Is(ee, base) {
		t.Error("enhanced error should match the wrapped base error")
	}
	if Unwrap(ee) != wrapped {
		t.Error("Unwrap should return the original error")
	}
}

func TestIsCategory(t *testing.T) {
	ee := New(fmt.Errorf("no such timeline")).Category(CategoryNotFound).Build()
	wrapped := fmt.Errorf("loading: %w", ee)

	if !IsCategory(wrapped, CategoryNotFound) {
		t.Error("IsCategory should see through wrapping")
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should report true")
	}
	if IsCategory(wrapped, CategoryDatabase) {
		t.Error("IsCategory must not match a different category")
	}
}

func TestDetectCategoryHeuristics(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCategory
	}{
		{"rtsp connect refused", CategoryRTSP},
		{"rtmp handshake failed", CategoryRTMP},
		{"context deadline exceeded", CategoryTimeout},
		{"dial tcp 10.0.0.2:554: no route", CategoryNetwork},
		{"invalid timeline duration", CategoryValidation},
		{"something odd", CategoryGeneric},
	}
	for _, tt := range tests {
		got := detectCategory(fmt.Errorf("%s", tt.msg), "")
		if got != tt.want {
			t.Errorf("detectCategory(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestErrorHookReceivesBuiltErrors(t *testing.T) {
	// Hooks activate the full build path with component detection.
	var got *EnhancedError
	AddErrorHook(func(ee *EnhancedError) { got = ee })

	ee := New(fmt.Errorf("watchdog check failed")).Category(CategoryWatchdog).Build()

	if got == nil {
		t.Fatal("hook was not invoked")
	}
	if got != ee {
		t.Error("hook received a different error instance")
	}
	if !ee.IsReported() {
		t.Error("error should be marked reported after hook delivery")
	}
}
