package transform

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Run("passes through classified errors", func(t *testing.T) {
		orig := NewError(CodeRateLimited, nil, "429 from provider")
		got := Classify(orig)
		if got != orig {
			t.Error("expected classified error to pass through unchanged")
		}
	})

	t.Run("maps deadline to timeout", func(t *testing.T) {
		got := Classify(context.DeadlineExceeded)
		if got.Code != CodeTimeout {
			t.Errorf("expected timeout, got %s", got.Code)
		}
	})

	t.Run("wraps unknown errors as service errors", func(t *testing.T) {
		cause := errors.New("connection reset")
		got := Classify(cause)
		if got.Code != CodeServiceError {
			t.Errorf("expected service_error, got %s", got.Code)
		}
		if !errors.Is(got, cause) {
			t.Error("expected wrapped cause to survive")
		}
	})

	t.Run("unwraps nested classified errors", func(t *testing.T) {
		inner := NewError(CodeMalformedOutput, nil, "bad shape")
		got := Classify(inner)
		if got.Code != CodeMalformedOutput {
			t.Errorf("expected malformed_output, got %s", got.Code)
		}
	})
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{CodeTimeout, true},
		{CodeRateLimited, true},
		{CodeServiceError, true},
		{CodeMalformedOutput, false},
	}
	for _, tt := range tests {
		e := &Error{Code: tt.code}
		if e.Retryable() != tt.retryable {
			t.Errorf("%s: expected retryable=%v", tt.code, tt.retryable)
		}
	}
}

func TestParseResult(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		raw := `{"sentences":[{"normalized":"Hello world.","original":"Hello  world."}]}`
		got, err := parseResult(raw)
		if err != nil {
			t.Fatalf("parseResult failed: %v", err)
		}
		if len(got) != 1 || got[0].Normalized != "Hello world." {
			t.Errorf("unexpected result: %+v", got)
		}
	})

	t.Run("strips code fences", func(t *testing.T) {
		raw := "```json\n{\"sentences\":[]}\n```"
		got, err := parseResult(raw)
		if err != nil {
			t.Fatalf("parseResult failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty sentence list, got %+v", got)
		}
	})

	malformed := []struct {
		name string
		raw  string
	}{
		{"empty body", ""},
		{"not json", "here are your sentences!"},
		{"wrong shape", `{"output": []}`},
		{"missing field", `{"sentences":[{"normalized":"x"}]}`},
		{"extra field", `{"sentences":[],"extra":1}`},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResult(tt.raw)
			var terr *Error
			if !errors.As(err, &terr) {
				t.Fatalf("expected classified error, got %v", err)
			}
			if terr.Code != CodeMalformedOutput {
				t.Errorf("expected malformed_output, got %s", terr.Code)
			}
			if terr.Retryable() {
				t.Error("malformed output must not be retryable")
			}
		})
	}
}

func TestMock_EchoesLines(t *testing.T) {
	m := NewMock()
	result, err := m.Transform(context.Background(), &Request{Text: "One.\n\nTwo.\n"})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(result.Sentences) != 2 {
		t.Errorf("expected 2 sentences, got %d", len(result.Sentences))
	}
	if result.TokensUsed != 100 {
		t.Errorf("expected 100 tokens, got %d", result.TokensUsed)
	}
	if m.Calls() != 1 {
		t.Errorf("expected 1 call recorded, got %d", m.Calls())
	}
}

func TestMock_FailFirst(t *testing.T) {
	m := NewMock()
	m.FailFirst = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Transform(ctx, &Request{Text: "x"}); err == nil {
			t.Fatalf("expected injected failure on call %d", i+1)
		}
	}
	if _, err := m.Transform(ctx, &Request{Text: "x"}); err != nil {
		t.Fatalf("expected success on call 3, got %v", err)
	}
}

func TestMock_LatencyHonorsContext(t *testing.T) {
	m := NewMock()
	m.Latency = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Transform(ctx, &Request{Text: "x"})
	var terr *Error
	if !errors.As(err, &terr) || terr.Code != CodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
