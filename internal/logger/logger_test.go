package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	log := Default()
	if log == nil {
		t.Fatal("Default() returned nil")
	}
	log.Info("engine starting")
	log.Debug("swap-out queued")
	log.Warn("sequence failed")
	log.Error("reshard failed")
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	if log == nil {
		t.Fatal("Discard() returned nil")
	}
	log.Error("dropped on the floor")
	log.With("worker", 3).WithGroup("engine").Info("still dropped")
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("phase transition", "phase", "decoding")

	out := buf.String()
	if !strings.Contains(out, "phase transition") {
		t.Fatalf("message missing from output: %s", out)
	}
	if !strings.Contains(out, `"phase":"decoding"`) {
		t.Fatalf("attribute missing from JSON output: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Fatalf("level missing from output: %s", out)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("below threshold")
	log.Debug("also below")

	if buf.Len() > 0 {
		t.Fatalf("info/debug leaked through a warn-level handler: %s", buf.String())
	}

	log.Warn("at threshold")
	if !strings.Contains(buf.String(), "at threshold") {
		t.Fatalf("warn message missing: %s", buf.String())
	}
}

func TestPretty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("batch issued", "sequences", "4")

	out := buf.String()
	if !strings.Contains(out, "batch issued") {
		t.Fatalf("message missing from output: %s", out)
	}
	if !strings.Contains(out, "sequences=4") {
		t.Fatalf("attribute missing from output: %s", out)
	}
}

func TestPrettyDebugLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("prefetch done")

	if !strings.Contains(buf.String(), "prefetch done") {
		t.Fatalf("debug message missing at debug level: %s", buf.String())
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("worker", 2).Info("weights installed")

	out := buf.String()
	if !strings.Contains(out, `"worker":2`) {
		t.Fatalf("bound attribute missing: %s", out)
	}
	if !strings.Contains(out, "weights installed") {
		t.Fatalf("message missing: %s", out)
	}
}

func TestWithGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.WithGroup("engine").Info("phase transition", "phase", "prefilling")

	if !strings.Contains(buf.String(), "phase transition") {
		t.Fatalf("grouped message missing: %s", buf.String())
	}
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	log := FromContext(context.Background())
	if log == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
	log.Info("fallback logger")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("carried through context")

	if !strings.Contains(buf.String(), "carried through context") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo}, // case-sensitive
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "scheduler")}))
	log.Info("bound attrs")

	if !strings.Contains(buf.String(), "component=scheduler") {
		t.Fatalf("bound attribute missing: %s", buf.String())
	}
}

func TestPrettyHandlerWithGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	log := slog.New(h.WithGroup("engine"))
	log.Info("grouped", "phase", "decoding")

	if !strings.Contains(buf.String(), "engine.phase=decoding") {
		t.Fatalf("group prefix missing: %s", buf.String())
	}
}

func TestPrettyHandlerNestedGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	log := slog.New(h.WithGroup("engine").WithGroup("worker"))
	log.Info("nested", "id", "0")

	if !strings.Contains(buf.String(), "engine.worker.id=0") {
		t.Fatalf("nested group prefix missing: %s", buf.String())
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil))
	log.Info("quoting", "err", "kernel: illegal instruction", "phase", "decoding")

	out := buf.String()
	if !strings.Contains(out, `err="kernel: illegal instruction"`) {
		t.Fatalf("value with spaces not quoted: %s", out)
	}
	if !strings.Contains(out, "phase=decoding") || strings.Contains(out, `phase="decoding"`) {
		t.Fatalf("plain value should stay unquoted: %s", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"decoding", false},
		{"two words", true},
		{"tab\there", true},
		{"line\nbreak", true},
		{`a"quote`, true},
		{"", false},
		{"tp2/pp1/dp1", false},
	}

	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
