package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"kthreads/internal/config"
)

// setupForTest runs Setup and restores the package state afterwards.
func setupForTest(t *testing.T, cfg config.LoggingConfig) {
	t.Helper()
	saved := log.DefaultLogger
	t.Cleanup(func() {
		if c, ok := log.DefaultLogger.Writer.(io.Closer); ok {
			c.Close()
		}
		log.DefaultLogger = saved
		mu.Lock()
		componentLevels = nil
		traceEvery = 1
		mu.Unlock()
	})
	if err := Setup(cfg); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}

func fileConfig(t *testing.T) (config.LoggingConfig, string) {
	cfg := config.DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Output = filepath.Join(t.TempDir(), "logs", "kthreads.log")
	return cfg, cfg.Output
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	return string(data)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    log.Level
		wantErr bool
	}{
		{in: "trace", want: log.TraceLevel},
		{in: "debug", want: log.DebugLevel},
		{in: "info", want: log.InfoLevel},
		{in: "warn", want: log.WarnLevel},
		{in: "error", want: log.ErrorLevel},
		{in: "warning", want: log.InfoLevel, wantErr: true},
		{in: "", want: log.InfoLevel, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupFileOutput(t *testing.T) {
	cfg, path := fileConfig(t)
	setupForTest(t, cfg)

	log.Debug().Msg("filtered")
	Component("threads").Info().Int("tid", 3).Msg("Thread created")

	out := readLog(t, path)
	if strings.Contains(out, "filtered") {
		t.Errorf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, `"component":"threads"`) || !strings.Contains(out, `"tid":3`) {
		t.Errorf("missing fields in %q", out)
	}
}

func TestSetupRejectsBadLevels(t *testing.T) {
	cfg := config.DefaultConfig().Logging
	cfg.Level = "loud"
	if err := Setup(cfg); err == nil {
		t.Error("Setup accepted an unknown level")
	}

	cfg = config.DefaultConfig().Logging
	cfg.Components = map[string]string{"timer": "chatty"}
	if err := Setup(cfg); err == nil || !strings.Contains(err.Error(), "component timer") {
		t.Errorf("Setup error = %v, want a component timer error", err)
	}
}

func TestComponentLevels(t *testing.T) {
	cfg, path := fileConfig(t)
	cfg.Level = "warn"
	cfg.Components = map[string]string{"timer": "trace"}
	setupForTest(t, cfg)

	Component("timer").Trace().Int64("wake", 12).Msg("Sleeping")
	Component("threads").Info().Msg("Context switch")
	Component("threads").Warn().Msg("Ready queue empty")

	out := readLog(t, path)
	if !strings.Contains(out, `"wake":12`) {
		t.Errorf("timer trace record missing from %q", out)
	}
	if strings.Contains(out, "Context switch") {
		t.Errorf("threads info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "Ready queue empty") {
		t.Errorf("threads warn record missing from %q", out)
	}
}

func TestNewWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("kernel", "info", &buf)
	l.Debug().Msg("hidden")
	l.Info().Str("thread", "main").Msg("boot")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(out, `"component":"kernel"`) || !strings.Contains(out, `"thread":"main"`) {
		t.Errorf("missing context fields in %q", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriterLogger("threads", "debug", &buf)
	derived := WithComponent(&base, "process")
	derived.Debug().Msg("spawned")

	out := buf.String()
	if !strings.Contains(out, `"component":"process"`) {
		t.Errorf("missing derived component in %q", out)
	}
	if strings.Contains(out, `"component":"threads"`) {
		t.Errorf("base component leaked into %q", out)
	}
}

func TestSampled(t *testing.T) {
	var buf bytes.Buffer
	s := NewSampled(NewWriterLogger("threads", "trace", &buf), 3)

	for i := range 7 {
		s.Trace().Int("n", i).Msg("Context switch")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("wrote %d records, want 3:\n%s", len(lines), buf.String())
	}
	for i, want := range []string{`"n":0`, `"n":3`, `"n":6`} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("record %d = %q, want %s", i, lines[i], want)
		}
	}
	if strings.Contains(lines[0], "sampled_out") {
		t.Errorf("first record reports drops: %q", lines[0])
	}
	if !strings.Contains(lines[1], `"sampled_out":2`) || !strings.Contains(lines[2], `"sampled_out":2`) {
		t.Errorf("drop counts missing: %q", lines[1:])
	}

	s.Trace().Msg("dropped")
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}

	// Records at other levels bypass sampling.
	buf.Reset()
	for range 4 {
		s.Info().Msg("kept")
	}
	if n := strings.Count(buf.String(), "kept"); n != 4 {
		t.Errorf("info records written = %d, want 4", n)
	}
}

func TestSampledOff(t *testing.T) {
	var buf bytes.Buffer
	s := NewSampled(NewWriterLogger("threads", "debug", &buf), 1)
	if e := s.Trace(); e != nil {
		t.Error("Trace() returned an entry with tracing off")
	}
	s.Trace().Msg("nothing")
	if buf.Len() != 0 || s.Dropped() != 0 {
		t.Errorf("wrote %q and counted %d drops with tracing off", buf.String(), s.Dropped())
	}
}

func TestSampledConfiguredRate(t *testing.T) {
	cfg, _ := fileConfig(t)
	cfg.TraceEvery = 5
	setupForTest(t, cfg)

	if s := NewSampled(Component("timer"), 0); s.Every != 5 {
		t.Errorf("Every = %d, want the configured 5", s.Every)
	}
	if s := NewSampled(Component("timer"), 2); s.Every != 2 {
		t.Errorf("Every = %d, want the explicit 2", s.Every)
	}
}
