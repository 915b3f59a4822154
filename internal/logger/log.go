// Package logger builds the kthreads loggers on phuslu/log.
//
// Setup installs the root logger from the [logging] configuration. Every
// kernel component then takes a child tagged with its name and running at its
// own level, and the scheduler's per-tick trace records go through a Sampled
// logger so that tracing a long workload stays readable.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"kthreads/internal/config"
)

var (
	mu              sync.RWMutex
	componentLevels map[string]log.Level
	traceEvery      uint32 = 1
)

// ParseLevel converts a configured level name.
func ParseLevel(name string) (log.Level, error) {
	switch name {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", name)
}

// newWriter returns the writer for the configured output and format. A file
// output rotates at MaxSizeMB and is never colored.
func newWriter(cfg config.LoggingConfig) log.Writer {
	var (
		out   io.Writer
		color bool
	)
	switch cfg.Output {
	case "stderr":
		out, color = os.Stderr, log.IsTerminal(os.Stderr.Fd())
	case "stdout":
		out, color = os.Stdout, log.IsTerminal(os.Stdout.Fd())
	default:
		out = &log.FileWriter{
			Filename:     cfg.Output,
			FileMode:     0o644,
			MaxSize:      cfg.MaxSizeMB << 20,
			MaxBackups:   3,
			EnsureFolder: true,
			LocalTime:    true,
		}
	}

	switch cfg.Format {
	case "json":
		return &log.IOWriter{Writer: out}
	case "logfmt":
		return &log.ConsoleWriter{
			Writer:    out,
			Formatter: log.LogfmtFormatter{TimeField: "time"}.Formatter,
		}
	default:
		return &log.ConsoleWriter{
			Writer:         out,
			ColorOutput:    color,
			QuoteString:    true,
			EndWithMessage: true,
		}
	}
}

// Setup installs the root logger and the component levels. It must run before
// any component logger is created.
func Setup(cfg config.LoggingConfig) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	levels := make(map[string]log.Level, len(cfg.Components))
	for name := range cfg.Components {
		lvl, err := ParseLevel(cfg.ComponentLevel(name))
		if err != nil {
			return fmt.Errorf("component %s: %w", name, err)
		}
		levels[name] = lvl
	}

	log.DefaultLogger = log.Logger{
		Level:      level,
		TimeFormat: "15:04:05.000",
		Writer:     newWriter(cfg),
	}

	mu.Lock()
	componentLevels = levels
	traceEvery = max(cfg.TraceEvery, 1)
	mu.Unlock()

	log.Debug().
		Str("level", cfg.Level).
		Str("format", cfg.Format).
		Str("output", cfg.Output).
		Uint32("trace_every", cfg.TraceEvery).
		Int("component_overrides", len(levels)).
		Msg("Logging configured")
	return nil
}

// Component returns the logger for a kernel component, derived from the root
// logger installed by Setup.
func Component(name string) log.Logger {
	return WithComponent(&log.DefaultLogger, name)
}

// WithComponent derives a logger tagged with component from base. The level
// is the component's configured override, or base's level when there is none.
func WithComponent(base *log.Logger, component string) log.Logger {
	level := base.Level
	mu.RLock()
	if lvl, ok := componentLevels[component]; ok {
		level = lvl
	}
	mu.RUnlock()

	return log.Logger{
		Level:        level,
		TimeField:    base.TimeField,
		TimeFormat:   base.TimeFormat,
		TimeLocation: base.TimeLocation,
		Writer:       base.Writer,
		Context:      log.NewContext(nil).Str("component", component).Value(),
	}
}

// NewWriterLogger returns a component logger writing JSON lines to w. Tests
// use it to capture or discard kernel output.
func NewWriterLogger(component, level string, w io.Writer) log.Logger {
	lvl, _ := ParseLevel(level)
	return log.Logger{
		Level:   lvl,
		Writer:  &log.IOWriter{Writer: w},
		Context: log.NewContext(nil).Str("component", component).Value(),
	}
}

// Sampled thins out the trace records of a hot path: it lets the first of
// every Every records through and counts the rest, reporting the count on the
// next record it lets through as "sampled_out". Records at other levels are
// never sampled.
type Sampled struct {
	log.Logger
	Every uint32

	seen    atomic.Uint32
	dropped atomic.Uint64
}

// NewSampled wraps l, keeping one in every trace records. every == 0 uses the
// configured logging.trace_every.
func NewSampled(l log.Logger, every uint32) *Sampled {
	if every == 0 {
		mu.RLock()
		every = traceEvery
		mu.RUnlock()
	}
	return &Sampled{Logger: l, Every: every}
}

// Trace starts a trace record, or returns nil when tracing is off or the
// record is sampled out. A nil entry discards everything added to it.
func (s *Sampled) Trace() *log.Entry {
	if s.Level > log.TraceLevel {
		return nil
	}
	if s.Every > 1 && s.seen.Add(1)%s.Every != 1 {
		s.dropped.Add(1)
		return nil
	}
	e := s.Logger.Trace()
	if n := s.dropped.Swap(0); n > 0 {
		e = e.Uint64("sampled_out", n)
	}
	return e
}

// Dropped returns the number of records sampled out since the last one that
// was written.
func (s *Sampled) Dropped() uint64 {
	return s.dropped.Load()
}
