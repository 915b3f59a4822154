// Package config holds the kthreads configuration: how the kernel boots, which
// workload it runs, whether scheduler metrics are served, and how the kernel
// components log. It is read from a TOML file and then overridden by flags.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Components are the logger names that take a level override under
// [logging.components].
var Components = []string{"threads", "timer", "process", "workload", "metrics"}

// Levels are the accepted log level names, lowest first.
var Levels = []string{"trace", "debug", "info", "warn", "error"}

// AppConfig is the complete kthreads configuration.
type AppConfig struct {
	Kernel   KernelConfig   `toml:"kernel"`
	Workload WorkloadConfig `toml:"workload"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
}

// KernelConfig contains the boot-time scheduler options. None of them can
// change once the kernel is up.
type KernelConfig struct {
	// Multi-level feedback queue scheduler instead of priority + donation.
	MLFQS bool `toml:"mlfqs"`
	// Timer interrupts per second; MLFQS averages are updated once per second.
	TimerFreq int `toml:"timer_freq"`
	// Ticks a thread may run before it is preempted.
	TimeSlice int `toml:"time_slice"`
	// Live thread control blocks, counting the initial and idle threads.
	MaxThreads int `toml:"max_threads"`
	// Holders a donation is passed along before it stops.
	DonationDepth int `toml:"donation_depth"`
	// Thread id index backend: "xsync" or "cornelk".
	IndexImpl string `toml:"index_impl"`
}

// WorkloadConfig selects the thread programs run after boot.
type WorkloadConfig struct {
	// Workload TOML file. Empty runs the built-in donation demo.
	Path string `toml:"path"`
	// Print the event trace to stdout when the run ends.
	Trace bool `toml:"trace"`
}

// ServerConfig controls the Prometheus endpoint.
type ServerConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
	MetricsPath   string `toml:"metrics_path"`
	// Keep serving after the workload ends, until interrupted.
	Linger bool `toml:"linger"`
}

// LoggingConfig controls the kernel's loggers.
type LoggingConfig struct {
	// Level of every component without an override.
	Level string `toml:"level"`
	// "console", "logfmt" or "json".
	Format string `toml:"format"`
	// "stderr", "stdout", or the path of a log file.
	Output string `toml:"output"`
	// Rotate a log file once it reaches this many megabytes.
	MaxSizeMB int64 `toml:"max_size_mb"`
	// Emit one in every trace_every trace records on the scheduler hot paths
	// (context switches, donations, sleeps). 1 keeps them all.
	TraceEvery uint32 `toml:"trace_every"`
	// Per-component levels, e.g. threads = "trace".
	Components map[string]string `toml:"components"`
}

// ComponentLevel returns the level configured for component.
func (l *LoggingConfig) ComponentLevel(component string) string {
	if lvl, ok := l.Components[component]; ok {
		return lvl
	}
	return l.Level
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Kernel: KernelConfig{
			TimerFreq:     100,
			TimeSlice:     4,
			MaxThreads:    256,
			DonationDepth: 8,
			IndexImpl:     "xsync",
		},
		Workload: WorkloadConfig{
			Trace: true,
		},
		Server: ServerConfig{
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSizeMB:  10,
			TraceEvery: 1,
		},
	}
}

// LoadConfig reads path over the defaults. Keys the configuration does not
// know are an error, so a misspelt option is not silently ignored.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Encode writes the configuration as TOML.
func (c *AppConfig) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

const exampleHeader = `# kthreads Example Configuration
#
# [kernel]    boot options; fixed for the lifetime of a run
# [workload]  thread programs to run (empty path: built-in donation demo)
# [server]    Prometheus scheduler metrics
# [logging]   levels per component, e.g.
#
#   [logging.components]
#   threads = "trace"
#

`

// GenerateExampleConfig writes the default configuration, with a commented
// header, to path.
func GenerateExampleConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, exampleHeader); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return DefaultConfig().Encode(f)
}

// Validate checks the configuration for errors.
func (c *AppConfig) Validate() error {
	k := c.Kernel
	switch {
	case k.TimerFreq < 19 || k.TimerFreq > 1000:
		return fmt.Errorf("kernel.timer_freq must be within [19, 1000], got %d", k.TimerFreq)
	case k.TimeSlice < 1:
		return fmt.Errorf("kernel.time_slice must be positive, got %d", k.TimeSlice)
	case k.MaxThreads < 3:
		// The initial and idle threads always hold two slots.
		return fmt.Errorf("kernel.max_threads must be at least 3, got %d", k.MaxThreads)
	case k.DonationDepth < 1:
		return fmt.Errorf("kernel.donation_depth must be positive, got %d", k.DonationDepth)
	case k.IndexImpl != "" && k.IndexImpl != "xsync" && k.IndexImpl != "cornelk":
		return fmt.Errorf("kernel.index_impl must be \"xsync\" or \"cornelk\", got %q", k.IndexImpl)
	}

	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if !strings.HasPrefix(c.Server.MetricsPath, "/") {
			return fmt.Errorf("server.metrics_path must start with /, got %q", c.Server.MetricsPath)
		}
	}

	l := c.Logging
	if !slices.Contains(Levels, l.Level) {
		return fmt.Errorf("logging.level must be one of %v, got %q", Levels, l.Level)
	}
	switch l.Format {
	case "console", "logfmt", "json":
	default:
		return fmt.Errorf("logging.format must be console, logfmt or json, got %q", l.Format)
	}
	if l.Output == "" {
		return fmt.Errorf("logging.output cannot be empty")
	}
	if l.TraceEvery == 0 {
		return fmt.Errorf("logging.trace_every must be at least 1")
	}
	for name, lvl := range l.Components {
		if !slices.Contains(Components, name) {
			return fmt.Errorf("logging.components: unknown component %q", name)
		}
		if !slices.Contains(Levels, lvl) {
			return fmt.Errorf("logging.components.%s: unknown level %q", name, lvl)
		}
	}
	return nil
}

// NewConfig builds the configuration from the command line and the file it
// names. It returns nil and no error when the program should exit cleanly.
func NewConfig() (*AppConfig, error) {
	return newConfig(flag.CommandLine, os.Args[1:])
}

func newConfig(fs *flag.FlagSet, args []string) (*AppConfig, error) {
	var (
		configPath   = fs.String("config", "", "Path to configuration file (optional).")
		generatePath = fs.String("generate-config", "", "Write an example configuration to this path and exit.")
		workloadPath = fs.String("workload", "", "Workload file to run instead of the built-in demo.")
		mlfqs        = fs.Bool("mlfqs", false, "Boot with the multi-level feedback queue scheduler.")
		listen       = fs.String("web.listen-address", "", "Serve scheduler metrics on this address.")
		metricsPath  = fs.String("web.telemetry-path", "", "Path under which to expose metrics.")
		logLevel     = fs.String("log.level", "", "Log level for every component.")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *generatePath != "" {
		if err := GenerateExampleConfig(*generatePath); err != nil {
			return nil, err
		}
		fmt.Printf("Generated %s successfully\n", *generatePath)
		return nil, nil
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}

	// Flags win over the file, but only when given.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workload":
			cfg.Workload.Path = *workloadPath
		case "mlfqs":
			cfg.Kernel.MLFQS = *mlfqs
		case "web.listen-address":
			cfg.Server.ListenAddress = *listen
			cfg.Server.Enabled = true
		case "web.telemetry-path":
			cfg.Server.MetricsPath = *metricsPath
		case "log.level":
			cfg.Logging.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
