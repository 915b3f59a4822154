// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"kthreads/internal/config"
	"kthreads/internal/kernel/threads"
	"kthreads/internal/logger"
	"kthreads/internal/metrics"
	"kthreads/internal/workload"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		return // -generate-config
	}

	if err := logger.Setup(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	w := workload.Default()
	if cfg.Workload.Path != "" {
		if w, err = workload.Load(cfg.Workload.Path); err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to load workload")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Boot turns this goroutine into the initial kernel thread; every kernel
	// call below must stay on it.
	kernelLog := logger.Component("threads")
	k, err := threads.Boot(threads.Options{
		MLFQS:         cfg.Kernel.MLFQS,
		TimerFreq:     cfg.Kernel.TimerFreq,
		TimeSlice:     cfg.Kernel.TimeSlice,
		MaxThreads:    cfg.Kernel.MaxThreads,
		DonationDepth: cfg.Kernel.DonationDepth,
		IndexImpl:     cfg.Kernel.IndexImpl,
		TraceEvery:    cfg.Logging.TraceEvery,
		Logger:        &kernelLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to boot kernel")
	}

	log.Info().
		Str("version", version).
		Str("boot_id", k.BootID().String()).
		Bool("mlfqs", k.MLFQS()).
		Int("timer_freq", k.TimerFreq()).
		Str("workload", w.Name).
		Bool("server_enabled", cfg.Server.Enabled).
		Msg("Starting kthreads")

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.Server.Enabled {
		prometheus.MustRegister(metrics.NewSchedulerCollector(k))
		log.Debug().Msg("- Scheduler collector registered")

		http.Handle(cfg.Server.MetricsPath, promhttp.Handler())
		http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>
            <head><title>kthreads</title></head>
            <body>
            <h1>kthreads v` + version + ` </h1>
            <p>Boot ` + k.BootID().String() + `</p>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
		})

		srv = &http.Server{Addr: cfg.Server.ListenAddress}
		log.Info().Str("address", cfg.Server.ListenAddress).Msg("🌐 Starting HTTP server")
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	report, runErr := workload.Run(k, w, os.Stdout)
	if report != nil && cfg.Workload.Trace {
		if _, err := report.WriteTo(os.Stdout); err != nil {
			log.Error().Err(err).Msg("Failed to write workload trace")
		}
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("❌ Workload failed")
	}
	k.PrintStats()

	if srv != nil {
		if cfg.Server.Linger {
			log.Info().Msg("Workload finished, serving metrics until interrupted")
			<-gctx.Done()
		}
		log.Info().Msg("🛑 Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
		} else {
			log.Debug().Msg("HTTP server shut down cleanly")
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("❌ Server failed")
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	log.Info().Str("boot_id", k.BootID().String()).Msg("kthreads stopped")
}
