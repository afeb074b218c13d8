package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reconpipe/pkg/logger"
	"reconpipe/pkg/metrics"
	"reconpipe/pkg/pipeline"
	"reconpipe/pkg/ui"
)

// addScanFlags registers the tuning flags shared by scan and resume
func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().Int("batch-size", 100, "items per checkpointed batch")
	cmd.Flags().Int("workers", 4, "parallel tool invocations per batch")
	cmd.Flags().Duration("tool-timeout", 30*time.Minute, "timeout for one tool invocation")
	cmd.Flags().Duration("lock-timeout", 10*time.Second, "how long to wait for the checkpoint lock")
	cmd.Flags().Duration("checkpoint-interval", 5*time.Minute, "periodic checkpoint interval")
	cmd.Flags().String("templates", "", "nuclei templates directory")
	cmd.Flags().String("severities", "", "comma separated nuclei severities")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
}

// signalContext is cancelled on the first SIGINT or SIGTERM. After that the
// default handlers are restored so a second signal kills the process.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			signal.Stop(sigs)
			logger.WithField("signal", sig.String()).Warn("Interrupt received")
			ui.PrintWarning("\nInterrupted; finishing the current batch and saving a checkpoint (interrupt again to force quit)")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

// newPipeline wires the configured tools, the terminal prompter and the
// metrics recorder. The returned function stops the metrics server.
func newPipeline(ctx context.Context) (*pipeline.Pipeline, func()) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var rec metrics.Recorder = metrics.New(reg)
	if !quiet {
		rec = ui.NewProgress(ui.Output, rec)
	}

	p := pipeline.New(cfg,
		pipeline.WithPrompter(ui.NewTerminal()),
		pipeline.WithLogger(logger.GetLogger()),
		pipeline.WithMetrics(rec),
	)
	return p, serveMetrics(ctx, cfg.Metrics.ListenAddress, reg)
}

// serveMetrics exposes reg on addr until the returned function is called
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := logger.WithField("addr", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	logger.LogComponentStart("metrics", map[string]interface{}{"addr": addr, "path": "/metrics"})

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Metrics server shutdown")
		}
		logger.LogComponentStop("metrics", "scan finished")
	}
}
