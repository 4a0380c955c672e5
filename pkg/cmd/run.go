/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"gitlab.com/davidxarnold/nodescaler/pkg/config"
	"gitlab.com/davidxarnold/nodescaler/pkg/lifecycle"
	"gitlab.com/davidxarnold/nodescaler/pkg/metrics"
	"gitlab.com/davidxarnold/nodescaler/pkg/scaler"
)

// NewRunCmd provides the command that runs the control loop
func NewRunCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the autoscaling control loop until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLoop(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (e.g. :9090)")
	_ = viper.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

// runLoop wires the control loop and blocks until ctx is canceled.
func runLoop(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	s, err := buildStack(ctx, cfg, recorder)
	if err != nil {
		return err
	}

	ctrl := lifecycle.NewController(s.provider, s.fetcher, s.prober, s.syncer, s.state, recorder, lifecycle.Options{
		PollInterval:  cfg.Scaling.WarmupPollInterval,
		WarmupTimeout: cfg.Scaling.WarmupTimeout,
		Cooldown:      cfg.Scaling.Cooldown,
		MinNodes:      cfg.Scaling.MinNodes,
		CallTimeout:   cfg.Cloud.CallTimeout,
		Template:      cfg.NodeSpec(),
	})
	driver := scaler.NewDriver(s.fetcher, s.prober, s.syncer, ctrl, s.state, recorder, scaler.Options{
		TickInterval: cfg.Scaling.TickInterval,
		CPUThreshold: cfg.Scaling.CPUThreshold,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Run(gctx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, reg)
		})
	}

	err = g.Wait()
	log.WithFields(log.Fields{"event": "shutdown"}).Info("nodescaler stopped")
	return err
}
