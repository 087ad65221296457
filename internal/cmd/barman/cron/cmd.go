/*
Copyright The Barman Contributors

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

// Package cron implement the cron command
package cron

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	robfigcron "github.com/robfig/cron"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/scheduler"
)

// NewCmd creates the cron command
func NewCmd() *cobra.Command {
	var loop bool
	var schedule string
	var metricsAddress string

	cmd := cobra.Command{
		Use:           "cron",
		Short:         "Run one maintenance sweep over every server",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("cron")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			sweeper := scheduler.New(barman.Configuration())

			if !loop {
				return sweeper.Sweep(ctx)
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-signals
				contextLog.Info("Termination requested, stopping the scheduler")
				cancel()
			}()

			if metricsAddress != "" {
				go sweeper.Metrics().Serve(ctx, metricsAddress)
			}

			runner := robfigcron.New()
			if err := runner.AddFunc(schedule, func() {
				if err := sweeper.Sweep(ctx); err != nil {
					contextLog.Error(err, "Maintenance sweep failed")
				}
			}); err != nil {
				return err
			}
			runner.Start()
			defer runner.Stop()

			// the first sweep runs immediately, not at the first tick
			if err := sweeper.Sweep(ctx); err != nil {
				contextLog.Error(err, "Maintenance sweep failed")
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false,
		"keep running, firing a sweep on every schedule tick")
	cmd.Flags().StringVar(&schedule, "schedule", "@every 1m",
		"sweep schedule used with --loop")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "",
		"expose Prometheus metrics on this address with --loop")

	return &cmd
}
