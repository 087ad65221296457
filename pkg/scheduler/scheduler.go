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

// Package scheduler implements the periodic maintenance sweep: one
// idempotent pass per server running ingestion, retention, slot
// management and catalog housekeeping under per-server locks.
package scheduler

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/EnterpriseDB/barman/pkg/archiver"
	"github.com/EnterpriseDB/barman/pkg/backup"
	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/retention"
)

// Scheduler runs maintenance sweeps over every configured server
type Scheduler struct {
	configuration *config.Configuration
	metrics       *Metrics
}

// New creates a scheduler over a loaded configuration
func New(configuration *config.Configuration) *Scheduler {
	return &Scheduler{
		configuration: configuration,
		metrics:       NewMetrics(),
	}
}

// Metrics exposes the scheduler metrics registry
func (scheduler *Scheduler) Metrics() *Metrics {
	return scheduler.metrics
}

// Sweep runs one maintenance pass over every server. A server whose
// cron lock is busy is skipped, not an error: another sweep is
// already working on it.
func (scheduler *Scheduler) Sweep(ctx context.Context) error {
	contextLog := log.FromContext(ctx)
	scheduler.metrics.Sweeps.Inc()

	var firstError error
	for _, serverName := range scheduler.configuration.ServerNames() {
		server, err := scheduler.configuration.Server(serverName)
		if err != nil {
			continue
		}

		if err := scheduler.sweepServer(ctx, server); err != nil {
			var lockBusy *errs.LockBusyError
			if errors.As(err, &lockBusy) {
				contextLog.Debug("Server is busy, skipping this sweep",
					"server", serverName, "scope", lockBusy.Scope)
				continue
			}
			contextLog.Error(err, "Maintenance sweep failed", "server", serverName)
			if firstError == nil {
				firstError = err
			}
		}
	}
	return firstError
}

// sweepServer runs the per-server maintenance steps under the cron
// lock
func (scheduler *Scheduler) sweepServer(ctx context.Context, server *config.ServerConfig) error {
	locksDir := scheduler.configuration.LockDirectory
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	cronLock, err := lock.TryAcquire(locksDir, server.Name, lock.ScopeCron)
	if err != nil {
		return err
	}
	defer func() {
		_ = cronLock.Release()
	}()

	store := catalog.NewStore(server)
	if err := store.EnsureLayout(); err != nil {
		return err
	}

	// step 1: keep the streaming receiver alive
	if server.StreamingArchiver {
		receiver := archiver.NewReceiver(store, locksDir)
		if !receiver.IsRunning() {
			if err := scheduler.spawnReceiver(ctx, server); err != nil {
				contextLog.Error(err, "Cannot start the streaming receiver")
			}
		}
	}

	// step 2: archiver pass
	result, err := archiver.New(store, locksDir).Pass(ctx)
	if err != nil {
		return err
	}
	if result != nil {
		scheduler.metrics.ArchivedWALs.WithLabelValues(server.Name).
			Add(float64(len(result.Archived)))
	}

	// step 3: retention, when automatic
	if server.RetentionPolicy != "" && server.RetentionPolicyMode == "auto" {
		engine, err := retention.NewEngine(store, locksDir)
		if err != nil {
			contextLog.Error(err, "Invalid retention policy, skipping enforcement")
		} else if _, err := engine.Apply(ctx, time.Now()); err != nil {
			var lockBusy *errs.LockBusyError
			if !errors.As(err, &lockBusy) {
				return err
			}
		}
	}

	// step 4: promote backups whose required WALs have arrived
	waiting, _ := store.ListBackups(catalog.BackupFilter{
		Status: []catalog.BackupStatus{catalog.BackupWaitingForWALs},
	})
	orchestrator := backup.NewOrchestrator(store, locksDir)
	for _, info := range waiting {
		if _, err := orchestrator.CompleteWaiting(ctx, info); err != nil {
			contextLog.Error(err, "Cannot verify the WAL fence", "backupID", info.BackupID)
		}
	}

	// step 5: housekeeping of trash and temporary files
	if err := store.CleanupTrash(); err != nil {
		contextLog.Error(err, "Catalog housekeeping failed")
	}

	scheduler.updateServerMetrics(store)
	return nil
}

// spawnReceiver starts a detached `barman receive-wal` process owning
// the long-lived pg_receivewal child
func (scheduler *Scheduler) spawnReceiver(ctx context.Context, server *config.ServerConfig) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"receive-wal", server.Name}
	if server.CreateSlot == "auto" {
		args = append(args, "--create-slot")
	}

	cmd := exec.Command(executable, args...) // #nosec
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	log.FromContext(ctx).Info("Started the streaming receiver",
		"server", server.Name, "pid", cmd.Process.Pid)

	// the receiver re-parents to init; the sweep does not wait for it
	return cmd.Process.Release()
}

func (scheduler *Scheduler) updateServerMetrics(store *catalog.Store) {
	server := store.Server()
	latest := store.LatestBackup(catalog.BackupFilter{
		Status: []catalog.BackupStatus{catalog.BackupDone},
	})
	if latest != nil {
		scheduler.metrics.LastBackupAge.WithLabelValues(server.Name).
			Set(time.Since(latest.EndTime).Seconds())
	}
}
