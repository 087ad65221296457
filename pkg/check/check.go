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

// Package check implements the named per-server predicates feeding
// both the human check output and the monitoring output modes
package check

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EnterpriseDB/barman/pkg/archiver"
	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/postgres"
	"github.com/EnterpriseDB/barman/pkg/retention"
)

// Status is the outcome of one predicate
type Status string

// The predicate outcomes
const (
	StatusOK      Status = "OK"
	StatusWarning Status = "WARNING"
	StatusFailed  Status = "FAILED"
)

// Result is the outcome of one named predicate
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Hint   string `json:"hint,omitempty"`
}

// Checker evaluates the predicates of one server
type Checker struct {
	store    *catalog.Store
	locksDir string
	warnings []string
}

// NewChecker creates a checker for a server. Configuration warnings
// are surfaced as a dedicated predicate.
func NewChecker(store *catalog.Store, locksDir string, configWarnings []string) *Checker {
	return &Checker{store: store, locksDir: locksDir, warnings: configWarnings}
}

// Run evaluates every predicate, returning one result each
func (checker *Checker) Run(ctx context.Context) []Result {
	results := []Result{
		checker.backupDirectoryWritable(),
		checker.retentionPolicyValid(),
		checker.configurationWarnings(),
	}
	results = append(results, checker.postgresReachable(ctx)...)
	results = append(results,
		checker.archiveConsistency(),
		checker.failedWALFiles(),
		checker.minimumRedundancy(),
		checker.lastBackupAge(),
		checker.lastWALAge(),
		checker.receiverAlive(),
	)
	return results
}

// HasFailures tells whether any predicate failed
func HasFailures(results []Result) bool {
	for _, result := range results {
		if result.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (checker *Checker) backupDirectoryWritable() Result {
	const name = "backup directory writable"
	directory := checker.store.Server().BaseDirectory()

	if err := fileutils.EnsureDirectoryExists(directory); err != nil {
		return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
	}
	probe := filepath.Join(directory, ".writable-check")
	if _, err := fileutils.WriteStringToFile(probe, "probe"); err != nil {
		return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
	}
	_ = fileutils.RemoveFile(probe)
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) retentionPolicyValid() Result {
	const name = "retention policy valid"
	server := checker.store.Server()
	if server.RetentionPolicy == "" {
		return Result{Name: name, Status: StatusOK, Hint: "no retention policy configured"}
	}
	if _, err := retention.ParsePolicy(server.RetentionPolicy); err != nil {
		return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
	}
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) configurationWarnings() Result {
	const name = "configuration"
	if len(checker.warnings) > 0 {
		return Result{Name: name, Status: StatusWarning, Hint: checker.warnings[0]}
	}
	return Result{Name: name, Status: StatusOK}
}

// postgresReachable probes the libpq connection and, when relevant,
// the streaming connection, the replication slot and archive_command
func (checker *Checker) postgresReachable(ctx context.Context) []Result {
	server := checker.store.Server()
	var results []Result

	conn, err := postgres.Connect(ctx, server.Conninfo)
	if err != nil {
		return append(results,
			Result{Name: "PostgreSQL reachable", Status: StatusFailed, Hint: err.Error()})
	}
	defer func() {
		_ = conn.Close()
	}()
	results = append(results, Result{Name: "PostgreSQL reachable", Status: StatusOK})

	if server.Archiver {
		archiveCommand, err := conn.CurrentSetting(ctx, "archive_command")
		switch {
		case err != nil:
			results = append(results, Result{
				Name: "archive_command configured", Status: StatusFailed, Hint: err.Error()})
		case archiveCommand == "" || archiveCommand == "(disabled)":
			results = append(results, Result{
				Name:   "archive_command configured",
				Status: StatusFailed,
				Hint:   "archive_command is not set on the upstream"})
		default:
			results = append(results, Result{Name: "archive_command configured", Status: StatusOK})
		}
	}

	if server.StreamingArchiver {
		streamingConn, err := postgres.Connect(ctx, server.StreamingConninfo)
		if err != nil {
			results = append(results, Result{
				Name: "replication connection reachable", Status: StatusFailed, Hint: err.Error()})
		} else {
			_ = streamingConn.Close()
			results = append(results, Result{
				Name: "replication connection reachable", Status: StatusOK})
		}

		if server.SlotName != "" {
			slot, err := conn.GetReplicationSlot(ctx, server.SlotName)
			switch {
			case err != nil:
				results = append(results, Result{
					Name: "replication slot", Status: StatusFailed, Hint: err.Error()})
			case !slot.Exists:
				results = append(results, Result{
					Name:   "replication slot",
					Status: StatusFailed,
					Hint:   fmt.Sprintf("slot %q does not exist on the upstream", server.SlotName)})
			case !slot.Active:
				results = append(results, Result{
					Name:   "replication slot",
					Status: StatusWarning,
					Hint:   fmt.Sprintf("slot %q is not active", server.SlotName)})
			default:
				results = append(results, Result{Name: "replication slot", Status: StatusOK})
			}
		}
	}

	return results
}

// archiveConsistency verifies that every segment indexed in xlog.db
// exists in the archive
func (checker *Checker) archiveConsistency() Result {
	const name = "WAL archive consistency"

	entries, err := checker.store.ReadXLogDB()
	if err != nil {
		return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
	}
	for _, entry := range entries {
		exists, err := fileutils.FileExists(checker.store.WALArchivePath(entry))
		if err != nil {
			return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
		}
		if !exists {
			return Result{
				Name:   name,
				Status: StatusFailed,
				Hint:   fmt.Sprintf("%s is indexed but missing from the archive", entry.Name),
			}
		}
	}
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) failedWALFiles() Result {
	const name = "no failed WAL files"

	names, err := fileutils.GetDirectoryContent(checker.store.Server().ErrorsDirectory())
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Status: StatusOK}
		}
		return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
	}
	if len(names) > 0 {
		return Result{
			Name:   name,
			Status: StatusFailed,
			Hint:   fmt.Sprintf("%d rejected files in errors/, the first is %s", len(names), names[0]),
		}
	}
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) minimumRedundancy() Result {
	const name = "minimum redundancy"
	server := checker.store.Server()

	backups, _ := checker.store.ListBackups(catalog.BackupFilter{
		Status: []catalog.BackupStatus{catalog.BackupDone},
	})
	if len(backups) < server.MinimumRedundancy {
		return Result{
			Name:   name,
			Status: StatusFailed,
			Hint: fmt.Sprintf("%d DONE backups, %d required",
				len(backups), server.MinimumRedundancy),
		}
	}
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) lastBackupAge() Result {
	const name = "backup maximum age"
	server := checker.store.Server()
	if server.LastBackupMaxAge == 0 {
		return Result{Name: name, Status: StatusOK, Hint: "no maximum age configured"}
	}

	latest := checker.store.LatestBackup(catalog.BackupFilter{
		Status: []catalog.BackupStatus{catalog.BackupDone},
	})
	if latest == nil {
		return Result{Name: name, Status: StatusFailed, Hint: "no DONE backup"}
	}
	age := time.Since(latest.EndTime)
	if age > server.LastBackupMaxAge {
		return Result{
			Name:   name,
			Status: StatusFailed,
			Hint:   fmt.Sprintf("last backup is %s old", age.Round(time.Minute)),
		}
	}
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) lastWALAge() Result {
	const name = "WAL maximum age"
	server := checker.store.Server()
	if server.LastWALMaxAge == 0 {
		return Result{Name: name, Status: StatusOK, Hint: "no maximum age configured"}
	}

	entries, err := checker.store.ReadXLogDB()
	if err != nil {
		return Result{Name: name, Status: StatusFailed, Hint: err.Error()}
	}
	if len(entries) == 0 {
		return Result{Name: name, Status: StatusFailed, Hint: "no WAL archived yet"}
	}
	age := time.Since(entries[len(entries)-1].Time)
	if age > server.LastWALMaxAge {
		return Result{
			Name:   name,
			Status: StatusFailed,
			Hint:   fmt.Sprintf("last WAL was archived %s ago", age.Round(time.Minute)),
		}
	}
	return Result{Name: name, Status: StatusOK}
}

func (checker *Checker) receiverAlive() Result {
	const name = "streaming receiver alive"
	server := checker.store.Server()
	if !server.StreamingArchiver {
		return Result{Name: name, Status: StatusOK, Hint: "streaming archiver disabled"}
	}

	receiver := archiver.NewReceiver(checker.store, checker.locksDir)
	if !receiver.IsRunning() {
		return Result{
			Name:   name,
			Status: StatusWarning,
			Hint:   "no receiver process running, cron will start one",
		}
	}
	return Result{Name: name, Status: StatusOK}
}
