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

package backup

import (
	"context"
	"errors"
	"time"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// errWALFenceTimeout is raised when the required WALs did not arrive
// within the configured timeout; the backup stays WAITING_FOR_WALS
// and cron completes the transition
var errWALFenceTimeout = errors.New("timeout waiting for the required WAL files")

// walFencePollInterval is how often the fence re-checks the archive
const walFencePollInterval = time.Second

// walFence blocks until every WAL segment between begin-wal and
// end-wal inclusive is present in the archive and durable
func (orchestrator *Orchestrator) walFence(
	ctx context.Context,
	info *catalog.BackupInfo,
	options *Options,
) error {
	server := orchestrator.store.Server()
	contextLog := log.FromContext(ctx)

	// when backing up a standby, force a WAL switch on the primary so
	// the fence can complete without waiting for natural activity
	if server.PrimaryConninfo != "" {
		primary, err := postgres.Connect(ctx, server.PrimaryConninfo)
		if err != nil {
			contextLog.Warning("Cannot reach the primary for a WAL switch",
				"error", err.Error())
		} else {
			if _, err := primary.SwitchWAL(ctx); err != nil {
				contextLog.Warning("WAL switch on the primary failed",
					"error", err.Error())
			}
			_ = primary.Close()
		}
	}

	timeout := server.ArchiveTimeout
	if options.WaitForWALs {
		timeout = options.WaitTimeout
		if timeout == 0 {
			timeout = server.WaitForWALsTimeout
		}
	}
	deadline := time.Now().Add(timeout)

	for {
		missing, err := orchestrator.MissingWALs(info)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			contextLog.Debug("WAL fence timed out",
				"missing", missing[0], "missingCount", len(missing))
			return errWALFenceTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(walFencePollInterval):
		}
	}
}

// MissingWALs lists the segments of the backup's required range not
// yet present in the archive
func (orchestrator *Orchestrator) MissingWALs(info *catalog.BackupInfo) ([]string, error) {
	begin, err := postgres.SegmentFromName(info.BeginWAL)
	if err != nil {
		return nil, err
	}
	end, err := postgres.SegmentFromName(info.EndWAL)
	if err != nil {
		return nil, err
	}
	segments, err := postgres.SegmentRange(begin, end)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, segment := range segments {
		entry, err := orchestrator.store.FindArchivedWAL(segment.Name())
		if err != nil {
			return nil, err
		}
		if entry == nil {
			missing = append(missing, segment.Name())
		}
	}
	return missing, nil
}

// CompleteWaiting promotes a backup stuck in WAITING_FOR_WALS to DONE
// when its required WALs have arrived. Invoked by cron.
func (orchestrator *Orchestrator) CompleteWaiting(ctx context.Context, info *catalog.BackupInfo) (bool, error) {
	missing, err := orchestrator.MissingWALs(info)
	if err != nil {
		return false, err
	}
	if len(missing) > 0 {
		return false, nil
	}

	info.Status = catalog.BackupDone
	if err := orchestrator.store.WriteBackupInfo(info); err != nil {
		return false, err
	}
	log.FromContext(ctx).Info("Backup promoted to DONE, required WALs arrived",
		"server", orchestrator.store.Server().Name, "backupID", info.BackupID)
	return true, nil
}
