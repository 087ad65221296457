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

// Package recovery implements the recovery planner: given a backup id
// and a recovery target it stages the needed files, rewrites the
// server configuration and produces a directory ready for PostgreSQL
// to start. The planner never starts the instance.
package recovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/hook"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// TargetAction is what PostgreSQL does once the recovery target is
// reached
type TargetAction string

// The recovery target actions
const (
	TargetActionPause    TargetAction = "pause"
	TargetActionPromote  TargetAction = "promote"
	TargetActionShutdown TargetAction = "shutdown"
)

// Options modulates one recovery invocation
type Options struct {
	TargetTime      string
	TargetXID       string
	TargetName      string
	TargetLSN       string
	TargetImmediate bool
	TargetTimeline  string
	Exclusive       bool
	TargetAction    TargetAction
	StandbyMode     bool

	// TablespaceMapping redirects tablespaces: name to new location
	TablespaceMapping map[string]string

	// RemoteSSHCommand selects remote recovery when set
	RemoteSSHCommand string

	// GetWAL writes a restore_command fetching WALs from Barman
	// instead of copying them
	GetWAL bool

	// Delta restores in place over a pre-existing destination
	Delta bool

	LocalStagingPath string
}

// hasTarget tells whether any point-in-time target is set
func (options *Options) hasTarget() bool {
	return options.TargetTime != "" || options.TargetXID != "" ||
		options.TargetName != "" || options.TargetLSN != "" || options.TargetImmediate
}

// Planner prepares a recoverable data directory from the catalog
type Planner struct {
	store      *catalog.Store
	dispatcher *hook.Dispatcher
	locksDir   string
}

// NewPlanner creates a recovery planner for a server
func NewPlanner(store *catalog.Store, locksDir string) *Planner {
	return &Planner{
		store:      store,
		dispatcher: hook.NewDispatcher(store.Server()),
		locksDir:   locksDir,
	}
}

// Recover executes the recovery plan for a backup into a destination
// directory
func (planner *Planner) Recover(
	ctx context.Context,
	backupTarget, destination string,
	options *Options,
) error {
	server := planner.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	serverLock, err := lock.TryAcquire(planner.locksDir, server.Name, lock.ScopeServer)
	if err != nil {
		return err
	}
	defer func() {
		_ = serverLock.Release()
	}()

	info, err := planner.resolveBackup(backupTarget, options)
	if err != nil {
		return err
	}
	contextLog = contextLog.WithValues("backupID", info.BackupID)
	ctx = log.IntoContext(ctx, contextLog)

	if err := planner.validate(info, options); err != nil {
		return err
	}

	env := hook.RecoveryEnv(info.BackupID, destination)
	if err := planner.dispatcher.Fire(ctx, hook.PhasePre, hook.EventRecovery, env); err != nil {
		return err
	}

	if err := planner.run(ctx, info, destination, options); err != nil {
		_ = planner.dispatcher.Fire(ctx, hook.PhasePost, hook.EventRecovery,
			env.ErrorEnv(err.Error()))
		return err
	}
	return planner.dispatcher.Fire(ctx, hook.PhasePost, hook.EventRecovery, env)
}

// resolveBackup resolves the backup id, including the "auto" shortcut
// choosing the newest backup compatible with the target
func (planner *Planner) resolveBackup(target string, options *Options) (*catalog.BackupInfo, error) {
	if target == "auto" {
		backups, _ := planner.store.ListBackups(catalog.BackupFilter{
			Status: []catalog.BackupStatus{catalog.BackupDone},
		})
		if options.TargetTime != "" {
			targetTime, err := time.Parse("2006-01-02 15:04:05", options.TargetTime)
			if err != nil {
				return nil, errs.Inputf("unparsable target time %q", options.TargetTime)
			}
			for idx := len(backups) - 1; idx >= 0; idx-- {
				if !backups[idx].EndTime.After(targetTime) {
					return backups[idx], nil
				}
			}
			return nil, fmt.Errorf("no backup ends before the target time %q", options.TargetTime)
		}
		if len(backups) == 0 {
			return nil, fmt.Errorf("no DONE backup for server %s", planner.store.Server().Name)
		}
		return backups[len(backups)-1], nil
	}

	backupID, err := planner.store.ResolveBackupID(target)
	if err != nil {
		return nil, err
	}
	return planner.store.ReadBackupInfo(backupID)
}

// validate rejects plans before anything touches the destination
func (planner *Planner) validate(info *catalog.BackupInfo, options *Options) error {
	if info.Status != catalog.BackupDone {
		return fmt.Errorf("backup %s is %s, not DONE", info.BackupID, info.Status)
	}

	if options.Delta {
		if info.Compression != "" {
			return &errs.UnsupportedOperationError{
				Op:     "delta restore",
				Reason: "not valid for compressed backups",
			}
		}
		if info.IsIncremental() {
			return &errs.UnsupportedOperationError{
				Op:     "delta restore",
				Reason: "not valid for incremental backups",
			}
		}
	}

	if info.Type == catalog.BackupTypeIncrementalBlock && options.LocalStagingPath == "" {
		localStaging := planner.store.Server().LocalStagingPath
		if localStaging == "" {
			return errs.Configurationf(
				"recovering a block-level incremental backup requires a staging path")
		}
		options.LocalStagingPath = localStaging
	}
	if options.LocalStagingPath != "" {
		if info, err := os.Stat(options.LocalStagingPath); err != nil || !info.IsDir() {
			return errs.Configurationf(
				"staging path %q does not exist", options.LocalStagingPath)
		}
	}

	// a get-wal recovery whose required range is not archived must
	// fail before touching the destination
	missing, err := planner.missingRequiredWALs(info)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("the required WAL range of backup %s is incomplete, %s is missing",
			info.BackupID, missing[0])
	}

	return nil
}

// run executes the plan steps in order
func (planner *Planner) run(
	ctx context.Context,
	info *catalog.BackupInfo,
	destination string,
	options *Options,
) error {
	contextLog := log.FromContext(ctx)

	// steps 2 and 3: materialise a restorable tree in staging when
	// the backup is an incremental chain or compressed
	source, cleanup, err := planner.stageSource(ctx, info, options)
	if err != nil {
		return err
	}
	defer cleanup()

	if info.Type == catalog.BackupTypeSnapshot {
		// snapshot recovery assumes the cloned disks are already
		// attached; only configuration and WAL staging run
		if err := planner.validateSnapshotDisks(ctx, info, destination, options); err != nil {
			return err
		}
	} else {
		// step 4: copy the tree to the destination
		if err := planner.copyTree(ctx, source, destination, info, options); err != nil {
			return err
		}

		// step 5: remap tablespaces
		if err := planner.remapTablespaces(ctx, info, destination, options); err != nil {
			return err
		}
	}

	// step 6: stage WAL
	if err := planner.stageWALs(ctx, info, destination, options); err != nil {
		return err
	}

	// steps 7 and 8: recovery configuration and safety mangling
	if err := planner.writeRecoveryConfiguration(ctx, info, destination, options); err != nil {
		return err
	}
	if err := planner.mangleDangerousSettings(ctx, destination, options); err != nil {
		return err
	}

	contextLog.Info("Recovery plan completed", "destination", destination)
	return nil
}

// stageSource returns the directory holding the restorable data tree,
// combining incremental chains and decompressing tars into staging
// when needed. The cleanup function removes all temporary staging.
func (planner *Planner) stageSource(
	ctx context.Context,
	info *catalog.BackupInfo,
	options *Options,
) (string, func(), error) {
	nothing := func() {}

	if info.Type == catalog.BackupTypeSnapshot {
		return planner.store.BackupDirectory(info.BackupID), nothing, nil
	}

	if info.Type == catalog.BackupTypeIncrementalBlock {
		staging := filepath.Join(options.LocalStagingPath,
			fmt.Sprintf("barman-combine-%s-%s", info.BackupID, uuid.New().String()[0:8]))
		if err := planner.combineChain(ctx, info, staging); err != nil {
			_ = fileutils.RemoveDirectory(staging)
			return "", nothing, err
		}
		return staging, func() { _ = fileutils.RemoveDirectory(staging) }, nil
	}

	if info.Compression != "" {
		staging := filepath.Join(stagingRoot(planner.store.Server(), options),
			fmt.Sprintf("barman-decompress-%s-%s", info.BackupID, uuid.New().String()[0:8]))
		if err := planner.decompressBackup(ctx, info, staging); err != nil {
			_ = fileutils.RemoveDirectory(staging)
			return "", nothing, err
		}
		return staging, func() { _ = fileutils.RemoveDirectory(staging) }, nil
	}

	return planner.store.BackupDataDirectory(info.BackupID), nothing, nil
}

func stagingRoot(server *config.ServerConfig, options *Options) string {
	if options.LocalStagingPath != "" {
		return options.LocalStagingPath
	}
	if server.RecoveryStagingPath != "" {
		return server.RecoveryStagingPath
	}
	return os.TempDir()
}

// combineChain materialises a synthetic full backup from the chain
// root through the chosen backup, using pg_combinebackup
func (planner *Planner) combineChain(
	ctx context.Context,
	info *catalog.BackupInfo,
	staging string,
) error {
	// walk up to the root collecting the chain
	var chain []*catalog.BackupInfo
	current := info
	for {
		chain = append([]*catalog.BackupInfo{current}, chain...)
		if current.ParentBackupID == "" {
			break
		}
		parent, err := planner.store.ReadBackupInfo(current.ParentBackupID)
		if err != nil {
			return fmt.Errorf("broken incremental chain at %s: %w", current.ParentBackupID, err)
		}
		current = parent
	}

	args := make([]string, 0, len(chain)+3)
	for _, link := range chain {
		args = append(args, planner.store.BackupDataDirectory(link.BackupID))
	}
	args = append(args, "--output", staging)

	log.FromContext(ctx).Info("Combining the incremental chain",
		"chainLength", len(chain), "staging", staging)
	cmd := exec.CommandContext(ctx, "pg_combinebackup", args...) // #nosec
	if err := execlog.RunStreaming(cmd, "pg_combinebackup"); err != nil {
		return fmt.Errorf("while combining the incremental chain: %w", err)
	}
	return nil
}
