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

// Package backup implements the base-backup orchestrator: the state
// machine coordinating one base backup against a PostgreSQL primary
// or standby, the copy engines, and the post-backup WAL fence.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/hook"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// Options modulates one backup invocation
type Options struct {
	// Name is the optional human name of the backup
	Name string
	// ParentID selects the parent for an incremental backup
	ParentID string
	// ImmediateCheckpoint requests a fast checkpoint at start
	ImmediateCheckpoint bool
	// ReuseBackup overrides the configured reuse-backup mode
	ReuseBackup config.ReuseBackupMode
	// Checksum requests a checksum pass in the delta copy
	Checksum bool
	// WaitForWALs blocks until the WAL fence completes
	WaitForWALs bool
	// WaitTimeout bounds the WAL fence wait
	WaitTimeout time.Duration
}

// Orchestrator drives one base backup end to end
type Orchestrator struct {
	store      *catalog.Store
	dispatcher *hook.Dispatcher
	locksDir   string
}

// NewOrchestrator creates a backup orchestrator for a server
func NewOrchestrator(store *catalog.Store, locksDir string) *Orchestrator {
	return &Orchestrator{
		store:      store,
		dispatcher: hook.NewDispatcher(store.Server()),
		locksDir:   locksDir,
	}
}

// copyEngine is one of the tree-copy strategies
type copyEngine interface {
	// Copy transfers the cluster trees into the backup directory
	Copy(ctx context.Context, req *copyRequest) error
}

// copyRequest carries everything an engine needs
type copyRequest struct {
	conn        *postgres.Connection
	server      *config.ServerConfig
	store       *catalog.Store
	info        *catalog.BackupInfo
	parent      *catalog.BackupInfo
	options     *Options
	pgData      string
	tablespaces []postgres.Tablespace
}

// Run takes one base backup, honoring the documented state machine:
// IDLE, PREPARE, LABEL_BEGIN, COPY_TREE, LABEL_END, WAIT_WAL, DONE,
// with FAILED reachable from every step after LABEL_BEGIN
func (orchestrator *Orchestrator) Run(ctx context.Context, options *Options) (*catalog.BackupInfo, error) {
	server := orchestrator.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	// PREPARE
	serverLock, err := lock.TryAcquire(orchestrator.locksDir, server.Name, lock.ScopeServer)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = serverLock.Release()
	}()
	backupLock, err := lock.TryAcquire(orchestrator.locksDir, server.Name, lock.ScopeBackup)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = backupLock.Release()
	}()

	if server.BackupOptions == "exclusive_backup" {
		return nil, &errs.UnsupportedOperationError{
			Op:     "exclusive backup",
			Reason: "the exclusive low-level API is gone from supported PostgreSQL versions",
		}
	}

	engine, err := orchestrator.selectEngine(options)
	if err != nil {
		return nil, err
	}

	if err := orchestrator.store.EnsureLayout(); err != nil {
		return nil, err
	}

	parent, err := orchestrator.resolveParent(options)
	if err != nil {
		return nil, err
	}

	conn, err := postgres.Connect(ctx, server.Conninfo)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.Close()
	}()

	info, err := orchestrator.prepare(ctx, conn, options, parent)
	if err != nil {
		return nil, err
	}
	contextLog = contextLog.WithValues("backupID", info.BackupID)
	ctx = log.IntoContext(ctx, contextLog)

	env := hook.BackupEnv(info.BackupID, orchestrator.store.BackupDirectory(info.BackupID),
		string(info.Status), "", "")
	if err := orchestrator.dispatcher.Fire(ctx, hook.PhasePre, hook.EventBackup, env); err != nil {
		return nil, err
	}

	if err := orchestrator.take(ctx, conn, engine, info, parent, options); err != nil {
		orchestrator.markFailed(ctx, conn, info, err)
		_ = orchestrator.dispatcher.Fire(ctx, hook.PhasePost, hook.EventBackup,
			env.ErrorEnv(err.Error()))
		return info, err
	}

	if err := orchestrator.dispatcher.Fire(ctx, hook.PhasePost, hook.EventBackup, env); err != nil {
		return info, err
	}
	return info, nil
}

// selectEngine maps the backup method to its copy engine
func (orchestrator *Orchestrator) selectEngine(options *Options) (copyEngine, error) {
	server := orchestrator.store.Server()
	switch server.BackupMethod {
	case config.BackupMethodRsync:
		return &rsyncEngine{remote: true}, nil
	case config.BackupMethodLocalRsync:
		return &rsyncEngine{remote: false}, nil
	case config.BackupMethodPostgres:
		return &streamingEngine{}, nil
	case config.BackupMethodSnapshot:
		if options.ParentID != "" {
			return nil, &errs.UnsupportedOperationError{
				Op:     "incremental backup",
				Reason: "not valid with the snapshot backup method",
			}
		}
		return &snapshotEngine{}, nil
	}
	return nil, errs.Configurationf("unknown backup method %q", server.BackupMethod)
}

// resolveParent loads and verifies the parent of an incremental backup
func (orchestrator *Orchestrator) resolveParent(options *Options) (*catalog.BackupInfo, error) {
	if options.ParentID == "" {
		return nil, nil
	}

	parentID, err := orchestrator.store.ResolveBackupID(options.ParentID)
	if err != nil {
		return nil, err
	}
	parent, err := orchestrator.store.ReadBackupInfo(parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != catalog.BackupDone {
		return nil, fmt.Errorf("parent backup %s is %s, not DONE", parentID, parent.Status)
	}
	return parent, nil
}

// prepare creates the EMPTY placeholder and opens the backup on the
// upstream (LABEL_BEGIN)
func (orchestrator *Orchestrator) prepare(
	ctx context.Context,
	conn *postgres.Connection,
	options *Options,
	parent *catalog.BackupInfo,
) (*catalog.BackupInfo, error) {
	server := orchestrator.store.Server()
	contextLog := log.FromContext(ctx)

	version, err := conn.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}
	systemID, err := conn.SystemIdentifier(ctx)
	if err != nil {
		return nil, err
	}
	inRecovery, err := conn.IsInRecovery(ctx)
	if err != nil {
		return nil, err
	}
	if inRecovery && version < 90600 {
		return nil, &errs.UnsupportedOperationError{
			Op:     "backup from a standby",
			Reason: "the upstream does not support concurrent backup on standbys",
		}
	}

	if parent != nil {
		if parent.SystemID != systemID {
			return nil, fmt.Errorf(
				"parent backup %s belongs to another cluster (systemid %s, expected %s)",
				parent.BackupID, parent.SystemID, systemID)
		}
		if postgres.GetPostgresMajorVersion(parent.ServerVersion) !=
			postgres.GetPostgresMajorVersion(version) {
			return nil, fmt.Errorf(
				"parent backup %s was taken on PostgreSQL %s, the server now runs %s",
				parent.BackupID,
				postgres.MajorVersionString(parent.ServerVersion),
				postgres.MajorVersionString(version))
		}
	}

	backupID := catalog.NewBackupID(time.Now())
	if err := orchestrator.store.CreateBackupDir(backupID); err != nil {
		return nil, err
	}

	info := &catalog.BackupInfo{
		BackupID:      backupID,
		ServerName:    server.Name,
		BackupName:    options.Name,
		Status:        catalog.BackupEmpty,
		Mode:          string(server.BackupMethod),
		Type:          catalog.BackupTypeFull,
		SystemID:      systemID,
		ServerVersion: version,
	}
	switch {
	case parent != nil && server.BackupMethod == config.BackupMethodPostgres:
		info.Type = catalog.BackupTypeIncrementalBlock
		info.ParentBackupID = parent.BackupID
	case parent != nil:
		info.Type = catalog.BackupTypeIncrementalFile
		info.ParentBackupID = parent.BackupID
	case server.BackupMethod == config.BackupMethodSnapshot:
		info.Type = catalog.BackupTypeSnapshot
	}
	if err := orchestrator.store.WriteBackupInfo(info); err != nil {
		return nil, err
	}

	// an immediate checkpoint is also forced when backing up a
	// standby with no write activity behind it
	immediate := options.ImmediateCheckpoint || server.ImmediateCheckpoint ||
		(inRecovery && server.PrimaryConninfo == "")

	label := fmt.Sprintf("Barman backup %s %s", server.Name, backupID)
	startInfo, err := conn.StartBackup(ctx, label, immediate)
	if err != nil {
		return nil, err
	}

	walSegmentSize, err := conn.WALSegmentSize(ctx)
	if err != nil {
		return nil, err
	}
	beginSegment, err := postgres.SegmentFromLSN(startInfo.LSN, startInfo.Timeline, walSegmentSize)
	if err != nil {
		return nil, err
	}

	info.Status = catalog.BackupStarted
	info.BeginTime = time.Now()
	info.BeginLSN = startInfo.LSN
	info.Timeline = startInfo.Timeline
	info.BeginWAL = beginSegment.Name()
	if err := orchestrator.store.WriteBackupInfo(info); err != nil {
		return nil, err
	}

	contextLog.Info("Backup started",
		"beginLSN", info.BeginLSN, "beginWAL", info.BeginWAL, "timeline", info.Timeline)
	return info, nil
}

// take runs COPY_TREE, LABEL_END and WAIT_WAL
func (orchestrator *Orchestrator) take(
	ctx context.Context,
	conn *postgres.Connection,
	engine copyEngine,
	info *catalog.BackupInfo,
	parent *catalog.BackupInfo,
	options *Options,
) error {
	server := orchestrator.store.Server()
	contextLog := log.FromContext(ctx)

	pgData, err := conn.CurrentSetting(ctx, "data_directory")
	if err != nil {
		return err
	}
	tablespaces, err := conn.Tablespaces(ctx)
	if err != nil {
		return err
	}
	for _, tbs := range tablespaces {
		info.Tablespaces = append(info.Tablespaces, catalog.Tablespace{
			Name:     tbs.Name,
			OID:      tbs.OID,
			Location: tbs.Location,
		})
	}

	// COPY_TREE
	if err := engine.Copy(ctx, &copyRequest{
		conn:        conn,
		server:      server,
		store:       orchestrator.store,
		info:        info,
		parent:      parent,
		options:     options,
		pgData:      pgData,
		tablespaces: tablespaces,
	}); err != nil {
		return fmt.Errorf("while copying the cluster trees: %w", err)
	}

	// LABEL_END
	stopInfo, err := conn.StopBackup(ctx)
	if err != nil {
		return err
	}
	walSegmentSize, err := conn.WALSegmentSize(ctx)
	if err != nil {
		return err
	}
	endSegment, err := postgres.SegmentFromLSN(stopInfo.LSN, info.Timeline, walSegmentSize)
	if err != nil {
		return err
	}

	info.EndTime = time.Now()
	info.EndLSN = stopInfo.LSN
	info.EndWAL = endSegment.Name()
	if err := writeBackupLabel(orchestrator.store, info, stopInfo); err != nil {
		return err
	}

	size, deduplicated, err := treeSizes(orchestrator.store.BackupDirectory(info.BackupID))
	if err != nil {
		return err
	}
	info.Size = size
	info.DeduplicatedSize = deduplicated

	// WAIT_WAL
	info.Status = catalog.BackupWaitingForWALs
	if err := orchestrator.store.WriteBackupInfo(info); err != nil {
		return err
	}

	if err := orchestrator.walFence(ctx, info, options); err != nil {
		if errors.Is(err, errWALFenceTimeout) {
			contextLog.Warning(
				"Backup ended but the required WALs have not arrived yet; " +
					"cron will complete the transition to DONE")
			return nil
		}
		return err
	}

	info.Status = catalog.BackupDone
	if err := orchestrator.store.WriteBackupInfo(info); err != nil {
		return err
	}
	contextLog.Info("Backup completed",
		"endLSN", info.EndLSN, "endWAL", info.EndWAL,
		"size", info.Size, "deduplicatedSize", info.DeduplicatedSize)
	return nil
}

// markFailed closes the upstream backup state best-effort and
// persists the FAILED status
func (orchestrator *Orchestrator) markFailed(
	ctx context.Context,
	conn *postgres.Connection,
	info *catalog.BackupInfo,
	cause error,
) {
	contextLog := log.FromContext(ctx)
	contextLog.Error(cause, "Backup failed")

	if info.Status == catalog.BackupStarted {
		if _, err := conn.StopBackup(ctx); err != nil {
			contextLog.Warning("Cannot release the upstream backup state",
				"error", err.Error())
		}
	}

	info.Status = catalog.BackupFailed
	if err := orchestrator.store.WriteBackupInfo(info); err != nil {
		contextLog.Error(err, "Cannot persist the FAILED status")
	}
}
