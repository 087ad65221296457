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

package retention

import (
	"context"
	"sort"
	"time"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/hook"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// Engine evaluates and enforces the retention policy of one server
type Engine struct {
	store      *catalog.Store
	dispatcher *hook.Dispatcher
	locksDir   string
	policy     *Policy
	minimum    int
}

// NewEngine creates a retention engine for a server. The policy
// expression must already be configured.
func NewEngine(store *catalog.Store, locksDir string) (*Engine, error) {
	server := store.Server()
	policy, err := ParsePolicy(server.RetentionPolicy)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:      store,
		dispatcher: hook.NewDispatcher(server),
		locksDir:   locksDir,
		policy:     policy,
		minimum:    server.MinimumRedundancy,
	}, nil
}

// Report computes the classification of the current catalog snapshot
// without mutating anything
func (engine *Engine) Report(now time.Time) (*Classification, error) {
	backups, problems := engine.store.ListBackups(catalog.BackupFilter{})
	if len(problems) > 0 {
		// a corrupted backup.info blocks retention for safety
		return nil, problems[0]
	}
	walEntries, err := engine.store.ReadXLogDB()
	if err != nil {
		return nil, err
	}
	return Classify(now, engine.policy, engine.minimum, backups, walEntries), nil
}

// Apply runs one retention pass: classify a snapshot, then reclaim
// obsolete backups and WAL files under the appropriate locks
func (engine *Engine) Apply(ctx context.Context, now time.Time) (*Classification, error) {
	server := engine.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	serverLock, err := lock.TryAcquire(engine.locksDir, server.Name, lock.ScopeServer)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = serverLock.Release()
	}()

	classification, err := engine.Report(now)
	if err != nil {
		return nil, err
	}
	if classification.FloorApplied {
		contextLog.Warning(
			"Retention policy would drop below minimum redundancy, retaining extra backups",
			"minimumRedundancy", engine.minimum)
	}

	if err := engine.reclaimBackups(ctx, classification); err != nil {
		return classification, err
	}
	if err := engine.reclaimWALs(ctx, classification); err != nil {
		return classification, err
	}
	return classification, nil
}

// reclaimBackups deletes the OBSOLETE backup directories, children
// before parents so no orphan incremental ever remains
func (engine *Engine) reclaimBackups(ctx context.Context, classification *Classification) error {
	server := engine.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	var obsolete []string
	for backupID, class := range classification.Backups {
		if class == BackupObsolete {
			obsolete = append(obsolete, backupID)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(obsolete)))

	for _, backupID := range obsolete {
		env := hook.BackupEnv(backupID, engine.store.BackupDirectory(backupID), "OBSOLETE", "", "")
		if err := engine.dispatcher.Fire(ctx, hook.PhasePre, hook.EventDelete, env); err != nil {
			return err
		}

		if err := engine.store.DeleteBackup(backupID); err != nil {
			contextLog.Error(err, "Cannot delete obsolete backup", "backupID", backupID)
			_ = engine.dispatcher.Fire(ctx, hook.PhasePost, hook.EventDelete,
				env.ErrorEnv(err.Error()))
			return err
		}
		contextLog.Info("Deleted obsolete backup", "backupID", backupID)

		if err := engine.dispatcher.Fire(ctx, hook.PhasePost, hook.EventDelete, env); err != nil {
			return err
		}
	}
	return nil
}

// reclaimWALs deletes the RECLAIM segments, then rewrites xlog.db to
// drop the reclaimed entries in one atomic pass
func (engine *Engine) reclaimWALs(ctx context.Context, classification *Classification) error {
	server := engine.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	archiveLock, err := lock.TryAcquire(engine.locksDir, server.Name, lock.ScopeArchive)
	if err != nil {
		return err
	}
	defer func() {
		_ = archiveLock.Release()
	}()

	entries, err := engine.store.ReadXLogDB()
	if err != nil {
		return err
	}

	var kept []catalog.WALFileEntry
	reclaimed := 0
	for _, entry := range entries {
		if classification.WALs[entry.Name] != WALReclaim {
			kept = append(kept, entry)
			continue
		}

		env := hook.ArchiveEnv(entry.Name, engine.store.WALArchivePath(entry),
			entry.Size, entry.Time.Unix(), entry.Compression)
		if err := engine.dispatcher.Fire(ctx, hook.PhasePre, hook.EventWALDelete, env); err != nil {
			return err
		}
		if err := engine.store.DeleteWAL(entry); err != nil {
			return err
		}
		if err := engine.dispatcher.Fire(ctx, hook.PhasePost, hook.EventWALDelete, env); err != nil {
			return err
		}
		reclaimed++
	}

	if reclaimed == 0 {
		return nil
	}
	if err := engine.store.RewriteXLogDB(kept); err != nil {
		return err
	}
	contextLog.Info("Reclaimed WAL files", "count", reclaimed)
	return nil
}
