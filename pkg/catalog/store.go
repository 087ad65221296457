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

// Package catalog owns the per-server on-disk truth: the backup
// directories with their backup.info metadata, the WAL archive and
// its xlog.db index. Every write is either a fresh file published by
// rename or an append performed under the archive lock.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

// BackupInfoFile is the name of the backup metadata file
const BackupInfoFile = "backup.info"

// trashPrefix marks a backup directory being deleted; a crash between
// the rename and the removal leaves a detectable entry cleaned by cron
const trashPrefix = ".trash-"

// Store gives access to the catalog of one server
type Store struct {
	server *config.ServerConfig
}

// NewStore creates a catalog store for a server
func NewStore(server *config.ServerConfig) *Store {
	return &Store{server: server}
}

// Server returns the descriptor of the server this store belongs to
func (store *Store) Server() *config.ServerConfig {
	return store.server
}

// EnsureLayout creates the per-server directory tree
func (store *Store) EnsureLayout() error {
	directories := []string{
		store.server.BackupsDirectory(),
		store.server.WalsDirectory(),
		store.server.StreamingDirectory(),
		store.server.IncomingDirectory(),
		store.server.ErrorsDirectory(),
		store.server.MetaDirectory(),
	}
	for _, directory := range directories {
		if err := fileutils.EnsureDirectoryExists(directory); err != nil {
			return fmt.Errorf("while creating %s: %w", directory, err)
		}
	}
	return nil
}

// BackupDirectory is the directory of a backup
func (store *Store) BackupDirectory(backupID string) string {
	return filepath.Join(store.server.BackupsDirectory(), backupID)
}

// BackupInfoPath is the metadata file of a backup
func (store *Store) BackupInfoPath(backupID string) string {
	return filepath.Join(store.BackupDirectory(backupID), BackupInfoFile)
}

// BackupDataDirectory is the data tree of an uncompressed backup
func (store *Store) BackupDataDirectory(backupID string) string {
	return filepath.Join(store.BackupDirectory(backupID), "data")
}

// CreateBackupDir creates the EMPTY placeholder directory of a new
// backup, failing when the id already exists
func (store *Store) CreateBackupDir(backupID string) error {
	directory := store.BackupDirectory(backupID)
	if _, err := os.Stat(directory); err == nil {
		return fmt.Errorf("backup %s already exists", backupID)
	}
	return os.MkdirAll(directory, 0o700)
}

// WriteBackupInfo persists the metadata of a backup atomically:
// readers see either the old or the new value
func (store *Store) WriteBackupInfo(info *BackupInfo) error {
	content, err := info.Serialize()
	if err != nil {
		return err
	}
	_, err = fileutils.WriteFileAtomic(store.BackupInfoPath(info.BackupID), content, 0o600)
	return err
}

// ReadBackupInfo loads the metadata of a backup
func (store *Store) ReadBackupInfo(backupID string) (*BackupInfo, error) {
	path := store.BackupInfoPath(backupID)
	content, err := os.ReadFile(path) // #nosec
	if err != nil {
		return nil, err
	}
	return DeserializeBackupInfo(path, content)
}

// BackupFilter selects a subset of the catalog
type BackupFilter struct {
	Status   []BackupStatus
	Types    []BackupType
	OnlyKeep bool
}

func (filter BackupFilter) matches(info *BackupInfo) bool {
	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if info.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Types) > 0 {
		found := false
		for _, backupType := range filter.Types {
			if info.Type == backupType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.OnlyKeep && info.Keep == KeepNone {
		return false
	}
	return true
}

// ListBackups returns the backups matching the filter, ordered by id
// ascending. Backup directories with an unreadable backup.info are
// skipped and reported as a CatalogError in the second return value
// list.
func (store *Store) ListBackups(filter BackupFilter) ([]*BackupInfo, []error) {
	entries, err := fileutils.GetDirectoryContent(store.server.BackupsDirectory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var result []*BackupInfo
	var problems []error
	for _, entry := range entries {
		if strings.HasPrefix(entry, trashPrefix) || strings.HasPrefix(entry, ".") {
			continue
		}
		info, err := store.ReadBackupInfo(entry)
		if err != nil {
			if os.IsNotExist(err) {
				// an EMPTY placeholder with no metadata yet
				continue
			}
			problems = append(problems, err)
			continue
		}
		if filter.matches(info) {
			result = append(result, info)
		}
	}

	SortBackups(result)
	return result, problems
}

// LatestBackup returns the newest backup matching the filter, or nil
func (store *Store) LatestBackup(filter BackupFilter) *BackupInfo {
	backups, _ := store.ListBackups(filter)
	if len(backups) == 0 {
		return nil
	}
	return backups[len(backups)-1]
}

// HasDescendants tells whether any incremental backup names this one
// as its parent
func (store *Store) HasDescendants(backupID string) (bool, error) {
	backups, problems := store.ListBackups(BackupFilter{})
	if len(problems) > 0 {
		return false, problems[0]
	}
	for _, info := range backups {
		if info.ParentBackupID == backupID {
			return true, nil
		}
	}
	return false, nil
}

// DeleteBackup removes a backup directory. The deletion is atomic per
// backup: the directory is renamed to a hidden trash name first, then
// removed. It refuses when a descendant incremental remains, and does
// not by itself reclaim WAL.
func (store *Store) DeleteBackup(backupID string) error {
	hasDescendants, err := store.HasDescendants(backupID)
	if err != nil {
		return err
	}
	if hasDescendants {
		return &errs.RetentionViolationError{
			BackupID: backupID,
			Reason:   "incremental backups depend on it",
		}
	}

	directory := store.BackupDirectory(backupID)
	if _, err := os.Stat(directory); err != nil {
		return err
	}

	trashName := filepath.Join(store.server.BackupsDirectory(), trashPrefix+backupID)
	if err := os.Rename(directory, trashName); err != nil {
		return err
	}
	return os.RemoveAll(trashName)
}

// CleanupTrash completes the half-deleted backups a crashed process
// left behind and removes stale temporary files. Invoked by cron.
func (store *Store) CleanupTrash() error {
	entries, err := fileutils.GetDirectoryContent(store.server.BackupsDirectory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry, trashPrefix) {
			if err := os.RemoveAll(filepath.Join(store.server.BackupsDirectory(), entry)); err != nil {
				return err
			}
		}
	}

	for _, directory := range []string{
		store.server.WalsDirectory(),
		store.server.BackupsDirectory(),
		store.server.MetaDirectory(),
	} {
		if err := fileutils.CleanupTemporaryFiles(directory); err != nil {
			return err
		}
	}
	return nil
}

// ResolveBackupID resolves the documented backup id shortcuts:
// first/oldest, last/latest, last-full/latest-full, last-failed. Any
// other value is returned verbatim after checking it exists.
func (store *Store) ResolveBackupID(target string) (string, error) {
	doneFilter := BackupFilter{Status: []BackupStatus{BackupDone}}

	switch target {
	case "first", "oldest":
		backups, _ := store.ListBackups(doneFilter)
		if len(backups) == 0 {
			return "", fmt.Errorf("no DONE backup for server %s", store.server.Name)
		}
		return backups[0].BackupID, nil
	case "last", "latest":
		if latest := store.LatestBackup(doneFilter); latest != nil {
			return latest.BackupID, nil
		}
		return "", fmt.Errorf("no DONE backup for server %s", store.server.Name)
	case "last-full", "latest-full":
		backups, _ := store.ListBackups(BackupFilter{
			Status: []BackupStatus{BackupDone},
			Types:  []BackupType{BackupTypeFull},
		})
		if len(backups) == 0 {
			return "", fmt.Errorf("no full DONE backup for server %s", store.server.Name)
		}
		return backups[len(backups)-1].BackupID, nil
	case "last-failed":
		if latest := store.LatestBackup(BackupFilter{
			Status: []BackupStatus{BackupFailed},
		}); latest != nil {
			return latest.BackupID, nil
		}
		return "", fmt.Errorf("no FAILED backup for server %s", store.server.Name)
	}

	if _, err := os.Stat(store.BackupDirectory(target)); err != nil {
		return "", fmt.Errorf("unknown backup %s for server %s", target, store.server.Name)
	}
	return target, nil
}
