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
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// BackupLabelFile is the name PostgreSQL expects for the backup label
const BackupLabelFile = "backup_label"

// TablespaceMapFile is the name PostgreSQL expects for the tablespace
// map
const TablespaceMapFile = "tablespace_map"

// writeBackupLabel stores the backup_label and tablespace_map
// captured at backup stop inside the backup data directory. The
// streaming engine receives them from pg_basebackup already; writing
// them again is harmless and keeps the layout uniform.
func writeBackupLabel(
	store *catalog.Store,
	info *catalog.BackupInfo,
	stopInfo *postgres.BackupStopInfo,
) error {
	dataDir := store.BackupDataDirectory(info.BackupID)
	if exists, err := fileutils.FileExists(filepath.Join(dataDir, "PG_VERSION")); err != nil || !exists {
		// compressed tar or snapshot mode: the label lives beside the
		// metadata
		dataDir = store.BackupDirectory(info.BackupID)
	}

	if stopInfo.LabelFile != "" {
		if _, err := fileutils.WriteStringToFile(
			filepath.Join(dataDir, BackupLabelFile), stopInfo.LabelFile); err != nil {
			return err
		}
	}
	if stopInfo.TablespaceMap != "" {
		if _, err := fileutils.WriteStringToFile(
			filepath.Join(dataDir, TablespaceMapFile), stopInfo.TablespaceMap); err != nil {
			return err
		}
	}
	return nil
}

// treeSizes walks a backup directory computing the total logical size
// and the deduplicated size. A file reached through a hard link shared
// with a previous backup accounts for its full size in the first and
// for size/nlink in the second.
func treeSizes(root string) (size int64, deduplicated int64, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		size += info.Size()
		if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
			deduplicated += info.Size() / int64(stat.Nlink) // #nosec G115
		} else {
			deduplicated += info.Size()
		}
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return 0, 0, nil
	}
	return size, deduplicated, err
}
