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

package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// BackupStatus is the lifecycle state of a base backup
type BackupStatus string

// The backup statuses. DONE and FAILED are terminal apart from
// deletion; SYNCING appears only on passive nodes.
const (
	BackupEmpty          BackupStatus = "EMPTY"
	BackupStarted        BackupStatus = "STARTED"
	BackupWaitingForWALs BackupStatus = "WAITING_FOR_WALS"
	BackupDone           BackupStatus = "DONE"
	BackupFailed         BackupStatus = "FAILED"
	BackupSyncing        BackupStatus = "SYNCING"
)

// BackupType distinguishes full, incremental and snapshot backups
type BackupType string

// The backup types
const (
	BackupTypeFull             BackupType = "full"
	BackupTypeIncrementalFile  BackupType = "incremental-file-level"
	BackupTypeIncrementalBlock BackupType = "incremental-block-level"
	BackupTypeSnapshot         BackupType = "snapshot"
)

// KeepTarget is the recovery target of a KEEP annotation
type KeepTarget string

// The KEEP targets
const (
	// KeepNone means the backup is not pinned
	KeepNone KeepTarget = ""
	// KeepFull retains the backup and every WAL up to the next backup
	KeepFull KeepTarget = "full"
	// KeepStandalone retains only the backup and its required WALs
	KeepStandalone KeepTarget = "standalone"
)

// Tablespace describes one tablespace included in a backup
type Tablespace struct {
	Name     string `json:"name"`
	OID      uint32 `json:"oid"`
	Location string `json:"location"`
}

// BackupInfo is the metadata of one base backup, persisted in the
// backup.info file inside the backup directory
type BackupInfo struct {
	BackupID       string
	ServerName     string
	BackupName     string
	Status         BackupStatus
	Mode           string
	Type           BackupType
	ParentBackupID string

	BeginTime time.Time
	EndTime   time.Time
	BeginLSN  postgres.LSN
	EndLSN    postgres.LSN
	BeginWAL  string
	EndWAL    string
	Timeline  uint32
	SystemID  string

	Size             int64
	DeduplicatedSize int64
	Compression      string
	Keep             KeepTarget

	Tablespaces   []Tablespace
	IncludedFiles []string
	ServerVersion int
}

// BackupIDTimeFormat is the layout of a backup id: a timestamp with
// enough resolution to be unique under serial creation
const BackupIDTimeFormat = "20060102T150405"

// NewBackupID generates a backup id for the passed creation time
func NewBackupID(t time.Time) string {
	return t.Format(BackupIDTimeFormat)
}

// IsIncremental tells whether this backup depends on a parent
func (info *BackupInfo) IsIncremental() bool {
	return info.Type == BackupTypeIncrementalFile || info.Type == BackupTypeIncrementalBlock
}

// timeField renders a time in the backup.info file, empty when unset
func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Serialize renders the backup.info content. Keys are emitted in a
// fixed order so the file round-trips byte-stable.
func (info *BackupInfo) Serialize() ([]byte, error) {
	tablespaces, err := json.Marshal(info.Tablespaces)
	if err != nil {
		return nil, err
	}
	includedFiles, err := json.Marshal(info.IncludedFiles)
	if err != nil {
		return nil, err
	}

	var builder strings.Builder
	write := func(key, value string) {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(value)
		builder.WriteString("\n")
	}

	write("backup_id", info.BackupID)
	write("server_name", info.ServerName)
	write("backup_name", info.BackupName)
	write("status", string(info.Status))
	write("mode", info.Mode)
	write("backup_type", string(info.Type))
	write("parent_backup_id", info.ParentBackupID)
	write("begin_time", timeField(info.BeginTime))
	write("end_time", timeField(info.EndTime))
	write("begin_lsn", string(info.BeginLSN))
	write("end_lsn", string(info.EndLSN))
	write("begin_wal", info.BeginWAL)
	write("end_wal", info.EndWAL)
	write("timeline", strconv.FormatUint(uint64(info.Timeline), 10))
	write("systemid", info.SystemID)
	write("size", strconv.FormatInt(info.Size, 10))
	write("deduplicated_size", strconv.FormatInt(info.DeduplicatedSize, 10))
	write("compression", info.Compression)
	write("keep", string(info.Keep))
	write("tablespaces", string(tablespaces))
	write("included_files", string(includedFiles))
	write("server_version", strconv.Itoa(info.ServerVersion))

	return []byte(builder.String()), nil
}

// DeserializeBackupInfo parses a backup.info content
func DeserializeBackupInfo(path string, content []byte) (*BackupInfo, error) {
	info := &BackupInfo{}
	for lineNo, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, &errs.CatalogError{
				Path:   path,
				Detail: fmt.Sprintf("malformed line %d: %q", lineNo+1, line),
			}
		}

		if err := info.setField(key, value); err != nil {
			return nil, &errs.CatalogError{
				Path:   path,
				Detail: fmt.Sprintf("line %d: %v", lineNo+1, err),
			}
		}
	}

	if info.BackupID == "" {
		return nil, &errs.CatalogError{Path: path, Detail: "missing backup_id"}
	}
	return info, nil
}

func (info *BackupInfo) setField(key, value string) error {
	var err error
	switch key {
	case "backup_id":
		info.BackupID = value
	case "server_name":
		info.ServerName = value
	case "backup_name":
		info.BackupName = value
	case "status":
		info.Status = BackupStatus(value)
	case "mode":
		info.Mode = value
	case "backup_type":
		info.Type = BackupType(value)
	case "parent_backup_id":
		info.ParentBackupID = value
	case "begin_time":
		if value != "" {
			info.BeginTime, err = time.Parse(time.RFC3339, value)
		}
	case "end_time":
		if value != "" {
			info.EndTime, err = time.Parse(time.RFC3339, value)
		}
	case "begin_lsn":
		info.BeginLSN = postgres.LSN(value)
	case "end_lsn":
		info.EndLSN = postgres.LSN(value)
	case "begin_wal":
		info.BeginWAL = value
	case "end_wal":
		info.EndWAL = value
	case "timeline":
		var timeline uint64
		timeline, err = strconv.ParseUint(value, 10, 32)
		info.Timeline = uint32(timeline)
	case "systemid":
		info.SystemID = value
	case "size":
		info.Size, err = strconv.ParseInt(value, 10, 64)
	case "deduplicated_size":
		info.DeduplicatedSize, err = strconv.ParseInt(value, 10, 64)
	case "compression":
		info.Compression = value
	case "keep":
		info.Keep = KeepTarget(value)
	case "tablespaces":
		if value != "" {
			err = json.Unmarshal([]byte(value), &info.Tablespaces)
		}
	case "included_files":
		if value != "" {
			err = json.Unmarshal([]byte(value), &info.IncludedFiles)
		}
	case "server_version":
		info.ServerVersion, err = strconv.Atoi(value)
	default:
		// tolerate fields written by newer versions
	}
	return err
}

// SortBackups orders a backup list by id ascending, which is
// creation-time order
func SortBackups(backups []*BackupInfo) {
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].BackupID < backups[j].BackupID
	})
}
