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

package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/EnterpriseDB/barman/pkg/backup"
	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/compression"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// AutoConfFile is where the recovery settings are appended for
// PostgreSQL 12 and later
const AutoConfFile = "postgresql.auto.conf"

// dangerousSettings would make the restored instance clobber the live
// one; the planner unsets them inside the restored configuration
var dangerousSettings = []string{
	"archive_command",
	"primary_conninfo",
	"primary_slot_name",
	"restore_command",
	"recovery_end_command",
	"synchronous_standby_names",
}

// missingRequiredWALs checks that every segment between begin-wal and
// end-wal inclusive is archived
func (planner *Planner) missingRequiredWALs(info *catalog.BackupInfo) ([]string, error) {
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
		entry, err := planner.store.FindArchivedWAL(segment.Name())
		if err != nil {
			return nil, err
		}
		if entry == nil {
			missing = append(missing, segment.Name())
		}
	}
	return missing, nil
}

// requiredWALEntries selects the archived entries to stage: the
// inclusive range from the backup's begin-wal to the last WAL needed
// to reach the recovery target, or the latest archived WAL for a
// full-catalog recovery
func (planner *Planner) requiredWALEntries(
	info *catalog.BackupInfo,
	options *Options,
) ([]catalog.WALFileEntry, error) {
	entries, err := planner.store.ReadXLogDB()
	if err != nil {
		return nil, err
	}

	endName := ""
	switch {
	case options.TargetImmediate:
		endName = info.EndWAL
	case options.TargetTime != "":
		targetTime, err := time.Parse("2006-01-02 15:04:05", options.TargetTime)
		if err != nil {
			return nil, errs.Inputf("unparsable target time %q", options.TargetTime)
		}
		for _, entry := range entries {
			if postgres.IsWALSegmentName(entry.Name) && !entry.Time.After(targetTime) &&
				entry.Name > endName {
				endName = entry.Name
			}
		}
		if endName < info.EndWAL {
			endName = info.EndWAL
		}
	}

	var result []catalog.WALFileEntry
	for _, entry := range entries {
		if postgres.IsHistoryFileName(entry.Name) {
			result = append(result, entry)
			continue
		}
		if entry.Name < info.BeginWAL {
			continue
		}
		if endName != "" && entry.Name > endName {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// stageWALs copies the required WAL range into the destination's
// pg_wal directory, decompressing as needed. In get-wal mode nothing
// is copied: the restore command fetches segments on demand.
func (planner *Planner) stageWALs(
	ctx context.Context,
	info *catalog.BackupInfo,
	destination string,
	options *Options,
) error {
	if options.GetWAL {
		return nil
	}
	contextLog := log.FromContext(ctx)

	entries, err := planner.requiredWALEntries(info, options)
	if err != nil {
		return err
	}

	walTarget := filepath.Join(destination, "pg_wal")
	staging := walTarget
	if options.RemoteSSHCommand != "" {
		staging, err = os.MkdirTemp(stagingRoot(planner.store.Server(), options), "barman-wals-")
		if err != nil {
			return err
		}
		defer func() {
			_ = fileutils.RemoveDirectory(staging)
		}()
	} else if err := fileutils.EnsureDirectoryExists(walTarget); err != nil {
		return err
	}

	for _, entry := range entries {
		source := planner.store.WALArchivePath(entry)
		target := filepath.Join(staging, entry.Name)
		if entry.Compression != "" {
			if err := compression.DecompressFile(entry.Compression, source, target); err != nil {
				return err
			}
		} else if err := fileutils.CopyFile(source, target); err != nil {
			return err
		}
	}
	contextLog.Info("Staged WAL files", "count", len(entries))

	if options.RemoteSSHCommand != "" {
		transport, host, err := splitRemoteCommand(options.RemoteSSHCommand)
		if err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, "rsync", "-rpts", "-e", transport, // #nosec
			staging+"/", host+":"+walTarget+"/")
		if err := execlog.RunStreaming(cmd, "rsync"); err != nil {
			return &errs.ConnectionError{Op: "WAL staging copy", Err: err}
		}
	}
	return nil
}

// buildRestoreCommand renders the restore_command written into the
// recovery configuration
func (planner *Planner) buildRestoreCommand(destination string, options *Options) string {
	server := planner.store.Server()

	if options.GetWAL {
		if options.RemoteSSHCommand == "" {
			return fmt.Sprintf("barman get-wal %s %%f > %%p", server.Name)
		}
		// the recovered server fetches from the Barman host over SSH,
		// with peek-ahead warming the next segments
		barmanHost, err := os.Hostname()
		if err != nil {
			barmanHost = "localhost"
		}
		return shellquote.Join("ssh", "barman@"+barmanHost,
			"barman", "get-wal", "--peek", "8", server.Name, "%f") + " > %p"
	}

	// the staged WALs are already inside the destination
	return fmt.Sprintf("cp %s/%%f %%p", filepath.Join(destination, "pg_wal"))
}

// writeRecoveryConfiguration appends the recovery settings to the
// auto configuration file and creates the appropriate signal file
func (planner *Planner) writeRecoveryConfiguration(
	ctx context.Context,
	info *catalog.BackupInfo,
	destination string,
	options *Options,
) error {
	var builder strings.Builder
	builder.WriteString("\n# Added by Barman recovery\n")
	write := func(key, value string) {
		builder.WriteString(fmt.Sprintf("%s = '%s'\n", key, strings.ReplaceAll(value, "'", "''")))
	}

	write("restore_command", planner.buildRestoreCommand(destination, options))
	if options.TargetTime != "" {
		write("recovery_target_time", options.TargetTime)
	}
	if options.TargetXID != "" {
		write("recovery_target_xid", options.TargetXID)
	}
	if options.TargetName != "" {
		write("recovery_target_name", options.TargetName)
	}
	if options.TargetLSN != "" {
		write("recovery_target_lsn", options.TargetLSN)
	}
	if options.TargetImmediate {
		builder.WriteString("recovery_target = 'immediate'\n")
	}
	if options.Exclusive {
		builder.WriteString("recovery_target_inclusive = false\n")
	}
	if options.TargetTimeline != "" {
		write("recovery_target_timeline", options.TargetTimeline)
	}
	if options.TargetAction != "" && options.hasTarget() {
		write("recovery_target_action", string(options.TargetAction))
	}
	// the restored instance must never ship WALs anywhere
	builder.WriteString("archive_command = 'false'\n")

	signalFile := "recovery.signal"
	if options.StandbyMode {
		signalFile = "standby.signal"
	}

	if options.RemoteSSHCommand != "" {
		if err := planner.writeRemoteFile(ctx, options.RemoteSSHCommand,
			filepath.Join(destination, AutoConfFile), []byte(builder.String()), true); err != nil {
			return err
		}
		return planner.writeRemoteFile(ctx, options.RemoteSSHCommand,
			filepath.Join(destination, signalFile), nil, false)
	}

	autoConf := filepath.Join(destination, AutoConfFile)
	file, err := os.OpenFile(autoConf, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) // #nosec
	if err != nil {
		return err
	}
	if _, err := file.WriteString(builder.String()); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	_, err = fileutils.WriteStringToFile(filepath.Join(destination, signalFile), "")
	return err
}

// mangleDangerousSettings comments out, inside the restored
// configuration files, every parameter that would make the restored
// instance interfere with the live one
func (planner *Planner) mangleDangerousSettings(
	ctx context.Context,
	destination string,
	options *Options,
) error {
	if options.RemoteSSHCommand != "" {
		var expressions []string
		for _, setting := range dangerousSettings {
			expressions = append(expressions,
				fmt.Sprintf("-e 's/^[[:space:]]*%s[[:space:]]*=/#BARMAN#&/'", setting))
		}
		script := fmt.Sprintf("[ -f %q ] && sed -i %s %q; true",
			filepath.Join(destination, "postgresql.conf"),
			strings.Join(expressions, " "),
			filepath.Join(destination, "postgresql.conf"))
		return planner.runRemote(ctx, options.RemoteSSHCommand, script)
	}

	for _, name := range []string{"postgresql.conf"} {
		path := filepath.Join(destination, name)
		content, err := os.ReadFile(path) // #nosec
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		lines := strings.Split(string(content), "\n")
		changed := false
		for idx, line := range lines {
			trimmed := strings.TrimSpace(line)
			for _, setting := range dangerousSettings {
				if strings.HasPrefix(trimmed, setting) &&
					strings.Contains(trimmed, "=") {
					lines[idx] = "#BARMAN# " + line
					changed = true
					break
				}
			}
		}
		if !changed {
			continue
		}
		if _, err := fileutils.WriteFileAtomic(path,
			[]byte(strings.Join(lines, "\n")), 0o600); err != nil {
			return err
		}
		log.FromContext(ctx).Debug("Mangled dangerous settings", "file", name)
	}
	return nil
}

// validateSnapshotDisks verifies that the disks attached to the
// destination host really descend from the backup's snapshots, by
// asking the provider to verify each one
func (planner *Planner) validateSnapshotDisks(
	ctx context.Context,
	info *catalog.BackupInfo,
	destination string,
	options *Options,
) error {
	metadataPath := filepath.Join(
		planner.store.BackupDirectory(info.BackupID), backup.SnapshotMetadataFile)
	content, err := os.ReadFile(metadataPath) // #nosec
	if err != nil {
		return fmt.Errorf("backup %s has no snapshot metadata: %w", info.BackupID, err)
	}

	var metadata backup.SnapshotMetadata
	if err := json.Unmarshal(content, &metadata); err != nil {
		return &errs.CatalogError{Path: metadataPath, Detail: err.Error()}
	}

	for _, snapshot := range metadata.Snapshots {
		cmd := exec.CommandContext(ctx, metadata.Provider, // #nosec
			"verify", snapshot.Disk, snapshot.SnapshotID)
		if err := execlog.RunStreaming(cmd, "snapshot-provider"); err != nil {
			return fmt.Errorf("disk %s does not match snapshot %s: %w",
				snapshot.Disk, snapshot.SnapshotID, err)
		}
	}
	return nil
}
