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
	"encoding/json"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// SnapshotMetadataFile records the snapshots backing a snapshot
// backup; recovery validates the attached disks against it
const SnapshotMetadataFile = "snapshots.info"

// SnapshotMetadata is the persisted description of the disk snapshots
type SnapshotMetadata struct {
	Provider  string         `json:"provider"`
	Snapshots []DiskSnapshot `json:"snapshots"`
}

// DiskSnapshot describes the snapshot of one disk
type DiskSnapshot struct {
	Disk       string    `json:"disk"`
	SnapshotID string    `json:"snapshot_id"`
	TakenAt    time.Time `json:"taken_at"`
}

// snapshotEngine calls out to the configured provider command to
// snapshot each listed disk; only the backup label, manifest and
// metadata are stored in the catalog
type snapshotEngine struct{}

func (engine *snapshotEngine) Copy(ctx context.Context, req *copyRequest) error {
	server := req.server
	contextLog := log.FromContext(ctx)

	if server.SnapshotProvider == "" || len(server.SnapshotDisks) == 0 {
		return errs.Configurationf(
			"server %q uses backup_method=snapshot without snapshot_provider or snapshot_disks",
			server.Name)
	}

	metadata := SnapshotMetadata{Provider: server.SnapshotProvider}
	for _, disk := range server.SnapshotDisks {
		snapshotID := req.info.BackupID + "-" + disk

		cmd := exec.CommandContext(ctx, // #nosec
			server.SnapshotProvider, "create", disk, snapshotID)
		if err := execlog.RunStreaming(cmd, "snapshot-provider"); err != nil {
			return &errs.ConnectionError{Op: "snapshot of " + disk, Err: err}
		}

		contextLog.Info("Disk snapshot taken", "disk", disk, "snapshotID", snapshotID)
		metadata.Snapshots = append(metadata.Snapshots, DiskSnapshot{
			Disk:       disk,
			SnapshotID: snapshotID,
			TakenAt:    time.Now(),
		})
	}

	content, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	_, err = fileutils.WriteFileAtomic(
		filepath.Join(req.store.BackupDirectory(req.info.BackupID), SnapshotMetadataFile),
		content, 0o600)
	return err
}
