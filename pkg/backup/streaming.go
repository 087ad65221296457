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
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/EnterpriseDB/barman/pkg/capabilities"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
)

// BackupManifestFile is the manifest pg_basebackup produces, needed
// by block-level incremental chains
const BackupManifestFile = "backup_manifest"

// streamingEngine drives pg_basebackup. Parallelism is whatever
// pg_basebackup supports; Barman does not fan out its own workers.
type streamingEngine struct{}

func (engine *streamingEngine) Copy(ctx context.Context, req *copyRequest) error {
	server := req.server
	current := capabilities.CurrentCapabilities()

	backupDir := req.store.BackupDirectory(req.info.BackupID)

	compressed := server.Compression != ""
	target := req.store.BackupDataDirectory(req.info.BackupID)
	format := "plain"
	if compressed {
		// compressed mode keeps per-tablespace tar files in the
		// backup directory
		target = backupDir
		format = "tar"
	}
	if err := fileutils.EnsureDirectoryExists(target); err != nil {
		return err
	}

	checkpoint := "spread"
	if req.options.ImmediateCheckpoint || server.ImmediateCheckpoint {
		checkpoint = "fast"
	}

	args := []string{
		"--pgdata", target,
		"--format", format,
		"--checkpoint", checkpoint,
		"--wal-method", "none",
		"--no-password",
		"--dbname", server.StreamingConninfo,
		"--label", fmt.Sprintf("Barman backup %s %s", server.Name, req.info.BackupID),
	}

	if compressed {
		compressionSpec := server.Compression
		if current.HasServerCompression {
			compressionSpec = "server-" + server.Compression
		}
		args = append(args, "--compress", compressionSpec)
	}

	if req.parent != nil {
		if !current.HasBlockIncremental {
			return &errs.UnsupportedOperationError{
				Op:     "block-level incremental backup",
				Reason: "the installed pg_basebackup does not support --incremental",
			}
		}
		parentManifest := filepath.Join(
			req.store.BackupDataDirectory(req.parent.BackupID), BackupManifestFile)
		if exists, err := fileutils.FileExists(parentManifest); err != nil || !exists {
			return fmt.Errorf("parent backup %s has no %s", req.parent.BackupID, BackupManifestFile)
		}
		args = append(args, "--incremental", parentManifest)
	}

	cmd := exec.CommandContext(ctx, "pg_basebackup", args...) // #nosec
	if err := execlog.RunStreaming(cmd, "pg_basebackup"); err != nil {
		return &errs.ConnectionError{Op: "pg_basebackup", Err: err}
	}
	return nil
}
