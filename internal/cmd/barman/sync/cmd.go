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

// Package sync implement the passive-node primitives: sync-info,
// sync-backup and sync-wals. A passive node reuses the same catalog
// and ingestion layer against a remote Barman rather than a
// PostgreSQL server.
package sync

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// info is the state a primary node exposes to its passive replicas
type info struct {
	Server       string                `json:"server"`
	Backups      []*catalog.BackupInfo `json:"backups"`
	LastWAL      string                `json:"last_wal,omitempty"`
	ArchivedWALs int                   `json:"archived_wals"`
}

// NewInfoCmd creates the sync-info command
func NewInfoCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "sync-info <server>",
		Short:         "Expose the catalog state for a passive node",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}

			backups, _ := store.ListBackups(catalog.BackupFilter{
				Status: []catalog.BackupStatus{catalog.BackupDone},
			})
			entries, err := store.ReadXLogDB()
			if err != nil {
				return err
			}

			result := info{
				Server:       args[0],
				Backups:      backups,
				ArchivedWALs: len(entries),
			}
			if len(entries) > 0 {
				result.LastWAL = entries[len(entries)-1].Name
			}
			return barman.Print(result, barman.OutputFormatJSON)
		},
	}
	return &cmd
}

// NewBackupCmd creates the sync-backup command
func NewBackupCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "sync-backup <server> <backup-id>",
		Short:         "Copy a backup from the upstream Barman of a passive node",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("sync-backup")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			server := store.Server()
			if server.PrimarySSHCommand == "" {
				return errs.Configurationf(
					"server %q is not a passive node: primary_ssh_command is not set", args[0])
			}
			backupID := args[1]

			locksDir := barman.Configuration().LockDirectory
			serverLock, err := lock.TryAcquire(locksDir, args[0], lock.ScopeServer)
			if err != nil {
				return err
			}
			defer func() {
				_ = serverLock.Release()
			}()

			if err := store.EnsureLayout(); err != nil {
				return err
			}

			// a SYNCING placeholder makes the transfer visible in the
			// catalog and protects it from concurrent deletion
			placeholder := &catalog.BackupInfo{
				BackupID:   backupID,
				ServerName: args[0],
				Status:     catalog.BackupSyncing,
			}
			if err := store.CreateBackupDir(backupID); err != nil {
				return err
			}
			if err := store.WriteBackupInfo(placeholder); err != nil {
				return err
			}

			if err := pullFromPrimary(ctx, server,
				server.BackupsDirectory()+"/"+backupID+"/",
				store.BackupDirectory(backupID)); err != nil {
				return err
			}

			// the synced backup.info carries the final DONE state
			synced, err := store.ReadBackupInfo(backupID)
			if err != nil {
				return err
			}
			contextLog.Info("Backup synced from the upstream Barman",
				"server", args[0], "backupID", backupID, "status", string(synced.Status))
			return nil
		},
	}
	return &cmd
}

// NewWALsCmd creates the sync-wals command
func NewWALsCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "sync-wals <server>",
		Short:         "Copy the WAL archive from the upstream Barman of a passive node",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("sync-wals")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			server := store.Server()
			if server.PrimarySSHCommand == "" {
				return errs.Configurationf(
					"server %q is not a passive node: primary_ssh_command is not set", args[0])
			}

			locksDir := barman.Configuration().LockDirectory
			archiveLock, err := lock.TryAcquire(locksDir, args[0], lock.ScopeArchive)
			if err != nil {
				return err
			}
			defer func() {
				_ = archiveLock.Release()
			}()

			if err := store.EnsureLayout(); err != nil {
				return err
			}
			if err := pullFromPrimary(ctx, server,
				server.WalsDirectory()+"/", server.WalsDirectory()); err != nil {
				return err
			}

			// the upstream xlog.db was copied too, but the local scan
			// is authoritative
			count, err := store.RebuildXLogDB()
			if err != nil {
				return err
			}
			contextLog.Info("WAL archive synced from the upstream Barman",
				"server", args[0], "entries", count)
			return nil
		},
	}
	return &cmd
}

// pullFromPrimary rsyncs a path from the upstream Barman host,
// assuming the same catalog layout on both sides
func pullFromPrimary(
	ctx context.Context,
	server *config.ServerConfig,
	remotePath, localPath string,
) error {
	tokens, err := shlex.Split(server.PrimarySSHCommand)
	if err != nil || len(tokens) == 0 {
		return errs.Configurationf("cannot parse primary_ssh_command %q",
			server.PrimarySSHCommand)
	}

	hostIndex := -1
	for idx := len(tokens) - 1; idx > 0; idx-- {
		if tokens[idx][0] != '-' {
			hostIndex = idx
			break
		}
	}
	if hostIndex < 0 {
		return errs.Configurationf("primary_ssh_command %q does not name a host",
			server.PrimarySSHCommand)
	}
	host := tokens[hostIndex]
	transport := ""
	for idx, token := range tokens {
		if idx == hostIndex {
			continue
		}
		if transport != "" {
			transport += " "
		}
		transport += token
	}

	args := []string{"-rpts", "-e", transport, fmt.Sprintf("%s:%s", host, remotePath), localPath}
	command := exec.CommandContext(ctx, "rsync", args...) // #nosec
	if err := execlog.RunStreaming(command, "rsync"); err != nil {
		return &errs.ConnectionError{Op: "sync from the upstream Barman", Err: err}
	}
	return nil
}
