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

// Package backups implement the catalog inspection and maintenance
// commands: list-backups, show-backup, delete, keep, list-files,
// verify-backup and generate-manifest
package backups

import (
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	backupPkg "github.com/EnterpriseDB/barman/pkg/backup"
	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/hook"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// NewListCmd creates the list-backups command
func NewListCmd() *cobra.Command {
	var format string
	var minimal bool

	cmd := cobra.Command{
		Use:           "list-backups <server>",
		Short:         "List the backups of the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range barman.ServerNames(args[0]) {
				store, err := barman.StoreFor(name)
				if err != nil {
					return err
				}
				backups, problems := store.ListBackups(catalog.BackupFilter{})
				for _, problem := range problems {
					log.Warning("Skipping unreadable backup metadata", "error", problem.Error())
				}

				if minimal {
					for _, info := range backups {
						fmt.Println(info.BackupID)
					}
					continue
				}
				if format != string(barman.OutputFormatText) {
					if err := barman.Print(backups, barman.OutputFormat(format)); err != nil {
						return err
					}
					continue
				}

				table := tabby.New()
				table.AddHeader("SERVER", "ID", "STATUS", "TYPE", "END TIME", "SIZE", "KEEP")
				for _, info := range backups {
					endTime := ""
					if !info.EndTime.IsZero() {
						endTime = info.EndTime.Format("2006-01-02 15:04:05")
					}
					table.AddLine(name, info.BackupID, string(info.Status), string(info.Type),
						endTime, formatSize(info.Size), string(info.Keep))
				}
				table.Print()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml")
	cmd.Flags().BoolVar(&minimal, "minimal", false, "machine-readable ids only")

	return &cmd
}

// NewShowCmd creates the show-backup command
func NewShowCmd() *cobra.Command {
	var format string

	cmd := cobra.Command{
		Use:           "show-backup <server> <backup-id>",
		Short:         "Show the metadata of a backup",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			backupID, err := store.ResolveBackupID(args[1])
			if err != nil {
				return err
			}
			info, err := store.ReadBackupInfo(backupID)
			if err != nil {
				return err
			}

			if format != string(barman.OutputFormatText) {
				return barman.Print(info, barman.OutputFormat(format))
			}

			fmt.Printf("Backup %s:\n", info.BackupID)
			table := tabby.New()
			table.AddLine("  server:", info.ServerName)
			table.AddLine("  status:", string(info.Status))
			table.AddLine("  type:", string(info.Type))
			table.AddLine("  mode:", info.Mode)
			if info.ParentBackupID != "" {
				table.AddLine("  parent:", info.ParentBackupID)
			}
			table.AddLine("  begin time:", info.BeginTime)
			table.AddLine("  end time:", info.EndTime)
			table.AddLine("  begin LSN:", string(info.BeginLSN))
			table.AddLine("  end LSN:", string(info.EndLSN))
			table.AddLine("  begin WAL:", info.BeginWAL)
			table.AddLine("  end WAL:", info.EndWAL)
			table.AddLine("  timeline:", info.Timeline)
			table.AddLine("  size:", formatSize(info.Size))
			table.AddLine("  deduplicated size:", formatSize(info.DeduplicatedSize))
			if info.Keep != catalog.KeepNone {
				table.AddLine("  keep:", string(info.Keep))
			}
			for _, tbs := range info.Tablespaces {
				table.AddLine("  tablespace:", fmt.Sprintf("%s (oid %d) %s",
					tbs.Name, tbs.OID, tbs.Location))
			}
			table.Print()
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml")

	return &cmd
}

// NewDeleteCmd creates the delete command
func NewDeleteCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "delete <server> <backup-id>",
		Short:         "Delete a backup",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("delete")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			backupID, err := store.ResolveBackupID(args[1])
			if err != nil {
				return err
			}
			info, err := store.ReadBackupInfo(backupID)
			if err != nil {
				return err
			}
			if info.Keep != catalog.KeepNone {
				return &errs.RetentionViolationError{
					BackupID: backupID,
					Reason:   "the backup carries a KEEP annotation, release it first",
				}
			}

			dispatcher := hook.NewDispatcher(store.Server())
			env := hook.BackupEnv(backupID, store.BackupDirectory(backupID),
				string(info.Status), "", "")
			if err := dispatcher.Fire(ctx, hook.PhasePre, hook.EventDelete, env); err != nil {
				return err
			}
			if err := store.DeleteBackup(backupID); err != nil {
				_ = dispatcher.Fire(ctx, hook.PhasePost, hook.EventDelete,
					env.ErrorEnv(err.Error()))
				return err
			}
			contextLog.Info("Backup deleted", "server", args[0], "backupID", backupID)
			return dispatcher.Fire(ctx, hook.PhasePost, hook.EventDelete, env)
		},
	}
	return &cmd
}

// NewKeepCmd creates the keep command
func NewKeepCmd() *cobra.Command {
	var target string
	var status bool
	var release bool

	cmd := cobra.Command{
		Use:           "keep <server> <backup-id>",
		Short:         "Pin or release a backup against retention",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			backupID, err := store.ResolveBackupID(args[1])
			if err != nil {
				return err
			}
			info, err := store.ReadBackupInfo(backupID)
			if err != nil {
				return err
			}

			switch {
			case status:
				if info.Keep == catalog.KeepNone {
					fmt.Println("nokeep")
				} else {
					fmt.Println(string(info.Keep))
				}
				return nil
			case release:
				info.Keep = catalog.KeepNone
			default:
				if info.Status != catalog.BackupDone {
					return fmt.Errorf("only DONE backups can be pinned, %s is %s",
						backupID, info.Status)
				}
				switch target {
				case "full":
					info.Keep = catalog.KeepFull
				case "standalone":
					info.Keep = catalog.KeepStandalone
				default:
					return errs.Inputf("invalid keep target %q, use full or standalone", target)
				}
			}
			return store.WriteBackupInfo(info)
		},
	}
	cmd.Flags().StringVar(&target, "target", "full",
		"recovery target of the pin, one of full, standalone")
	cmd.Flags().BoolVar(&status, "status", false, "print the current pin status")
	cmd.Flags().BoolVar(&release, "release", false, "release the pin")

	return &cmd
}

// NewListFilesCmd creates the list-files command
func NewListFilesCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "list-files <server> <backup-id>",
		Short:         "List the files a backup depends on",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			backupID, err := store.ResolveBackupID(args[1])
			if err != nil {
				return err
			}
			info, err := store.ReadBackupInfo(backupID)
			if err != nil {
				return err
			}

			if err := filepath.WalkDir(store.BackupDirectory(backupID),
				func(path string, entry fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if !entry.IsDir() {
						fmt.Println(path)
					}
					return nil
				}); err != nil {
				return err
			}

			// the WAL range needed to make the backup consistent
			begin, err := postgres.SegmentFromName(info.BeginWAL)
			if err != nil {
				return err
			}
			end, err := postgres.SegmentFromName(info.EndWAL)
			if err != nil {
				return err
			}
			segments, err := postgres.SegmentRange(begin, end)
			if err != nil {
				return err
			}
			for _, segment := range segments {
				entry, err := store.FindArchivedWAL(segment.Name())
				if err != nil {
					return err
				}
				if entry != nil {
					fmt.Println(store.WALArchivePath(*entry))
				}
			}
			return nil
		},
	}
	return &cmd
}

// NewVerifyCmd creates the verify-backup command
func NewVerifyCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "verify-backup <server> <backup-id>",
		Short:         "Verify a backup against its manifest",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("verify-backup")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			backupID, err := store.ResolveBackupID(args[1])
			if err != nil {
				return err
			}

			verify := exec.CommandContext(ctx, "pg_verifybackup", // #nosec
				"--no-parse-wal", store.BackupDataDirectory(backupID))
			if err := execlog.RunStreaming(verify, "pg_verifybackup"); err != nil {
				return fmt.Errorf("backup %s failed verification: %w", backupID, err)
			}
			contextLog.Info("Backup verified", "server", args[0], "backupID", backupID)
			return nil
		},
	}
	return &cmd
}

// NewGenerateManifestCmd creates the generate-manifest command
func NewGenerateManifestCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "generate-manifest <server> <backup-id>",
		Short:         "Generate a backup_manifest for a delta-copy backup",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			backupID, err := store.ResolveBackupID(args[1])
			if err != nil {
				return err
			}
			return backupPkg.GenerateManifest(store.BackupDataDirectory(backupID))
		},
	}
	return &cmd
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
