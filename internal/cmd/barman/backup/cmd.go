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

// Package backup implement the backup command
package backup

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	backupPkg "github.com/EnterpriseDB/barman/pkg/backup"
	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// NewCmd creates the backup command
func NewCmd() *cobra.Command {
	var name string
	var incremental string
	var immediateCheckpoint bool
	var reuseBackup string
	var checksum bool
	var waitForWALs bool
	var waitTimeout int

	cmd := cobra.Command{
		Use:           "backup <server>",
		Short:         "Take a base backup of the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("backup")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			options := &backupPkg.Options{
				Name:                name,
				ParentID:            incremental,
				ImmediateCheckpoint: immediateCheckpoint,
				ReuseBackup:         config.ReuseBackupMode(reuseBackup),
				Checksum:            checksum,
				WaitForWALs:         waitForWALs,
				WaitTimeout:         time.Duration(waitTimeout) * time.Second,
			}

			for _, serverName := range barman.ServerNames(args[0]) {
				store, err := barman.StoreFor(serverName)
				if err != nil {
					return err
				}
				orchestrator := backupPkg.NewOrchestrator(store,
					barman.Configuration().LockDirectory)
				info, err := orchestrator.Run(ctx, options)
				if err != nil {
					return err
				}
				contextLog.Info("Backup finished",
					"server", serverName, "backupID", info.BackupID,
					"status", string(info.Status))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "a friendly name for this backup")
	cmd.Flags().StringVar(&incremental, "incremental", "",
		"take an incremental backup against this parent backup id")
	cmd.Flags().BoolVar(&immediateCheckpoint, "immediate-checkpoint", false,
		"request an immediate checkpoint instead of a spread one")
	cmd.Flags().StringVar(&reuseBackup, "reuse-backup", "",
		"file-level deduplication mode, one of off, copy, link")
	cmd.Flags().BoolVar(&checksum, "checksum", false,
		"ask the delta copy for a checksum pass instead of size-and-mtime")
	cmd.Flags().BoolVar(&waitForWALs, "wait", false,
		"wait for the required WAL files to be archived")
	cmd.Flags().IntVar(&waitTimeout, "wait-timeout", 0,
		"maximum seconds to wait for the required WAL files")

	return &cmd
}
