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

/*
The barman command is the disaster-recovery manager for PostgreSQL
clusters: it maintains per-server catalogs of base backups and WAL
archives, enforces retention, and drives recovery.
*/
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	backupCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/backup"
	"github.com/EnterpriseDB/barman/internal/cmd/barman/backups"
	checkCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/check"
	"github.com/EnterpriseDB/barman/internal/cmd/barman/configswitch"
	cronCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/cron"
	"github.com/EnterpriseDB/barman/internal/cmd/barman/diagnose"
	recoverCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/recover"
	"github.com/EnterpriseDB/barman/internal/cmd/barman/replication"
	"github.com/EnterpriseDB/barman/internal/cmd/barman/servers"
	statusCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/status"
	syncCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/sync"
	walCmd "github.com/EnterpriseDB/barman/internal/cmd/barman/wal"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

func main() {
	logFlags := &log.Flags{}

	cmd := &cobra.Command{
		Use:          "barman [cmd]",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logFlags.ConfigureLogging()
			return barman.LoadConfiguration()
		},
	}

	logFlags.AddFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringVarP(barman.ConfigPathVar(), "config", "c", "",
		"configuration file to use, defaults to "+barman.DefaultConfigPath)

	cmd.AddCommand(servers.NewListCmd())
	cmd.AddCommand(servers.NewShowCmd())
	cmd.AddCommand(statusCmd.NewCmd())
	cmd.AddCommand(checkCmd.NewCmd())
	cmd.AddCommand(diagnose.NewCmd())
	cmd.AddCommand(backups.NewListCmd())
	cmd.AddCommand(backups.NewShowCmd())
	cmd.AddCommand(backups.NewDeleteCmd())
	cmd.AddCommand(backups.NewKeepCmd())
	cmd.AddCommand(backups.NewListFilesCmd())
	cmd.AddCommand(backups.NewVerifyCmd())
	cmd.AddCommand(backups.NewGenerateManifestCmd())
	cmd.AddCommand(backupCmd.NewCmd())
	cmd.AddCommand(recoverCmd.NewCmd())
	cmd.AddCommand(walCmd.NewSwitchCmd())
	cmd.AddCommand(walCmd.NewArchiveCmd())
	cmd.AddCommand(walCmd.NewReceiveCmd())
	cmd.AddCommand(walCmd.NewRebuildCmd())
	cmd.AddCommand(walCmd.NewGetCmd())
	cmd.AddCommand(walCmd.NewPutCmd())
	cmd.AddCommand(replication.NewCmd())
	cmd.AddCommand(cronCmd.NewCmd())
	cmd.AddCommand(syncCmd.NewInfoCmd())
	cmd.AddCommand(syncCmd.NewBackupCmd())
	cmd.AddCommand(syncCmd.NewWALsCmd())
	cmd.AddCommand(configswitch.NewCmd())

	if err := cmd.Execute(); err != nil {
		log.Error(err, "command failed")
		os.Exit(errs.ExitCode(err))
	}
}
