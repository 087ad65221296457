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

// Package status implement the status command
package status

import (
	"fmt"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/archiver"
	"github.com/EnterpriseDB/barman/pkg/catalog"
)

// serverStatus is the machine-readable status of one server
type serverStatus struct {
	Name          string `json:"name" yaml:"name"`
	Backups       int    `json:"backups" yaml:"backups"`
	FirstBackup   string `json:"first_backup,omitempty" yaml:"first_backup,omitempty"`
	LastBackup    string `json:"last_backup,omitempty" yaml:"last_backup,omitempty"`
	ArchivedWALs  int    `json:"archived_wals" yaml:"archived_wals"`
	LastWAL       string `json:"last_wal,omitempty" yaml:"last_wal,omitempty"`
	ReceiverAlive bool   `json:"receiver_alive" yaml:"receiver_alive"`
}

// NewCmd creates the status command
func NewCmd() *cobra.Command {
	var format string

	cmd := cobra.Command{
		Use:           "status <server>",
		Short:         "Show the status of the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range barman.ServerNames(args[0]) {
				store, err := barman.StoreFor(name)
				if err != nil {
					return err
				}

				status := serverStatus{Name: name}
				backups, _ := store.ListBackups(catalog.BackupFilter{
					Status: []catalog.BackupStatus{catalog.BackupDone},
				})
				status.Backups = len(backups)
				if len(backups) > 0 {
					status.FirstBackup = backups[0].BackupID
					status.LastBackup = backups[len(backups)-1].BackupID
				}

				entries, err := store.ReadXLogDB()
				if err != nil {
					return err
				}
				status.ArchivedWALs = len(entries)
				if len(entries) > 0 {
					status.LastWAL = entries[len(entries)-1].Name
				}

				receiver := archiver.NewReceiver(store, barman.Configuration().LockDirectory)
				status.ReceiverAlive = receiver.IsRunning()

				if format != string(barman.OutputFormatText) {
					if err := barman.Print(status, barman.OutputFormat(format)); err != nil {
						return err
					}
					continue
				}

				fmt.Printf("Server %s:\n", name)
				table := tabby.New()
				table.AddLine("  backups:", status.Backups)
				table.AddLine("  first backup:", status.FirstBackup)
				table.AddLine("  last backup:", status.LastBackup)
				table.AddLine("  archived WALs:", status.ArchivedWALs)
				table.AddLine("  last archived WAL:", status.LastWAL)
				table.AddLine("  streaming receiver alive:", status.ReceiverAlive)
				table.Print()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml")

	return &cmd
}
