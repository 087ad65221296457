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

// Package diagnose implement the diagnose command
package diagnose

import (
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/catalog"
)

// report is the complete installation dump
type report struct {
	BarmanHome string                  `json:"barman_home"`
	Warnings   []string                `json:"configuration_warnings,omitempty"`
	Servers    map[string]serverReport `json:"servers"`
}

type serverReport struct {
	Description  string                `json:"description,omitempty"`
	BackupMethod string                `json:"backup_method"`
	ActiveModel  string                `json:"active_model,omitempty"`
	Backups      []*catalog.BackupInfo `json:"backups"`
	ArchivedWALs int                   `json:"archived_wals"`
}

// NewCmd creates the diagnose command
func NewCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "diagnose",
		Short:         "Dump the whole installation state as JSON",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configuration := barman.Configuration()

			result := report{
				BarmanHome: configuration.BarmanHome,
				Warnings:   configuration.Warnings,
				Servers:    make(map[string]serverReport),
			}
			for _, name := range configuration.ServerNames() {
				server, err := configuration.Server(name)
				if err != nil {
					return err
				}
				store := catalog.NewStore(server)
				backups, _ := store.ListBackups(catalog.BackupFilter{})
				entries, _ := store.ReadXLogDB()
				result.Servers[name] = serverReport{
					Description:  server.Description,
					BackupMethod: string(server.BackupMethod),
					ActiveModel:  server.ActiveModel,
					Backups:      backups,
					ArchivedWALs: len(entries),
				}
			}
			return barman.Print(result, barman.OutputFormatJSON)
		},
	}
	return &cmd
}
