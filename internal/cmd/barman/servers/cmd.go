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

// Package servers implement the list-servers and show-servers commands
package servers

import (
	"fmt"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
)

// serverRow is the machine-readable description of one server
type serverRow struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Cluster     string `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	BackupMethod string `json:"backup_method" yaml:"backup_method"`
	ActiveModel string `json:"active_model,omitempty" yaml:"active_model,omitempty"`
}

// NewListCmd creates the list-servers command
func NewListCmd() *cobra.Command {
	var format string
	var minimal bool

	cmd := cobra.Command{
		Use:           "list-servers",
		Short:         "List the configured servers",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configuration := barman.Configuration()

			if minimal {
				for _, name := range configuration.ServerNames() {
					fmt.Println(name)
				}
				return nil
			}

			rows := make([]serverRow, 0, len(configuration.ServerNames()))
			for _, name := range configuration.ServerNames() {
				server, err := configuration.Server(name)
				if err != nil {
					return err
				}
				rows = append(rows, serverRow{
					Name:         name,
					Description:  server.Description,
					Cluster:      server.ClusterName,
					BackupMethod: string(server.BackupMethod),
					ActiveModel:  server.ActiveModel,
				})
			}

			if format != string(barman.OutputFormatText) {
				return barman.Print(rows, barman.OutputFormat(format))
			}

			table := tabby.New()
			table.AddHeader("SERVER", "DESCRIPTION", "METHOD", "MODEL")
			for _, row := range rows {
				table.AddLine(row.Name, row.Description, row.BackupMethod, row.ActiveModel)
			}
			table.Print()
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml")
	cmd.Flags().BoolVar(&minimal, "minimal", false, "machine-readable names only")

	return &cmd
}

// NewShowCmd creates the show-servers command
func NewShowCmd() *cobra.Command {
	var format string

	cmd := cobra.Command{
		Use:           "show-servers <server>",
		Short:         "Show the configuration of the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configuration := barman.Configuration()

			for _, name := range barman.ServerNames(args[0]) {
				server, err := configuration.Server(name)
				if err != nil {
					return err
				}

				if format != string(barman.OutputFormatText) {
					if err := barman.Print(server, barman.OutputFormat(format)); err != nil {
						return err
					}
					continue
				}

				fmt.Printf("Server %s:\n", name)
				table := tabby.New()
				table.AddLine("  description:", server.Description)
				table.AddLine("  cluster:", server.ClusterName)
				table.AddLine("  conninfo:", server.Conninfo)
				table.AddLine("  backup_method:", string(server.BackupMethod))
				table.AddLine("  archiver:", server.Archiver)
				table.AddLine("  streaming_archiver:", server.StreamingArchiver)
				table.AddLine("  slot_name:", server.SlotName)
				table.AddLine("  compression:", server.Compression)
				table.AddLine("  retention_policy:", server.RetentionPolicy)
				table.AddLine("  minimum_redundancy:", server.MinimumRedundancy)
				table.AddLine("  base_directory:", server.BaseDirectory())
				table.AddLine("  wals_directory:", server.WalsDirectory())
				table.Print()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml")

	return &cmd
}
