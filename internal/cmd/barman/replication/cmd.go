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

// Package replication implement the replication-status command
package replication

import (
	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// NewCmd creates the replication-status command
func NewCmd() *cobra.Command {
	var format string

	cmd := cobra.Command{
		Use:           "replication-status <server>",
		Short:         "Show the streaming clients attached to the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("replication-status")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			for _, name := range barman.ServerNames(args[0]) {
				server, err := barman.Configuration().Server(name)
				if err != nil {
					return err
				}

				conn, err := postgres.Connect(ctx, server.Conninfo)
				if err != nil {
					return err
				}
				clients, err := conn.ReplicationStatus(ctx)
				_ = conn.Close()
				if err != nil {
					return err
				}

				if format != string(barman.OutputFormatText) {
					if err := barman.Print(clients, barman.OutputFormat(format)); err != nil {
						return err
					}
					continue
				}

				table := tabby.New()
				table.AddHeader("APPLICATION", "CLIENT", "STATE", "SENT", "REPLAY", "SYNC")
				for _, client := range clients {
					table.AddLine(client.ApplicationName, client.ClientAddr, client.State,
						string(client.SentLSN), string(client.ReplayLSN), client.SyncState)
				}
				table.Print()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml")

	return &cmd
}
