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

// Package recover implement the recover command
package recover

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/recovery"
)

// NewCmd creates the recover command
func NewCmd() *cobra.Command {
	var targetTime, targetXID, targetName, targetLSN, targetTLI string
	var targetImmediate, exclusive, standbyMode bool
	var targetAction string
	var tablespaceMappings []string
	var remoteSSHCommand string
	var getWAL, delta bool
	var localStagingPath string

	cmd := cobra.Command{
		Use:           "recover <server> <backup-id> <destination>",
		Short:         "Reconstruct a recoverable data directory from a backup",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("recover")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			mapping := make(map[string]string, len(tablespaceMappings))
			for _, pair := range tablespaceMappings {
				name, location, found := strings.Cut(pair, ":")
				if !found {
					return errs.Inputf("invalid tablespace mapping %q, use NAME:LOCATION", pair)
				}
				mapping[name] = location
			}

			options := &recovery.Options{
				TargetTime:        targetTime,
				TargetXID:         targetXID,
				TargetName:        targetName,
				TargetLSN:         targetLSN,
				TargetImmediate:   targetImmediate,
				TargetTimeline:    targetTLI,
				Exclusive:         exclusive,
				TargetAction:      recovery.TargetAction(targetAction),
				StandbyMode:       standbyMode,
				TablespaceMapping: mapping,
				RemoteSSHCommand:  remoteSSHCommand,
				GetWAL:            getWAL,
				Delta:             delta,
				LocalStagingPath:  localStagingPath,
			}

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			planner := recovery.NewPlanner(store, barman.Configuration().LockDirectory)
			return planner.Recover(ctx, args[1], args[2], options)
		},
	}

	cmd.Flags().StringVar(&targetTime, "target-time", "", "recover to this point in time")
	cmd.Flags().StringVar(&targetXID, "target-xid", "", "recover to this transaction id")
	cmd.Flags().StringVar(&targetName, "target-name", "", "recover to this named restore point")
	cmd.Flags().StringVar(&targetLSN, "target-lsn", "", "recover to this LSN")
	cmd.Flags().BoolVar(&targetImmediate, "target-immediate", false,
		"stop as soon as a consistent state is reached")
	cmd.Flags().StringVar(&targetTLI, "target-tli", "", "recover along this timeline")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "stop just before the recovery target")
	cmd.Flags().StringVar(&targetAction, "target-action", "",
		"action once the target is reached, one of pause, promote, shutdown")
	cmd.Flags().BoolVar(&standbyMode, "standby-mode", false,
		"prepare the destination as a standby")
	cmd.Flags().StringArrayVar(&tablespaceMappings, "tablespace", nil,
		"relocate a tablespace, as NAME:LOCATION")
	cmd.Flags().StringVar(&remoteSSHCommand, "remote-ssh-command", "",
		"recover onto a remote host through this ssh command")
	cmd.Flags().BoolVar(&getWAL, "get-wal", false,
		"fetch WALs from Barman on demand instead of copying them")
	cmd.Flags().BoolVar(&delta, "delta", false,
		"reuse a pre-existing destination directory, copying only changed files")
	cmd.Flags().StringVar(&localStagingPath, "local-staging-path", "",
		"staging directory for combining block-level incremental chains")

	return &cmd
}
