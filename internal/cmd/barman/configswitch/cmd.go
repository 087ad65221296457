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

// Package configswitch implement the config-switch command
package configswitch

import (
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// NewCmd creates the config-switch command
func NewCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "config-switch <server> <model>",
		Short:         "Apply a configuration model to a server, or \"none\" to reset",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("config-switch")

			if err := barman.Configuration().SwitchModel(args[0], args[1]); err != nil {
				return err
			}
			contextLog.Info("Configuration model switched",
				"server", args[0], "model", args[1])
			return nil
		},
	}
	return &cmd
}
