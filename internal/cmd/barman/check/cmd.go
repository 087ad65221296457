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

// Package check implement the check command
package check

import (
	"fmt"
	"strings"

	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/check"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// NewCmd creates the check command
func NewCmd() *cobra.Command {
	var format string
	var nagios bool

	cmd := cobra.Command{
		Use:           "check <server>",
		Short:         "Run the diagnostic predicates against the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("check")
			ctx := log.IntoContext(cmd.Context(), contextLog)
			configuration := barman.Configuration()

			failed := false
			allResults := make(map[string][]check.Result)
			for _, name := range barman.ServerNames(args[0]) {
				store, err := barman.StoreFor(name)
				if err != nil {
					return err
				}
				checker := check.NewChecker(store, configuration.LockDirectory,
					configuration.Warnings)
				results := checker.Run(ctx)
				allResults[name] = results
				if check.HasFailures(results) {
					failed = true
				}
			}

			switch {
			case nagios:
				printNagios(allResults, failed)
			case format == string(barman.OutputFormatText):
				printHuman(allResults)
			case format == "prometheus":
				printPrometheus(allResults)
			default:
				if err := barman.Print(allResults, barman.OutputFormat(format)); err != nil {
					return err
				}
			}

			if failed {
				return fmt.Errorf("check failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(barman.OutputFormatText),
		"output format, one of text, json, yaml, prometheus")
	cmd.Flags().BoolVar(&nagios, "nagios", false, "Nagios plugin compatible output")

	return &cmd
}

func printHuman(allResults map[string][]check.Result) {
	for name, results := range allResults {
		fmt.Printf("Server %s:\n", name)
		for _, result := range results {
			var status aurora.Value
			switch result.Status {
			case check.StatusOK:
				status = aurora.Green("OK")
			case check.StatusWarning:
				status = aurora.Yellow("WARNING")
			default:
				status = aurora.Red("FAILED")
			}
			line := fmt.Sprintf("\t%s: %s", result.Name, status)
			if result.Hint != "" {
				line += fmt.Sprintf(" (%s)", result.Hint)
			}
			fmt.Println(line)
		}
	}
}

func printNagios(allResults map[string][]check.Result, failed bool) {
	var failures []string
	servers := 0
	for name, results := range allResults {
		servers++
		for _, result := range results {
			if result.Status == check.StatusFailed {
				failures = append(failures, fmt.Sprintf("%s.%s", name, result.Name))
			}
		}
	}

	if !failed {
		fmt.Printf("BARMAN OK - Ready to serve the Espresso backup (%d servers checked)\n", servers)
		return
	}
	fmt.Printf("BARMAN CRITICAL - %d failures: %s\n",
		len(failures), strings.Join(failures, ", "))
}

// printPrometheus renders the results in the textfile-collector
// exposition format
func printPrometheus(allResults map[string][]check.Result) {
	fmt.Println("# HELP barman_check_status Outcome of a check predicate (0 OK, 1 WARNING, 2 FAILED)")
	fmt.Println("# TYPE barman_check_status gauge")
	for name, results := range allResults {
		for _, result := range results {
			value := 0
			switch result.Status {
			case check.StatusWarning:
				value = 1
			case check.StatusFailed:
				value = 2
			}
			fmt.Printf("barman_check_status{server=%q,check=%q} %d\n",
				name, result.Name, value)
		}
	}
}
