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

package barman

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OutputFormat represent the output format supported by the
// list-type commands
type OutputFormat string

const (
	// OutputFormatText means just use a human-readable output
	OutputFormatText OutputFormat = "text"

	// OutputFormatJSON means use machine-readable JSON output
	OutputFormatJSON OutputFormat = "json"

	// OutputFormatYAML means use machine-readable YAML output
	OutputFormatYAML OutputFormat = "yaml"
)

// Print output an object via an user-defined format
func Print(value interface{}, format OutputFormat) error {
	switch format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(os.Stdout)
		defer func() {
			_ = encoder.Close()
		}()
		return encoder.Encode(value)
	case OutputFormatText:
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}
