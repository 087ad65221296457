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

// Package barman contains the common behaviors of the barman
// subcommands
package barman

import (
	"os"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"
)

// ConfigPathEnv overrides the configuration file location
const ConfigPathEnv = "BARMAN_CONFIG_FILE"

// DefaultConfigPath is where the configuration lives unless
// overridden
const DefaultConfigPath = "/etc/barman.conf"

// configuration is the loaded installation state, shared by every
// subcommand of one invocation
var configuration *config.Configuration

// configPath is bound to the root --config flag
var configPath string

// ConfigPathVar exposes the flag target for the root command
func ConfigPathVar() *string {
	return &configPath
}

// LoadConfiguration parses the configuration file once per invocation
func LoadConfiguration() error {
	path := configPath
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	configuration = loaded
	return nil
}

// Configuration returns the loaded installation state
func Configuration() *config.Configuration {
	return configuration
}

// StoreFor resolves a server name to its catalog store
func StoreFor(serverName string) (*catalog.Store, error) {
	server, err := configuration.Server(serverName)
	if err != nil {
		return nil, err
	}
	return catalog.NewStore(server), nil
}

// ServerNames expands the reserved name "all" to every configured
// server
func ServerNames(argument string) []string {
	if argument == "all" {
		return configuration.ServerNames()
	}
	return []string{argument}
}
