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

package config

// Scope tells where an option may appear
type Scope int

// Option scopes
const (
	// ScopeGlobal is for options legal only in the [barman] section
	ScopeGlobal Scope = iota
	// ScopeServer is for options legal only in a server section
	ScopeServer
	// ScopeGlobalServer is for options legal in both
	ScopeGlobalServer
)

// Kind is the type of an option value
type Kind int

// Option kinds
const (
	KindString Kind = iota
	KindInt
	KindBool
	KindEnum
	KindDuration
)

// OptionDescriptor describes one configuration option: its name,
// scope, type and default. Options not described here are recorded as
// warnings, never parsed.
type OptionDescriptor struct {
	Name    string
	Scope   Scope
	Kind    Kind
	Default string
	Enum    []string
}

// knownOptions is the closed set of options Barman understands
var knownOptions = []OptionDescriptor{
	{Name: "barman_home", Scope: ScopeGlobal, Kind: KindString, Default: "/var/lib/barman"},
	{Name: "barman_lock_directory", Scope: ScopeGlobal, Kind: KindString},
	{Name: "barman_user", Scope: ScopeGlobal, Kind: KindString, Default: "barman"},
	{Name: "configuration_files_directory", Scope: ScopeGlobal, Kind: KindString},
	{Name: "log_file", Scope: ScopeGlobal, Kind: KindString},
	{Name: "log_level", Scope: ScopeGlobal, Kind: KindEnum, Default: "info",
		Enum: []string{"error", "warning", "info", "debug", "trace"}},

	{Name: "description", Scope: ScopeServer, Kind: KindString},
	{Name: "cluster", Scope: ScopeServer, Kind: KindString},
	{Name: "model", Scope: ScopeServer, Kind: KindBool, Default: "off"},
	{Name: "conninfo", Scope: ScopeServer, Kind: KindString},
	{Name: "primary_conninfo", Scope: ScopeServer, Kind: KindString},
	{Name: "streaming_conninfo", Scope: ScopeServer, Kind: KindString},
	{Name: "ssh_command", Scope: ScopeServer, Kind: KindString},

	{Name: "backup_method", Scope: ScopeGlobalServer, Kind: KindEnum, Default: "rsync",
		Enum: []string{"rsync", "postgres", "local-rsync", "snapshot"}},
	{Name: "backup_options", Scope: ScopeGlobalServer, Kind: KindEnum, Default: "concurrent_backup",
		Enum: []string{"concurrent_backup", "exclusive_backup"}},
	{Name: "reuse_backup", Scope: ScopeGlobalServer, Kind: KindEnum, Default: "off",
		Enum: []string{"off", "copy", "link"}},
	{Name: "immediate_checkpoint", Scope: ScopeGlobalServer, Kind: KindBool, Default: "off"},
	{Name: "parallel_jobs", Scope: ScopeGlobalServer, Kind: KindInt, Default: "1"},
	{Name: "parallel_jobs_start_batch_size", Scope: ScopeGlobalServer, Kind: KindInt, Default: "10"},
	{Name: "parallel_jobs_start_batch_period", Scope: ScopeGlobalServer, Kind: KindInt, Default: "1"},
	{Name: "bandwidth_limit", Scope: ScopeGlobalServer, Kind: KindInt, Default: "0"},
	{Name: "basebackup_retry_times", Scope: ScopeGlobalServer, Kind: KindInt, Default: "0"},
	{Name: "basebackup_retry_sleep", Scope: ScopeGlobalServer, Kind: KindInt, Default: "30"},
	{Name: "keepalive_interval", Scope: ScopeGlobalServer, Kind: KindInt, Default: "60"},

	{Name: "archiver", Scope: ScopeGlobalServer, Kind: KindBool, Default: "off"},
	{Name: "streaming_archiver", Scope: ScopeGlobalServer, Kind: KindBool, Default: "off"},
	{Name: "streaming_archiver_name", Scope: ScopeGlobalServer, Kind: KindString, Default: "barman_receive_wal"},
	{Name: "slot_name", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "create_slot", Scope: ScopeGlobalServer, Kind: KindEnum, Default: "manual",
		Enum: []string{"auto", "manual"}},
	{Name: "compression", Scope: ScopeGlobalServer, Kind: KindEnum,
		Enum: []string{"gzip", "pigz", "bzip2", "lz4", "zstd", "xz"}},

	{Name: "retention_policy", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "retention_policy_mode", Scope: ScopeGlobalServer, Kind: KindEnum, Default: "auto",
		Enum: []string{"auto", "manual"}},
	{Name: "minimum_redundancy", Scope: ScopeGlobalServer, Kind: KindInt, Default: "0"},
	{Name: "last_backup_maximum_age", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "last_wal_maximum_age", Scope: ScopeGlobalServer, Kind: KindString},

	{Name: "archive_timeout", Scope: ScopeGlobalServer, Kind: KindInt, Default: "60"},
	{Name: "check_timeout", Scope: ScopeGlobalServer, Kind: KindInt, Default: "30"},
	{Name: "wait_for_wals_timeout", Scope: ScopeGlobalServer, Kind: KindInt, Default: "0"},

	{Name: "basebackups_directory", Scope: ScopeServer, Kind: KindString},
	{Name: "wals_directory", Scope: ScopeServer, Kind: KindString},
	{Name: "incoming_wals_directory", Scope: ScopeServer, Kind: KindString},
	{Name: "streaming_wals_directory", Scope: ScopeServer, Kind: KindString},
	{Name: "errors_directory", Scope: ScopeServer, Kind: KindString},

	{Name: "local_staging_path", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "recovery_staging_path", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "recovery_options", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "snapshot_provider", Scope: ScopeGlobalServer, Kind: KindString},
	{Name: "snapshot_disks", Scope: ScopeServer, Kind: KindString},
	{Name: "primary_ssh_command", Scope: ScopeServer, Kind: KindString},
}

// hookEvents are the lifecycle events around which scripts can be
// configured. For each event both a standard and a retry script exist.
var hookEvents = []string{
	"backup", "delete", "archive", "wal_delete", "recovery",
}

func init() {
	for _, event := range hookEvents {
		for _, phase := range []string{"pre", "post"} {
			knownOptions = append(knownOptions,
				OptionDescriptor{
					Name:  phase + "_" + event + "_script",
					Scope: ScopeGlobalServer,
					Kind:  KindString,
				},
				OptionDescriptor{
					Name:  phase + "_" + event + "_retry_script",
					Scope: ScopeGlobalServer,
					Kind:  KindString,
				})
		}
	}
}

var optionsByName = map[string]OptionDescriptor{}

func init() {
	for _, descriptor := range knownOptions {
		optionsByName[descriptor.Name] = descriptor
	}
}

// LookupOption finds the descriptor of a named option
func LookupOption(name string) (OptionDescriptor, bool) {
	descriptor, ok := optionsByName[name]
	return descriptor, ok
}
