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

// Package config loads the INI configuration files describing the
// Barman installation: one global section, one section per server,
// plus named model overlays switched onto servers by config-switch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

// GlobalSection is the name of the global configuration section
const GlobalSection = "barman"

// reservedNames cannot be used as server or model identifiers
var reservedNames = map[string]bool{"barman": true, "all": true}

// activeModelFile is the meta file recording the model overlay
// currently applied to a server
const activeModelFile = "active_model"

// Configuration is the parsed state of the whole installation
type Configuration struct {
	BarmanHome    string
	LockDirectory string
	LogFile       string
	LogLevel      string

	servers     map[string]*ServerConfig
	serverNames []string
	models      map[string]map[string]string

	// Warnings collects unknown options and scope violations; they
	// are reported by check and diagnose, never fatal
	Warnings []string
}

// Load reads a configuration file, merging any file found in the
// configured configuration_files_directory
func Load(path string) (*Configuration, error) {
	loadOptions := ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}

	iniFile, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, errs.Configurationf("cannot read %s: %v", path, err)
	}

	globalSection := iniFile.Section(GlobalSection)
	if configDir := globalSection.Key("configuration_files_directory").String(); configDir != "" {
		included, err := filepath.Glob(filepath.Join(configDir, "*.conf"))
		if err != nil {
			return nil, errs.Configurationf("cannot scan %s: %v", configDir, err)
		}
		sort.Strings(included)
		for _, include := range included {
			if err := iniFile.Append(include); err != nil {
				return nil, errs.Configurationf("cannot read %s: %v", include, err)
			}
		}
	}

	result := &Configuration{
		servers: make(map[string]*ServerConfig),
		models:  make(map[string]map[string]string),
	}

	globals := result.collectSection(globalSection, ScopeGlobal)
	result.BarmanHome = valueOrDefault(globals, "barman_home")
	result.LockDirectory = globals["barman_lock_directory"]
	if result.LockDirectory == "" {
		result.LockDirectory = result.BarmanHome
	}
	result.LogFile = globals["log_file"]
	result.LogLevel = valueOrDefault(globals, "log_level")

	serverValues := make(map[string]map[string]string)
	for _, section := range iniFile.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == GlobalSection {
			continue
		}
		if reservedNames[name] {
			return nil, errs.Configurationf("%q is a reserved section name", name)
		}

		values := result.collectSection(section, ScopeServer)
		if parseBool(values["model"]) {
			if values["cluster"] == "" {
				return nil, errs.Configurationf("model %q does not name a cluster", name)
			}
			result.models[name] = values
			continue
		}

		serverValues[name] = values
		result.serverNames = append(result.serverNames, name)
	}

	sort.Strings(result.serverNames)

	// servers are built once every model is known, so that the active
	// overlay applies whatever the section order
	for _, name := range result.serverNames {
		server, err := result.buildServer(name, serverValues[name], globals)
		if err != nil {
			return nil, err
		}
		result.servers[name] = server
	}
	return result, nil
}

// collectSection extracts the known options of a section, recording a
// warning for every unknown or out-of-scope key
func (c *Configuration) collectSection(section *ini.Section, scope Scope) map[string]string {
	values := make(map[string]string)
	for _, key := range section.Keys() {
		descriptor, known := LookupOption(key.Name())
		if !known {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("unknown option %q in section [%s]", key.Name(), section.Name()))
			continue
		}
		if descriptor.Scope != ScopeGlobalServer && descriptor.Scope != scope {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("option %q is not allowed in section [%s]", key.Name(), section.Name()))
			continue
		}
		values[key.Name()] = key.String()
	}
	return values
}

// lookup resolves an option value for a server: section value, then
// global value, then descriptor default
func lookup(values, globals map[string]string, name string) string {
	if value, ok := values[name]; ok {
		return value
	}
	if value, ok := globals[name]; ok {
		return value
	}
	descriptor, _ := LookupOption(name)
	return descriptor.Default
}

func valueOrDefault(values map[string]string, name string) string {
	if value, ok := values[name]; ok && value != "" {
		return value
	}
	descriptor, _ := LookupOption(name)
	return descriptor.Default
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func parseIntOption(name, value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, errs.Configurationf("option %q is not an integer: %q", name, value)
	}
	return result, nil
}

var ageRegex = regexp.MustCompile(`(?i)^(\d+)\s+(hour|day|week|month)s?$`)

// parseAge parses the "<n> {HOURS|DAYS|WEEKS|MONTHS}" grammar used by
// the maximum-age options
func parseAge(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	matches := ageRegex.FindStringSubmatch(strings.TrimSpace(value))
	if matches == nil {
		return 0, errs.Configurationf("invalid age %q", value)
	}
	amount, _ := strconv.Atoi(matches[1])
	switch strings.ToLower(matches[2]) {
	case "hour":
		return time.Duration(amount) * time.Hour, nil
	case "day":
		return time.Duration(amount) * 24 * time.Hour, nil
	case "week":
		return time.Duration(amount) * 7 * 24 * time.Hour, nil
	case "month":
		return time.Duration(amount) * 30 * 24 * time.Hour, nil
	}
	return 0, errs.Configurationf("invalid age %q", value)
}

// buildServer materialises the typed descriptor of one server from the
// raw section values, applying the active model overlay when present
func (c *Configuration) buildServer(
	name string,
	values, globals map[string]string,
) (*ServerConfig, error) {
	server := &ServerConfig{
		Name:       name,
		barmanHome: c.BarmanHome,
		Hooks:      make(map[string]string),
	}

	// the active model overlay, applied before reading any option
	if model, err := c.readActiveModel(name); err == nil && model != "" {
		overlay, ok := c.models[model]
		if ok {
			merged := make(map[string]string, len(values)+len(overlay))
			for key, value := range values {
				merged[key] = value
			}
			for key, value := range overlay {
				if key == "model" || key == "cluster" {
					continue
				}
				merged[key] = value
			}
			values = merged
			server.ActiveModel = model
		} else {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("server %q references unknown model %q", name, model))
		}
	}

	get := func(option string) string { return lookup(values, globals, option) }

	server.Description = values["description"]
	server.ClusterName = values["cluster"]
	server.Conninfo = values["conninfo"]
	server.PrimaryConninfo = values["primary_conninfo"]
	server.StreamingConninfo = values["streaming_conninfo"]
	if server.StreamingConninfo == "" {
		server.StreamingConninfo = server.Conninfo
	}
	server.SSHCommand = values["ssh_command"]
	server.PrimarySSHCommand = values["primary_ssh_command"]

	server.BackupMethod = BackupMethod(get("backup_method"))
	server.BackupOptions = get("backup_options")
	server.ReuseBackup = ReuseBackupMode(get("reuse_backup"))
	server.ImmediateCheckpoint = parseBool(get("immediate_checkpoint"))

	var err error
	if server.ParallelJobs, err = parseIntOption("parallel_jobs", get("parallel_jobs")); err != nil {
		return nil, err
	}
	if server.JobsStartBatchSize, err = parseIntOption(
		"parallel_jobs_start_batch_size", get("parallel_jobs_start_batch_size")); err != nil {
		return nil, err
	}
	batchPeriod, err := parseIntOption(
		"parallel_jobs_start_batch_period", get("parallel_jobs_start_batch_period"))
	if err != nil {
		return nil, err
	}
	server.JobsStartBatchPeriod = time.Duration(batchPeriod) * time.Second
	if server.BandwidthLimitKBps, err = parseIntOption(
		"bandwidth_limit", get("bandwidth_limit")); err != nil {
		return nil, err
	}
	if server.RetryTimes, err = parseIntOption(
		"basebackup_retry_times", get("basebackup_retry_times")); err != nil {
		return nil, err
	}
	retrySleep, err := parseIntOption("basebackup_retry_sleep", get("basebackup_retry_sleep"))
	if err != nil {
		return nil, err
	}
	server.RetrySleep = time.Duration(retrySleep) * time.Second
	keepalive, err := parseIntOption("keepalive_interval", get("keepalive_interval"))
	if err != nil {
		return nil, err
	}
	server.KeepaliveInterval = time.Duration(keepalive) * time.Second

	_, archiverSet := values["archiver"]
	_, globalArchiverSet := globals["archiver"]
	_, streamingSet := values["streaming_archiver"]
	_, globalStreamingSet := globals["streaming_archiver"]
	server.Archiver = parseBool(get("archiver"))
	server.StreamingArchiver = parseBool(get("streaming_archiver"))
	explicit := archiverSet || globalArchiverSet || streamingSet || globalStreamingSet
	if !server.Archiver && !server.StreamingArchiver {
		if explicit {
			return nil, errs.Configurationf(
				"server %q disables both archiver and streaming_archiver", name)
		}
		// a fresh server archives through archive_command
		server.Archiver = true
	}

	server.StreamingArchiverName = get("streaming_archiver_name")
	server.SlotName = get("slot_name")
	server.CreateSlot = get("create_slot")
	if server.StreamingArchiver && server.CreateSlot == "auto" && server.SlotName == "" {
		return nil, errs.Configurationf(
			"server %q uses create_slot=auto without a slot_name", name)
	}
	server.Compression = get("compression")

	server.RetentionPolicy = get("retention_policy")
	server.RetentionPolicyMode = get("retention_policy_mode")
	if server.MinimumRedundancy, err = parseIntOption(
		"minimum_redundancy", get("minimum_redundancy")); err != nil {
		return nil, err
	}
	if server.LastBackupMaxAge, err = parseAge(get("last_backup_maximum_age")); err != nil {
		return nil, err
	}
	if server.LastWALMaxAge, err = parseAge(get("last_wal_maximum_age")); err != nil {
		return nil, err
	}

	archiveTimeout, err := parseIntOption("archive_timeout", get("archive_timeout"))
	if err != nil {
		return nil, err
	}
	server.ArchiveTimeout = time.Duration(archiveTimeout) * time.Second
	checkTimeout, err := parseIntOption("check_timeout", get("check_timeout"))
	if err != nil {
		return nil, err
	}
	server.CheckTimeout = time.Duration(checkTimeout) * time.Second
	waitForWALs, err := parseIntOption("wait_for_wals_timeout", get("wait_for_wals_timeout"))
	if err != nil {
		return nil, err
	}
	server.WaitForWALsTimeout = time.Duration(waitForWALs) * time.Second

	server.LocalStagingPath = get("local_staging_path")
	server.RecoveryStagingPath = get("recovery_staging_path")
	server.RecoveryOptions = get("recovery_options")
	server.SnapshotProvider = get("snapshot_provider")
	if disks := values["snapshot_disks"]; disks != "" {
		for _, disk := range strings.Split(disks, ",") {
			server.SnapshotDisks = append(server.SnapshotDisks, strings.TrimSpace(disk))
		}
	}

	server.basebackupsDirectory = values["basebackups_directory"]
	server.walsDirectory = values["wals_directory"]
	server.incomingDirectory = values["incoming_wals_directory"]
	server.streamingDirectory = values["streaming_wals_directory"]
	server.errorsDirectory = values["errors_directory"]

	for option := range optionsByName {
		if strings.HasSuffix(option, "_script") {
			if script := get(option); script != "" {
				server.Hooks[option] = script
			}
		}
	}

	return server, nil
}

// readActiveModel reads the model overlay recorded by config-switch
func (c *Configuration) readActiveModel(serverName string) (string, error) {
	path := filepath.Join(c.BarmanHome, serverName, "meta", activeModelFile)
	content, err := os.ReadFile(path) // #nosec
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// ServerNames returns the configured server identifiers, sorted
func (c *Configuration) ServerNames() []string {
	return c.serverNames
}

// Server returns the descriptor of a named server
func (c *Configuration) Server(name string) (*ServerConfig, error) {
	if server, ok := c.servers[name]; ok {
		return server, nil
	}
	return nil, errs.Configurationf("unknown server %q", name)
}

// ModelNames returns the configured model names, sorted
func (c *Configuration) ModelNames() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SwitchModel applies a model overlay to a server. The switch is
// passive against the data layer: only the meta file changes, the
// catalog does not move.
func (c *Configuration) SwitchModel(serverName, modelName string) error {
	server, err := c.Server(serverName)
	if err != nil {
		return err
	}

	if modelName == "none" {
		return fileutils.RemoveFile(filepath.Join(server.MetaDirectory(), activeModelFile))
	}

	overlay, ok := c.models[modelName]
	if !ok {
		return errs.Configurationf("unknown model %q", modelName)
	}
	cluster := overlay["cluster"]
	if cluster != serverName && cluster != server.ClusterName {
		return errs.Configurationf(
			"model %q belongs to cluster %q, not to server %q", modelName, cluster, serverName)
	}

	_, err = fileutils.WriteStringToFile(
		filepath.Join(server.MetaDirectory(), activeModelFile), modelName+"\n")
	return err
}
