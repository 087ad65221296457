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

import (
	"path/filepath"
	"time"
)

// BackupMethod selects the copy engine used for base backups
type BackupMethod string

// The supported backup methods
const (
	BackupMethodRsync      BackupMethod = "rsync"
	BackupMethodPostgres   BackupMethod = "postgres"
	BackupMethodLocalRsync BackupMethod = "local-rsync"
	BackupMethodSnapshot   BackupMethod = "snapshot"
)

// ReuseBackupMode selects the file-level deduplication used by the
// rsync engine
type ReuseBackupMode string

// The supported reuse-backup modes
const (
	ReuseBackupOff  ReuseBackupMode = "off"
	ReuseBackupCopy ReuseBackupMode = "copy"
	ReuseBackupLink ReuseBackupMode = "link"
)

// ServerConfig is the immutable descriptor of one managed PostgreSQL
// cluster. All mutation lives in the catalog store, keyed by the
// server name.
type ServerConfig struct {
	Name        string
	Description string
	ClusterName string

	Conninfo          string
	PrimaryConninfo   string
	StreamingConninfo string
	SSHCommand        string
	PrimarySSHCommand string

	BackupMethod         BackupMethod
	BackupOptions        string
	ReuseBackup          ReuseBackupMode
	ImmediateCheckpoint  bool
	ParallelJobs         int
	JobsStartBatchSize   int
	JobsStartBatchPeriod time.Duration
	BandwidthLimitKBps   int
	RetryTimes           int
	RetrySleep           time.Duration
	KeepaliveInterval    time.Duration

	Archiver              bool
	StreamingArchiver     bool
	StreamingArchiverName string
	SlotName              string
	CreateSlot            string
	Compression           string

	RetentionPolicy     string
	RetentionPolicyMode string
	MinimumRedundancy   int
	LastBackupMaxAge    time.Duration
	LastWALMaxAge       time.Duration

	ArchiveTimeout     time.Duration
	CheckTimeout       time.Duration
	WaitForWALsTimeout time.Duration

	LocalStagingPath    string
	RecoveryStagingPath string
	RecoveryOptions     string
	SnapshotProvider    string
	SnapshotDisks       []string

	// Hooks maps the hook option name (such as "pre_backup_script")
	// to the configured command line
	Hooks map[string]string

	// ActiveModel is the model overlay currently applied, if any
	ActiveModel string

	// directory overrides; empty means the default layout
	basebackupsDirectory string
	walsDirectory        string
	incomingDirectory    string
	streamingDirectory   string
	errorsDirectory      string

	barmanHome string
}

// BaseDirectory is the root of the per-server catalog
func (server *ServerConfig) BaseDirectory() string {
	return filepath.Join(server.barmanHome, server.Name)
}

// BackupsDirectory contains one directory per base backup
func (server *ServerConfig) BackupsDirectory() string {
	if server.basebackupsDirectory != "" {
		return server.basebackupsDirectory
	}
	return filepath.Join(server.BaseDirectory(), "base")
}

// WalsDirectory is the WAL archive root, containing xlog.db
func (server *ServerConfig) WalsDirectory() string {
	if server.walsDirectory != "" {
		return server.walsDirectory
	}
	return filepath.Join(server.BaseDirectory(), "wals")
}

// IncomingDirectory is the landing directory of archive_command
func (server *ServerConfig) IncomingDirectory() string {
	if server.incomingDirectory != "" {
		return server.incomingDirectory
	}
	return filepath.Join(server.BaseDirectory(), "incoming")
}

// StreamingDirectory is the landing directory of the streaming receiver
func (server *ServerConfig) StreamingDirectory() string {
	if server.streamingDirectory != "" {
		return server.streamingDirectory
	}
	return filepath.Join(server.BaseDirectory(), "streaming")
}

// ErrorsDirectory holds the files the archiver rejected
func (server *ServerConfig) ErrorsDirectory() string {
	if server.errorsDirectory != "" {
		return server.errorsDirectory
	}
	return filepath.Join(server.BaseDirectory(), "errors")
}

// MetaDirectory holds the per-server status files
func (server *ServerConfig) MetaDirectory() string {
	return filepath.Join(server.BaseDirectory(), "meta")
}

// XLogDBPath is the WAL archive index file
func (server *ServerConfig) XLogDBPath() string {
	return filepath.Join(server.WalsDirectory(), "xlog.db")
}
