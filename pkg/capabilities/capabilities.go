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

// Package capabilities detects the versions of the external helpers
// Barman drives and the features they support
package capabilities

import (
	"os/exec"
	"regexp"
	"sync"

	"github.com/blang/semver"
)

// Capabilities is the feature set of the installed helpers
type Capabilities struct {
	RsyncVersion        *semver.Version
	PgBaseBackupVersion *semver.Version
	PgReceiveWALVersion *semver.Version

	// HasServerCompression is true when pg_basebackup supports the
	// --compress=server-... syntax
	HasServerCompression bool
	// HasBlockIncremental is true when pg_basebackup supports
	// --incremental
	HasBlockIncremental bool
	// HasPgReceiveWAL is true when the streaming receiver binary is
	// available
	HasPgReceiveWAL bool
	// HasRsync is true when rsync is available
	HasRsync bool
}

var versionRegex = regexp.MustCompile(`(\d+(?:\.\d+){0,2})`)

// detectToolVersion runs a helper with --version, extracting the
// version number from the first line of its output
func detectToolVersion(tool string) *semver.Version {
	output, err := exec.Command(tool, "--version").Output() // #nosec
	if err != nil {
		return nil
	}
	matches := versionRegex.FindStringSubmatch(string(output))
	if matches == nil {
		return nil
	}
	version, err := semver.ParseTolerant(matches[1])
	if err != nil {
		return nil
	}
	return &version
}

// Detect computes the capabilities from the passed helper versions
func Detect(rsync, pgBaseBackup, pgReceiveWAL *semver.Version) *Capabilities {
	capabilities := &Capabilities{
		RsyncVersion:        rsync,
		PgBaseBackupVersion: pgBaseBackup,
		PgReceiveWALVersion: pgReceiveWAL,
		HasRsync:            rsync != nil,
		HasPgReceiveWAL:     pgReceiveWAL != nil,
	}

	if pgBaseBackup != nil {
		capabilities.HasServerCompression = pgBaseBackup.GE(semver.Version{Major: 15})
		capabilities.HasBlockIncremental = pgBaseBackup.GE(semver.Version{Major: 17})
	}

	return capabilities
}

var (
	current     *Capabilities
	currentOnce sync.Once
)

// CurrentCapabilities probes the installed helpers, caching the result
// for the process lifetime
func CurrentCapabilities() *Capabilities {
	currentOnce.Do(func() {
		current = Detect(
			detectToolVersion("rsync"),
			detectToolVersion("pg_basebackup"),
			detectToolVersion("pg_receivewal"),
		)
	})
	return current
}
