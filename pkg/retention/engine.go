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

package retention

import (
	"sort"
	"time"

	"github.com/thoas/go-funk"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// BackupClass is the retention classification of a backup
type BackupClass string

// The backup classes
const (
	BackupValid          BackupClass = "VALID"
	BackupObsolete       BackupClass = "OBSOLETE"
	BackupKeepFull       BackupClass = "KEEP:FULL"
	BackupKeepStandalone BackupClass = "KEEP:STANDALONE"
)

// WALClass is the retention classification of a WAL file
type WALClass string

// The WAL classes
const (
	WALRetain  WALClass = "RETAIN"
	WALReclaim WALClass = "RECLAIM"
)

// Classification is the outcome of a retention pass over a catalog
// snapshot
type Classification struct {
	// Backups maps every DONE backup id to its class
	Backups map[string]BackupClass
	// WALs maps every indexed WAL name to its class
	WALs map[string]WALClass
	// FloorApplied tells whether the minimum-redundancy floor
	// promoted backups the policy had marked obsolete
	FloorApplied bool
}

// Classify evaluates a policy against a snapshot of the catalog. It
// is read-only and idempotent: the same snapshot yields the same
// classification.
func Classify(
	now time.Time,
	policy *Policy,
	minimumRedundancy int,
	backups []*catalog.BackupInfo,
	walEntries []catalog.WALFileEntry,
) *Classification {
	result := &Classification{
		Backups: make(map[string]BackupClass),
		WALs:    make(map[string]WALClass),
	}

	done := funk.Filter(backups, func(info *catalog.BackupInfo) bool {
		return info.Status == catalog.BackupDone
	}).([]*catalog.BackupInfo)
	sort.Slice(done, func(i, j int) bool {
		return done[i].BeginTime.Before(done[j].BeginTime)
	})

	// block-level chains are judged through their root
	byID := make(map[string]*catalog.BackupInfo, len(done))
	for _, info := range done {
		byID[info.BackupID] = info
	}
	rootOf := func(info *catalog.BackupInfo) *catalog.BackupInfo {
		for info.Type == catalog.BackupTypeIncrementalBlock && info.ParentBackupID != "" {
			parent, ok := byID[info.ParentBackupID]
			if !ok {
				break
			}
			info = parent
		}
		return info
	}

	// policy decision over the chain roots only
	roots := funk.Filter(done, func(info *catalog.BackupInfo) bool {
		return rootOf(info) == info
	}).([]*catalog.BackupInfo)

	classOfRoot := make(map[string]BackupClass, len(roots))
	switch policy.Kind {
	case PolicyRedundancy:
		for idx, info := range roots {
			if idx >= len(roots)-policy.Redundancy {
				classOfRoot[info.BackupID] = BackupValid
			} else {
				classOfRoot[info.BackupID] = BackupObsolete
			}
		}
	case PolicyRecoveryWindow:
		// the oldest valid backup is the newest one beginning at or
		// before the window start
		windowStart := now.Add(-policy.Window)
		oldestValid := -1
		for idx, info := range roots {
			if !info.BeginTime.After(windowStart) {
				oldestValid = idx
			}
		}
		if oldestValid < 0 {
			oldestValid = 0
		}
		for idx, info := range roots {
			if idx >= oldestValid {
				classOfRoot[info.BackupID] = BackupValid
			} else {
				classOfRoot[info.BackupID] = BackupObsolete
			}
		}
	}

	// the minimum-redundancy floor: never drop below m valid backups
	validCount := 0
	for _, class := range classOfRoot {
		if class == BackupValid {
			validCount++
		}
	}
	if validCount < minimumRedundancy {
		for idx := len(roots) - 1; idx >= 0 && validCount < minimumRedundancy; idx-- {
			if classOfRoot[roots[idx].BackupID] == BackupObsolete {
				classOfRoot[roots[idx].BackupID] = BackupValid
				validCount++
				result.FloorApplied = true
			}
		}
	}

	// KEEP pins win over the policy
	for _, info := range roots {
		switch info.Keep {
		case catalog.KeepFull:
			classOfRoot[info.BackupID] = BackupKeepFull
		case catalog.KeepStandalone:
			classOfRoot[info.BackupID] = BackupKeepStandalone
		}
	}

	// the whole chain inherits the root's label
	for _, info := range done {
		result.Backups[info.BackupID] = classOfRoot[rootOf(info).BackupID]
	}

	classifyWALs(result, done, walEntries)
	return result
}

// classifyWALs marks a segment RETAIN when some retained backup needs
// it to reach a point in its retention interval
func classifyWALs(
	result *Classification,
	done []*catalog.BackupInfo,
	walEntries []catalog.WALFileEntry,
) {
	// the begin-wal of the oldest VALID backup opens the retained
	// range; everything from there on serves some valid backup's
	// recovery interval. KEEP pins add only their own ranges below.
	var rangeStart string
	for _, info := range done {
		if result.Backups[info.BackupID] == BackupValid {
			rangeStart = info.BeginWAL
			break
		}
	}

	// standalone pins retain only their own [begin-wal, end-wal]
	type walRange struct{ begin, end string }
	var pinnedRanges []walRange
	for idx, info := range done {
		switch result.Backups[info.BackupID] {
		case BackupKeepStandalone:
			pinnedRanges = append(pinnedRanges, walRange{begin: info.BeginWAL, end: info.EndWAL})
		case BackupKeepFull:
			// up to the next backup, or open-ended for the newest
			end := ""
			if idx+1 < len(done) {
				end = done[idx+1].BeginWAL
			}
			pinnedRanges = append(pinnedRanges, walRange{begin: info.BeginWAL, end: end})
		}
	}

	for _, entry := range walEntries {
		if postgres.IsHistoryFileName(entry.Name) {
			// timeline history is never reclaimed
			result.WALs[entry.Name] = WALRetain
			continue
		}

		retained := rangeStart != "" && entry.Name >= rangeStart
		for _, pinned := range pinnedRanges {
			if entry.Name >= pinned.begin && (pinned.end == "" || entry.Name <= pinned.end) {
				retained = true
			}
		}

		if retained {
			result.WALs[entry.Name] = WALRetain
		} else {
			result.WALs[entry.Name] = WALReclaim
		}
	}
}
