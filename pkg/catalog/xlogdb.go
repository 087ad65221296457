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

package catalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/EnterpriseDB/barman/pkg/compression"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// WALFileEntry is one line of the xlog.db index
type WALFileEntry struct {
	Name        string
	Size        int64
	Time        time.Time
	Compression string
}

// formatXLogDBLine renders one xlog.db line:
// <name>\t<size>\t<unix-time>\t<compression-or-none>\n
func formatXLogDBLine(entry WALFileEntry) string {
	compressionName := entry.Compression
	if compressionName == "" {
		compressionName = compression.None
	}
	return fmt.Sprintf("%s\t%d\t%d\t%s\n",
		entry.Name, entry.Size, entry.Time.Unix(), compressionName)
}

// parseXLogDBLine parses one xlog.db line
func parseXLogDBLine(line string) (WALFileEntry, error) {
	fields := strings.Split(strings.TrimRight(line, "\n"), "\t")
	if len(fields) != 4 {
		return WALFileEntry{}, fmt.Errorf("malformed xlog.db line %q", line)
	}

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return WALFileEntry{}, fmt.Errorf("malformed size in %q: %w", line, err)
	}
	unixTime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return WALFileEntry{}, fmt.Errorf("malformed time in %q: %w", line, err)
	}

	entry := WALFileEntry{
		Name: fields[0],
		Size: size,
		Time: time.Unix(unixTime, 0),
	}
	if fields[3] != compression.None {
		entry.Compression = fields[3]
	}
	return entry, nil
}

// AppendXLogDB appends one entry to the index and syncs it. The
// caller must hold the archive lock.
func (store *Store) AppendXLogDB(entry WALFileEntry) error {
	path := store.server.XLogDBPath()
	if err := fileutils.EnsureParentDirectoryExist(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.WriteString(formatXLogDBLine(entry)); err != nil {
		return err
	}
	return file.Sync()
}

// ReadXLogDB loads the whole index, in file order
func (store *Store) ReadXLogDB() ([]WALFileEntry, error) {
	file, err := os.Open(store.server.XLogDBPath()) // #nosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	var result []WALFileEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := parseXLogDBLine(line)
		if err != nil {
			return nil, &errs.CatalogError{Path: store.server.XLogDBPath(), Detail: err.Error()}
		}
		result = append(result, entry)
	}
	return result, scanner.Err()
}

// LookupWAL finds a named entry in the index, or nil
func (store *Store) LookupWAL(name string) (*WALFileEntry, error) {
	entries, err := store.ReadXLogDB()
	if err != nil {
		return nil, err
	}
	for idx := range entries {
		if entries[idx].Name == name {
			return &entries[idx], nil
		}
	}
	return nil, nil
}

// RewriteXLogDB atomically replaces the whole index with the passed
// entries. The caller must hold the archive lock.
func (store *Store) RewriteXLogDB(entries []WALFileEntry) error {
	var builder strings.Builder
	for _, entry := range entries {
		builder.WriteString(formatXLogDBLine(entry))
	}
	_, err := fileutils.WriteFileAtomic(store.server.XLogDBPath(), []byte(builder.String()), 0o600)
	return err
}

// WALArchivePath returns the path of an archived WAL file, honoring
// its compression suffix
func (store *Store) WALArchivePath(entry WALFileEntry) string {
	name := entry.Name
	if entry.Compression != "" {
		if compressor, err := compression.Get(entry.Compression); err == nil {
			name = name + "." + compressor.Suffix()
		}
	}
	return filepath.Join(store.server.WalsDirectory(), walPrefix(entry.Name), name)
}

// walPrefix is the bucket directory of a WAL file inside the archive:
// the first 16 hex digits for segments and backup labels, the first 8
// (the timeline) for history files
func walPrefix(name string) string {
	if postgres.IsWALSegmentName(name) || postgres.IsBackupFileName(name) {
		return name[0:16]
	}
	// history files sit in a per-timeline bucket too
	if len(name) >= 8 {
		return name[0:8]
	}
	return name
}

// RebuildXLogDB scans the WAL archive and re-emits the index from the
// files actually present. Runs under the archive lock; the existing
// file is replaced atomically.
func (store *Store) RebuildXLogDB() (int, error) {
	walsDirectory := store.server.WalsDirectory()

	var entries []WALFileEntry
	err := filepath.WalkDir(walsDirectory, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == "xlog.db" || strings.HasSuffix(name, ".tmp") {
			return nil
		}

		canonical, compressionName := canonicalWALName(name)
		if !postgres.IsWALSegmentName(canonical) &&
			!postgres.IsHistoryFileName(canonical) &&
			!postgres.IsBackupFileName(canonical) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, WALFileEntry{
			Name:        canonical,
			Size:        info.Size(),
			Time:        info.ModTime(),
			Compression: compressionName,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	return len(entries), store.RewriteXLogDB(entries)
}

// suffixPreference fixes the suffix-to-algorithm mapping: gzip and
// pigz share the gz suffix, the in-process reader wins
var suffixPreference = []string{"gzip", "bzip2", "lz4", "zstd", "xz"}

// canonicalWALName strips a known compression suffix from an archived
// file name, returning the canonical name and the algorithm
func canonicalWALName(name string) (string, string) {
	for _, algorithm := range suffixPreference {
		compressor, err := compression.Get(algorithm)
		if err != nil {
			continue
		}
		suffix := "." + compressor.Suffix()
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), algorithm
		}
	}
	return name, ""
}
