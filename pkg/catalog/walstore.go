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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EnterpriseDB/barman/pkg/compression"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

// FindArchivedWAL looks for a named WAL file in the archive,
// returning its entry (reconstructed from disk, not from the index)
// or nil when absent
func (store *Store) FindArchivedWAL(name string) (*WALFileEntry, error) {
	candidates := []WALFileEntry{{Name: name}}
	for _, algorithm := range suffixPreference {
		candidates = append(candidates, WALFileEntry{Name: name, Compression: algorithm})
	}

	for _, candidate := range candidates {
		path := store.WALArchivePath(candidate)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		entry := candidate
		entry.Size = info.Size()
		entry.Time = info.ModTime()
		return &entry, nil
	}
	return nil, nil
}

// archivedWALHash computes the hash of the uncompressed content of an
// archived WAL file
func (store *Store) archivedWALHash(entry *WALFileEntry) (string, error) {
	path := store.WALArchivePath(*entry)
	if entry.Compression == "" {
		return fileutils.FileHash(path)
	}

	compressor, err := compression.Get(entry.Compression)
	if err != nil {
		return "", err
	}
	in, err := os.Open(path) // #nosec
	if err != nil {
		return "", err
	}
	defer func() {
		_ = in.Close()
	}()

	var content bytes.Buffer
	if err := compressor.Decompress(&content, in); err != nil {
		return "", err
	}
	digest := sha256.Sum256(content.Bytes())
	return hex.EncodeToString(digest[:]), nil
}

// RecordWAL publishes a WAL file into the archive. It is idempotent:
// when a file with that name is already archived and its content is
// identical, the result is OK with the duplicate flag set; when the
// content differs, a DuplicationError is returned and nothing is
// written. The caller must hold the archive lock.
func (store *Store) RecordWAL(name, sourcePath, compressionName string) (duplicate bool, err error) {
	existing, err := store.FindArchivedWAL(name)
	if err != nil {
		return false, err
	}
	if existing != nil {
		sourceHash, err := fileutils.FileHash(sourcePath)
		if err != nil {
			return false, err
		}
		archivedHash, err := store.archivedWALHash(existing)
		if err != nil {
			return false, err
		}
		if sourceHash == archivedHash {
			return true, nil
		}
		return false, &errs.DuplicationError{WALName: name}
	}

	entry := WALFileEntry{Name: name, Time: time.Now()}

	if compressionName != "" && compressionName != compression.None {
		// never compress a file whose magic bytes already indicate a
		// known compression
		detected, err := compression.Detect(sourcePath)
		if err != nil {
			return false, err
		}
		if detected == compression.None {
			entry.Compression = compressionName
		}
	}

	destination := store.WALArchivePath(entry)
	if entry.Compression != "" {
		compressor, err := compression.Get(entry.Compression)
		if err != nil {
			return false, err
		}
		if err := fileutils.EnsureParentDirectoryExist(destination); err != nil {
			return false, err
		}
		if err := compressor.CompressFile(sourcePath, destination); err != nil {
			return false, fmt.Errorf("while compressing %s: %w", name, err)
		}
	} else {
		content, err := os.ReadFile(sourcePath) // #nosec
		if err != nil {
			return false, err
		}
		if _, err := fileutils.WriteFileAtomic(destination, content, 0o600); err != nil {
			return false, fmt.Errorf("while publishing %s: %w", name, err)
		}
	}

	size, err := fileutils.FileSize(destination)
	if err != nil {
		return false, err
	}
	entry.Size = size

	if err := store.AppendXLogDB(entry); err != nil {
		return false, fmt.Errorf("while indexing %s: %w", name, err)
	}
	return false, nil
}

// DeleteWAL removes an archived WAL file from the archive. The index
// is not touched: the retention reclaim rewrites it in one pass.
func (store *Store) DeleteWAL(entry WALFileEntry) error {
	return fileutils.RemoveFile(store.WALArchivePath(entry))
}

// MoveToErrors moves a rejected file to the errors directory
func (store *Store) MoveToErrors(sourcePath, reason string) error {
	if err := fileutils.EnsureDirectoryExists(store.server.ErrorsDirectory()); err != nil {
		return err
	}
	destination := filepath.Join(store.server.ErrorsDirectory(),
		fmt.Sprintf("%s.%s.%d", filepath.Base(sourcePath), reason, time.Now().Unix()))
	return fileutils.MoveFile(sourcePath, destination)
}
