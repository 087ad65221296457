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

package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

// manifestFile is one entry of a backup manifest, in the format
// pg_verifybackup understands
type manifestFile struct {
	Path              string `json:"Path"`
	Size              int64  `json:"Size"`
	LastModified      string `json:"Last-Modified"`
	ChecksumAlgorithm string `json:"Checksum-Algorithm"`
	Checksum          string `json:"Checksum"`
}

type manifest struct {
	Version          int            `json:"PostgreSQL-Backup-Manifest-Version"`
	Files            []manifestFile `json:"Files"`
	ManifestChecksum string         `json:"Manifest-Checksum"`
}

// manifestExcluded are the files a manifest never describes
var manifestExcluded = map[string]bool{
	BackupManifestFile: true,
	"postmaster.pid":   true,
	"postmaster.opts":  true,
}

// GenerateManifest produces a backup_manifest for a data tree copied
// by the delta-copy engine, allowing pg_verifybackup and block-level
// incremental chains to work against rsync backups
func GenerateManifest(dataDir string) error {
	var files []manifestFile

	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if manifestExcluded[relative] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hash, err := fileutils.FileHash(path)
		if err != nil {
			return err
		}
		files = append(files, manifestFile{
			Path:              relative,
			Size:              info.Size(),
			LastModified:      info.ModTime().UTC().Format("2006-01-02 15:04:05 MST"),
			ChecksumAlgorithm: "SHA256",
			Checksum:          hash,
		})
		return nil
	})
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(manifest{Version: 1, Files: files}, "", "  ")
	if err != nil {
		return err
	}

	// the manifest checksum covers the serialization without the
	// checksum field
	digest := sha256.Sum256(body)
	full := manifest{
		Version:          1,
		Files:            files,
		ManifestChecksum: hex.EncodeToString(digest[:]),
	}
	content, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return err
	}

	_, err = fileutils.WriteFileAtomic(
		filepath.Join(dataDir, BackupManifestFile), content, 0o600)
	if err != nil {
		return fmt.Errorf("while writing the backup manifest: %w", err)
	}
	return nil
}
