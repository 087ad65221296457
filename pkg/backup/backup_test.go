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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/EnterpriseDB/barman/pkg/fileutils"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tree size accounting", func() {
	It("counts plain files fully in both sizes", func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "a"), make([]byte, 1000), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "b"), make([]byte, 500), 0o600)).To(Succeed())

		size, deduplicated, err := treeSizes(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(size).To(Equal(int64(1500)))
		Expect(deduplicated).To(Equal(int64(1500)))
	})

	It("splits hard-linked files across their link count", func() {
		dir := GinkgoT().TempDir()
		original := filepath.Join(dir, "original")
		linked := filepath.Join(dir, "linked")
		Expect(os.WriteFile(original, make([]byte, 1000), 0o600)).To(Succeed())
		Expect(fileutils.HardLinkFile(original, linked)).To(Succeed())

		size, deduplicated, err := treeSizes(dir)
		Expect(err).ToNot(HaveOccurred())
		// both names count fully in the logical size
		Expect(size).To(Equal(int64(2000)))
		// but the shared inode is charged once across the links
		Expect(deduplicated).To(Equal(int64(1000)))
	})
})

var _ = Describe("Manifest generation", func() {
	It("describes every file with its checksum", func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("14\n"), 0o600)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(dir, "base", "1"), 0o700)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "base", "1", "1259"),
			[]byte("relation data"), 0o600)).To(Succeed())

		Expect(GenerateManifest(dir)).To(Succeed())

		content, err := os.ReadFile(filepath.Join(dir, BackupManifestFile))
		Expect(err).ToNot(HaveOccurred())

		var parsed struct {
			Version int `json:"PostgreSQL-Backup-Manifest-Version"`
			Files   []struct {
				Path              string `json:"Path"`
				ChecksumAlgorithm string `json:"Checksum-Algorithm"`
				Checksum          string `json:"Checksum"`
			} `json:"Files"`
			ManifestChecksum string `json:"Manifest-Checksum"`
		}
		Expect(json.Unmarshal(content, &parsed)).To(Succeed())
		Expect(parsed.Version).To(Equal(1))
		Expect(parsed.ManifestChecksum).ToNot(BeEmpty())
		Expect(parsed.Files).To(HaveLen(2))
		for _, file := range parsed.Files {
			Expect(file.ChecksumAlgorithm).To(Equal("SHA256"))
			Expect(file.Checksum).To(HaveLen(64))
		}
	})

	It("never describes itself", func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("14\n"), 0o600)).To(Succeed())
		Expect(GenerateManifest(dir)).To(Succeed())
		// regenerating over an existing manifest stays stable
		Expect(GenerateManifest(dir)).To(Succeed())

		content, err := os.ReadFile(filepath.Join(dir, BackupManifestFile))
		Expect(err).ToNot(HaveOccurred())
		var parsed struct {
			Files []struct {
				Path string `json:"Path"`
			} `json:"Files"`
		}
		Expect(json.Unmarshal(content, &parsed)).To(Succeed())
		Expect(parsed.Files).To(HaveLen(1))
		Expect(parsed.Files[0].Path).To(Equal("PG_VERSION"))
	})
})

var _ = Describe("SSH command parsing", func() {
	It("splits the transport from the host", func() {
		transport, host, err := splitSSHCommand("ssh postgres@pg1")
		Expect(err).ToNot(HaveOccurred())
		Expect(transport).To(Equal("ssh"))
		Expect(host).To(Equal("postgres@pg1"))
	})

	It("keeps the options in the transport", func() {
		transport, host, err := splitSSHCommand("ssh -p 2222 -o BatchMode=yes postgres@pg1")
		Expect(err).ToNot(HaveOccurred())
		Expect(host).To(Equal("postgres@pg1"))
		Expect(transport).To(ContainSubstring("-p 2222"))
		Expect(transport).To(ContainSubstring("BatchMode=yes"))
	})

	It("rejects commands naming no host", func() {
		_, _, err := splitSSHCommand("ssh")
		Expect(err).To(HaveOccurred())
		_, _, err = splitSSHCommand("")
		Expect(err).To(HaveOccurred())
	})
})
