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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("backup.info codec", func() {
	sample := &BackupInfo{
		BackupID:         "20210102T120000",
		ServerName:       "main",
		BackupName:       "monday",
		Status:           BackupDone,
		Mode:             "rsync",
		Type:             BackupTypeFull,
		BeginTime:        time.Date(2021, 1, 2, 12, 0, 0, 0, time.UTC),
		EndTime:          time.Date(2021, 1, 2, 12, 30, 0, 0, time.UTC),
		BeginLSN:         "3/A9000028",
		EndLSN:           "3/AAFFFBE8",
		BeginWAL:         "0000000100000003000000A9",
		EndWAL:           "0000000100000003000000AA",
		Timeline:         1,
		SystemID:         "6885668674852188181",
		Size:             123456789,
		DeduplicatedSize: 1234,
		Compression:      "gzip",
		Keep:             KeepStandalone,
		Tablespaces: []Tablespace{
			{Name: "tbs1", OID: 16384, Location: "/srv/tbs1"},
		},
		IncludedFiles: []string{"/etc/postgresql/custom.conf"},
		ServerVersion: 140002,
	}

	It("round-trips every field", func() {
		content, err := sample.Serialize()
		Expect(err).ToNot(HaveOccurred())

		parsed, err := DeserializeBackupInfo("backup.info", content)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed).To(Equal(sample))
	})

	It("is byte-stable across a round trip", func() {
		content, err := sample.Serialize()
		Expect(err).ToNot(HaveOccurred())
		parsed, err := DeserializeBackupInfo("backup.info", content)
		Expect(err).ToNot(HaveOccurred())
		again, err := parsed.Serialize()
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(content))
	})

	It("tolerates comments and unknown keys", func() {
		content := []byte("# a comment\nbackup_id=x\nfuture_key=whatever\n")
		parsed, err := DeserializeBackupInfo("backup.info", content)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.BackupID).To(Equal("x"))
	})

	It("rejects content without a backup id", func() {
		_, err := DeserializeBackupInfo("backup.info", []byte("status=DONE\n"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects malformed lines", func() {
		_, err := DeserializeBackupInfo("backup.info", []byte("backup_id=x\nnot a pair\n"))
		Expect(err).To(HaveOccurred())
	})

	It("derives ids from timestamps in creation order", func() {
		first := NewBackupID(time.Date(2021, 1, 2, 12, 0, 0, 0, time.UTC))
		second := NewBackupID(time.Date(2021, 1, 2, 12, 0, 1, 0, time.UTC))
		Expect(first).To(Equal("20210102T120000"))
		Expect(first < second).To(BeTrue())
	})
})
