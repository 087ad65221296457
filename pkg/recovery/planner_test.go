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

package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newTestPlanner() (*Planner, *catalog.Store) {
	home := GinkgoT().TempDir()

	content := fmt.Sprintf("[barman]\nbarman_home = %s\n\n[main]\nconninfo = host=localhost\n", home)
	path := filepath.Join(home, "barman.conf")
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

	configuration, err := config.Load(path)
	Expect(err).ToNot(HaveOccurred())
	server, err := configuration.Server("main")
	Expect(err).ToNot(HaveOccurred())

	store := catalog.NewStore(server)
	Expect(store.EnsureLayout()).To(Succeed())
	return NewPlanner(store, configuration.LockDirectory), store
}

func doneBackupAt(store *catalog.Store, id string, endTime time.Time, beginWAL, endWAL string) *catalog.BackupInfo {
	Expect(store.CreateBackupDir(id)).To(Succeed())
	info := &catalog.BackupInfo{
		BackupID:   id,
		ServerName: "main",
		Status:     catalog.BackupDone,
		Type:       catalog.BackupTypeFull,
		BeginTime:  endTime.Add(-30 * time.Minute),
		EndTime:    endTime,
		BeginWAL:   beginWAL,
		EndWAL:     endWAL,
		Timeline:   1,
	}
	Expect(store.WriteBackupInfo(info)).To(Succeed())
	return info
}

func archiveFakeWAL(store *catalog.Store, name string) {
	scratch := filepath.Join(store.Server().IncomingDirectory(), name)
	Expect(os.WriteFile(scratch, []byte("wal "+name), 0o600)).To(Succeed())
	_, err := store.RecordWAL(name, scratch, "")
	Expect(err).ToNot(HaveOccurred())
	Expect(os.Remove(scratch)).To(Succeed())
}

var _ = Describe("Recovery planner validation", func() {
	It("fails before touching the destination when the WAL range is incomplete", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000001", "000000010000000100000003")
		archiveFakeWAL(store, "000000010000000100000001")
		// 02 is missing
		archiveFakeWAL(store, "000000010000000100000003")

		err := planner.validate(info, &Options{GetWAL: true})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("000000010000000100000002"))
	})

	It("accepts a backup whose required range is archived", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000001", "000000010000000100000002")
		archiveFakeWAL(store, "000000010000000100000001")
		archiveFakeWAL(store, "000000010000000100000002")

		Expect(planner.validate(info, &Options{})).To(Succeed())
	})

	It("refuses non-DONE backups", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000001", "000000010000000100000001")
		info.Status = catalog.BackupFailed
		Expect(store.WriteBackupInfo(info)).To(Succeed())

		Expect(planner.validate(info, &Options{})).ToNot(Succeed())
	})

	It("refuses delta restore of compressed and incremental backups", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000001", "000000010000000100000001")
		archiveFakeWAL(store, "000000010000000100000001")

		info.Compression = "gzip"
		Expect(planner.validate(info, &Options{Delta: true})).ToNot(Succeed())

		info.Compression = ""
		info.Type = catalog.BackupTypeIncrementalBlock
		info.ParentBackupID = "whatever"
		Expect(planner.validate(info, &Options{Delta: true, LocalStagingPath: GinkgoT().TempDir()})).
			ToNot(Succeed())
	})

	It("requires a staging path for block-level incremental chains", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000001", "000000010000000100000001")
		archiveFakeWAL(store, "000000010000000100000001")
		info.Type = catalog.BackupTypeIncrementalBlock
		info.ParentBackupID = "parent"

		Expect(planner.validate(info, &Options{})).ToNot(Succeed())
		Expect(planner.validate(info, &Options{LocalStagingPath: GinkgoT().TempDir()})).To(Succeed())
	})
})

var _ = Describe("Backup resolution", func() {
	It("resolves auto against a time target", func() {
		planner, store := newTestPlanner()
		doneBackupAt(store, "20210101T000000",
			time.Date(2021, 1, 1, 1, 0, 0, 0, time.UTC),
			"000000010000000100000001", "000000010000000100000001")
		doneBackupAt(store, "20210105T000000",
			time.Date(2021, 1, 5, 1, 0, 0, 0, time.UTC),
			"000000010000000100000005", "000000010000000100000005")

		info, err := planner.resolveBackup("auto", &Options{TargetTime: "2021-01-03 12:00:00"})
		Expect(err).ToNot(HaveOccurred())
		Expect(info.BackupID).To(Equal("20210101T000000"))

		info, err = planner.resolveBackup("auto", &Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(info.BackupID).To(Equal("20210105T000000"))
	})

	It("rejects a target time before every backup", func() {
		planner, store := newTestPlanner()
		doneBackupAt(store, "20210105T000000",
			time.Date(2021, 1, 5, 1, 0, 0, 0, time.UTC),
			"000000010000000100000005", "000000010000000100000005")

		_, err := planner.resolveBackup("auto", &Options{TargetTime: "2020-12-25 00:00:00"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Required WAL selection", func() {
	It("bounds the range at end-wal for an immediate target", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000002", "000000010000000100000003")
		for _, name := range []string{
			"000000010000000100000001",
			"000000010000000100000002",
			"000000010000000100000003",
			"000000010000000100000004",
		} {
			archiveFakeWAL(store, name)
		}

		entries, err := planner.requiredWALEntries(info, &Options{TargetImmediate: true})
		Expect(err).ToNot(HaveOccurred())
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name)
		}
		Expect(names).To(Equal([]string{
			"000000010000000100000002",
			"000000010000000100000003",
		}))
	})

	It("extends to the latest archived WAL without a target", func() {
		planner, store := newTestPlanner()
		info := doneBackupAt(store, "20210101T000000", time.Now(),
			"000000010000000100000002", "000000010000000100000003")
		for _, name := range []string{
			"000000010000000100000002",
			"000000010000000100000003",
			"000000010000000100000004",
		} {
			archiveFakeWAL(store, name)
		}

		entries, err := planner.requiredWALEntries(info, &Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(3))
		Expect(entries[len(entries)-1].Name).To(Equal("000000010000000100000004"))
	})
})
