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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// newTestStore builds a store rooted in a fresh temporary barman home
func newTestStore(compressionName string) *Store {
	home := GinkgoT().TempDir()

	configContent := fmt.Sprintf("[barman]\nbarman_home = %s\n\n[main]\nconninfo = host=localhost\n", home)
	if compressionName != "" {
		configContent += "compression = " + compressionName + "\n"
	}
	configPath := filepath.Join(home, "barman.conf")
	Expect(os.WriteFile(configPath, []byte(configContent), 0o600)).To(Succeed())

	configuration, err := config.Load(configPath)
	Expect(err).ToNot(HaveOccurred())
	server, err := configuration.Server("main")
	Expect(err).ToNot(HaveOccurred())

	store := NewStore(server)
	Expect(store.EnsureLayout()).To(Succeed())
	return store
}

func writeDoneBackup(store *Store, backupID, beginWAL, endWAL string) *BackupInfo {
	Expect(store.CreateBackupDir(backupID)).To(Succeed())
	info := &BackupInfo{
		BackupID:   backupID,
		ServerName: store.Server().Name,
		Status:     BackupDone,
		Type:       BackupTypeFull,
		BeginTime:  time.Now(),
		EndTime:    time.Now(),
		BeginWAL:   beginWAL,
		EndWAL:     endWAL,
		Timeline:   1,
	}
	Expect(store.WriteBackupInfo(info)).To(Succeed())
	return info
}

var _ = Describe("Catalog store", func() {
	It("refuses to create the same backup twice", func() {
		store := newTestStore("")
		Expect(store.CreateBackupDir("20210101T000000")).To(Succeed())
		Expect(store.CreateBackupDir("20210101T000000")).ToNot(Succeed())
	})

	It("lists backups ordered by id ascending", func() {
		store := newTestStore("")
		writeDoneBackup(store, "20210103T000000", "000000010000000000000003", "000000010000000000000003")
		writeDoneBackup(store, "20210101T000000", "000000010000000000000001", "000000010000000000000001")
		writeDoneBackup(store, "20210102T000000", "000000010000000000000002", "000000010000000000000002")

		backups, problems := store.ListBackups(BackupFilter{})
		Expect(problems).To(BeEmpty())
		Expect(backups).To(HaveLen(3))
		Expect(backups[0].BackupID).To(Equal("20210101T000000"))
		Expect(backups[2].BackupID).To(Equal("20210103T000000"))
	})

	It("filters by status and keep", func() {
		store := newTestStore("")
		info := writeDoneBackup(store, "20210101T000000",
			"000000010000000000000001", "000000010000000000000001")
		info.Status = BackupFailed
		Expect(store.WriteBackupInfo(info)).To(Succeed())
		kept := writeDoneBackup(store, "20210102T000000",
			"000000010000000000000002", "000000010000000000000002")
		kept.Keep = KeepFull
		Expect(store.WriteBackupInfo(kept)).To(Succeed())

		done, _ := store.ListBackups(BackupFilter{Status: []BackupStatus{BackupDone}})
		Expect(done).To(HaveLen(1))
		pinned, _ := store.ListBackups(BackupFilter{OnlyKeep: true})
		Expect(pinned).To(HaveLen(1))
		Expect(pinned[0].BackupID).To(Equal("20210102T000000"))
	})

	It("refuses to delete a backup with descendants", func() {
		store := newTestStore("")
		parent := writeDoneBackup(store, "20210101T000000",
			"000000010000000000000001", "000000010000000000000001")
		child := writeDoneBackup(store, "20210102T000000",
			"000000010000000000000002", "000000010000000000000002")
		child.Type = BackupTypeIncrementalBlock
		child.ParentBackupID = parent.BackupID
		Expect(store.WriteBackupInfo(child)).To(Succeed())

		err := store.DeleteBackup(parent.BackupID)
		var violation *errs.RetentionViolationError
		Expect(err).To(BeAssignableToTypeOf(violation))

		Expect(store.DeleteBackup(child.BackupID)).To(Succeed())
		Expect(store.DeleteBackup(parent.BackupID)).To(Succeed())
		backups, _ := store.ListBackups(BackupFilter{})
		Expect(backups).To(BeEmpty())
	})

	It("resolves the documented id shortcuts", func() {
		store := newTestStore("")
		writeDoneBackup(store, "20210101T000000", "000000010000000000000001", "000000010000000000000001")
		writeDoneBackup(store, "20210102T000000", "000000010000000000000002", "000000010000000000000002")
		failed := writeDoneBackup(store, "20210103T000000",
			"000000010000000000000003", "000000010000000000000003")
		failed.Status = BackupFailed
		Expect(store.WriteBackupInfo(failed)).To(Succeed())

		Expect(store.ResolveBackupID("first")).To(Equal("20210101T000000"))
		Expect(store.ResolveBackupID("oldest")).To(Equal("20210101T000000"))
		Expect(store.ResolveBackupID("last")).To(Equal("20210102T000000"))
		Expect(store.ResolveBackupID("latest")).To(Equal("20210102T000000"))
		Expect(store.ResolveBackupID("last-full")).To(Equal("20210102T000000"))
		Expect(store.ResolveBackupID("last-failed")).To(Equal("20210103T000000"))
		Expect(store.ResolveBackupID("20210102T000000")).To(Equal("20210102T000000"))

		_, err := store.ResolveBackupID("20990101T000000")
		Expect(err).To(HaveOccurred())
	})

	It("cleans up trash entries and temporary files", func() {
		store := newTestStore("")
		trash := filepath.Join(store.Server().BackupsDirectory(), trashPrefix+"20210101T000000")
		Expect(os.MkdirAll(trash, 0o700)).To(Succeed())
		stale := filepath.Join(store.Server().WalsDirectory(), "xlog.db.tmp")
		Expect(os.WriteFile(stale, []byte("partial"), 0o600)).To(Succeed())

		Expect(store.CleanupTrash()).To(Succeed())

		exists, err := fileutils.FileExists(stale)
		Expect(err).ToNot(HaveOccurred())
		Expect(exists).To(BeFalse())
		_, err = os.Stat(trash)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})
