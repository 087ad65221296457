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
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// landWAL drops a fake segment into a scratch path and records it
func landWAL(store *Store, name string, content []byte) (bool, error) {
	scratch := filepath.Join(store.Server().IncomingDirectory(), name)
	Expect(os.WriteFile(scratch, content, 0o600)).To(Succeed())
	duplicate, err := store.RecordWAL(name, scratch, store.Server().Compression)
	if err == nil {
		Expect(fileutils.RemoveFile(scratch)).To(Succeed())
	}
	return duplicate, err
}

var _ = Describe("WAL archive and xlog.db", func() {
	It("records WAL files and keeps the index matching the archive", func() {
		store := newTestStore("")
		names := []string{
			"0000000100000001000000A2",
			"0000000100000001000000A0",
			"0000000100000001000000A1",
		}
		sort.Strings(names)
		for _, name := range names {
			duplicate, err := landWAL(store, name, []byte("content of "+name))
			Expect(err).ToNot(HaveOccurred())
			Expect(duplicate).To(BeFalse())
		}

		entries, err := store.ReadXLogDB()
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(3))
		for idx := 1; idx < len(entries); idx++ {
			Expect(entries[idx-1].Name < entries[idx].Name).To(BeTrue())
		}
		for _, entry := range entries {
			exists, err := fileutils.FileExists(store.WALArchivePath(entry))
			Expect(err).ToNot(HaveOccurred())
			Expect(exists).To(BeTrue())
		}
	})

	It("is idempotent for identical content", func() {
		store := newTestStore("")
		const name = "0000000100000001000000B0"

		duplicate, err := landWAL(store, name, []byte("same bytes"))
		Expect(err).ToNot(HaveOccurred())
		Expect(duplicate).To(BeFalse())

		duplicate, err = landWAL(store, name, []byte("same bytes"))
		Expect(err).ToNot(HaveOccurred())
		Expect(duplicate).To(BeTrue())

		// the index carries exactly one line for the segment
		entries, err := store.ReadXLogDB()
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("strictly rejects differing content for the same name", func() {
		store := newTestStore("")
		const name = "0000000100000001000000B1"

		_, err := landWAL(store, name, []byte("original"))
		Expect(err).ToNot(HaveOccurred())

		_, err = landWAL(store, name, []byte("evil twin"))
		var duplication *errs.DuplicationError
		Expect(err).To(BeAssignableToTypeOf(duplication))
	})

	It("detects identical duplicates through compression", func() {
		store := newTestStore("gzip")
		const name = "0000000100000001000000B2"

		duplicate, err := landWAL(store, name, []byte("compressed payload"))
		Expect(err).ToNot(HaveOccurred())
		Expect(duplicate).To(BeFalse())

		duplicate, err = landWAL(store, name, []byte("compressed payload"))
		Expect(err).ToNot(HaveOccurred())
		Expect(duplicate).To(BeTrue())
	})

	It("rebuilds the index from the files on disk", func() {
		store := newTestStore("")
		for _, name := range []string{
			"0000000100000001000000C0",
			"0000000100000001000000C1",
			"00000002.history",
		} {
			_, err := landWAL(store, name, []byte(name))
			Expect(err).ToNot(HaveOccurred())
		}

		// corrupt the index, then rebuild it
		Expect(os.WriteFile(store.Server().XLogDBPath(), []byte("garbage\n"), 0o600)).To(Succeed())
		count, err := store.RebuildXLogDB()
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(3))

		entries, err := store.ReadXLogDB()
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(3))
		Expect(entries[0].Name).To(Equal("0000000100000001000000C0"))
		Expect(entries[1].Name).To(Equal("0000000100000001000000C1"))
		Expect(entries[2].Name).To(Equal("00000002.history"))
	})

	It("honors compression suffixes in archive paths", func() {
		store := newTestStore("")
		entry := WALFileEntry{
			Name:        "0000000100000001000000D0",
			Compression: "zstd",
			Time:        time.Now(),
		}
		Expect(store.WALArchivePath(entry)).To(HaveSuffix(
			filepath.Join("0000000100000001", "0000000100000001000000D0.zst")))
	})
})
