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

package fileutils

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("File writing functions", func() {
	It("write a new file", func() {
		changed, err := WriteStringToFile(path.Join(GinkgoT().TempDir(), "test.txt"), "this is a test")
		Expect(changed).To(BeTrue())
		Expect(err).To(BeNil())
	})

	It("detect if the file has changed or not", func() {
		dir := GinkgoT().TempDir()
		changed, err := WriteStringToFile(path.Join(dir, "test2.txt"), "this is a test")
		Expect(changed).To(BeTrue())
		Expect(err).To(BeNil())

		changed2, err := WriteStringToFile(path.Join(dir, "test2.txt"), "this is a test")
		Expect(changed2).To(BeFalse())
		Expect(err).To(BeNil())
	})

	It("create a new directory if needed", func() {
		changed, err := WriteStringToFile(
			path.Join(GinkgoT().TempDir(), "test", "test3.txt"), "this is a test")
		Expect(changed).To(BeTrue())
		Expect(err).To(BeNil())
	})

	It("leaves no temporary file behind", func() {
		dir := GinkgoT().TempDir()
		_, err := WriteStringToFile(path.Join(dir, "published"), "content")
		Expect(err).To(BeNil())
		names, err := GetDirectoryContent(dir)
		Expect(err).To(BeNil())
		Expect(names).To(ConsistOf("published"))
	})
})

var _ = Describe("File copying functions", func() {
	It("copy files creating directories when needed", func() {
		dir := GinkgoT().TempDir()
		_, err := WriteStringToFile(path.Join(dir, "test.txt"), "this is a test")
		Expect(err).To(BeNil())

		err = CopyFile(path.Join(dir, "test.txt"), path.Join(dir, "temp", "test2.txt"))
		Expect(err).To(BeNil())

		result, err := FileExists(path.Join(dir, "temp", "test2.txt"))
		Expect(err).To(BeNil())
		Expect(result).To(BeTrue())
	})

	It("moves files across directories", func() {
		dir := GinkgoT().TempDir()
		source := path.Join(dir, "from")
		destination := path.Join(dir, "to", "nested")
		_, err := WriteStringToFile(source, "payload")
		Expect(err).To(BeNil())

		Expect(MoveFile(source, destination)).To(Succeed())
		sourceExists, _ := FileExists(source)
		Expect(sourceExists).To(BeFalse())
		content, err := os.ReadFile(destination)
		Expect(err).To(BeNil())
		Expect(string(content)).To(Equal("payload"))
	})

	It("removes the content of a directory", func() {
		dir := GinkgoT().TempDir()
		_, err := WriteStringToFile(path.Join(dir, "a.txt"), "a")
		Expect(err).To(BeNil())
		_, err = WriteStringToFile(path.Join(dir, "sub", "b.txt"), "b")
		Expect(err).To(BeNil())

		Expect(RemoveDirectoryContent(dir)).To(Succeed())
		empty, err := IsDirectoryEmpty(dir)
		Expect(err).To(BeNil())
		Expect(empty).To(BeTrue())
	})
})

var _ = Describe("function GetDirectoryContent", func() {
	It("returns error if directory doesn't exist", func() {
		_, err := GetDirectoryContent(filepath.Join(GinkgoT().TempDir(), "not-exists"))
		Expect(err).Should(HaveOccurred())
	})

	It("returns the list of file names in a directory", func() {
		dir := GinkgoT().TempDir()
		testFiles := make([]string, 10)
		for i := 0; i < 10; i++ {
			testFiles[i] = fmt.Sprintf("test_file_%v", i)
			file := filepath.Join(dir, testFiles[i])
			err := os.WriteFile(file, []byte("fake_content"), 0o400)
			Expect(err).ShouldNot(HaveOccurred())
		}
		files, err := GetDirectoryContent(dir)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(files).Should(ConsistOf(testFiles))
	})
})

var _ = Describe("Hashing and hard links", func() {
	It("hashes identical content identically", func() {
		dir := GinkgoT().TempDir()
		_, err := WriteStringToFile(path.Join(dir, "a"), "same content")
		Expect(err).To(BeNil())
		_, err = WriteStringToFile(path.Join(dir, "b"), "same content")
		Expect(err).To(BeNil())
		_, err = WriteStringToFile(path.Join(dir, "c"), "different")
		Expect(err).To(BeNil())

		hashA, err := FileHash(path.Join(dir, "a"))
		Expect(err).To(BeNil())
		hashB, err := FileHash(path.Join(dir, "b"))
		Expect(err).To(BeNil())
		hashC, err := FileHash(path.Join(dir, "c"))
		Expect(err).To(BeNil())
		Expect(hashA).To(Equal(hashB))
		Expect(hashA).ToNot(Equal(hashC))
	})

	It("creates hard links sharing the same inode", func() {
		dir := GinkgoT().TempDir()
		source := path.Join(dir, "original")
		link := path.Join(dir, "linked", "copy")
		_, err := WriteStringToFile(source, "shared")
		Expect(err).To(BeNil())

		Expect(HardLinkFile(source, link)).To(Succeed())
		same, err := SameFile(source, link)
		Expect(err).To(BeNil())
		Expect(same).To(BeTrue())
	})

	It("removes leftover temporary files", func() {
		dir := GinkgoT().TempDir()
		_, err := WriteStringToFile(path.Join(dir, "keep.txt"), "keep")
		Expect(err).To(BeNil())
		Expect(os.WriteFile(path.Join(dir, "crashed.tmp"), []byte("half"), 0o600)).To(Succeed())

		Expect(CleanupTemporaryFiles(dir)).To(Succeed())
		names, err := GetDirectoryContent(dir)
		Expect(err).To(BeNil())
		Expect(names).To(ConsistOf("keep.txt"))
	})
})
