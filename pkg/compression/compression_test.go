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

package compression

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// the in-process algorithms; pigz needs the external binary and is
// covered by its gzip compatibility
var inProcessAlgorithms = []string{"gzip", "bzip2", "lz4", "zstd", "xz"}

var _ = Describe("Compression filters", func() {
	payload := bytes.Repeat([]byte("write-ahead log segment content\n"), 1024)

	It("knows every documented algorithm", func() {
		for _, name := range []string{"gzip", "pigz", "bzip2", "lz4", "zstd", "xz"} {
			compressor, err := Get(name)
			Expect(err).ToNot(HaveOccurred())
			Expect(compressor.Name()).To(Equal(name))
			Expect(compressor.Suffix()).ToNot(BeEmpty())
			Expect(compressor.MagicBytes()).ToNot(BeEmpty())
		}
	})

	It("rejects unknown algorithms", func() {
		_, err := Get("snappy")
		Expect(err).To(HaveOccurred())
	})

	It("round-trips byte-identical content", func() {
		for _, name := range inProcessAlgorithms {
			compressor, err := Get(name)
			Expect(err).ToNot(HaveOccurred())

			dir := GinkgoT().TempDir()
			source := filepath.Join(dir, "segment")
			compressed := filepath.Join(dir, "segment."+compressor.Suffix())
			Expect(os.WriteFile(source, payload, 0o600)).To(Succeed())

			Expect(compressor.CompressFile(source, compressed)).To(Succeed())

			in, err := os.Open(compressed)
			Expect(err).ToNot(HaveOccurred())
			var out bytes.Buffer
			Expect(compressor.Decompress(&out, in)).To(Succeed())
			Expect(in.Close()).To(Succeed())

			Expect(out.Bytes()).To(Equal(payload), "algorithm %s", name)
		}
	})

	It("stamps the compressed file with its magic bytes", func() {
		for _, name := range inProcessAlgorithms {
			compressor, err := Get(name)
			Expect(err).ToNot(HaveOccurred())

			dir := GinkgoT().TempDir()
			source := filepath.Join(dir, "segment")
			compressed := filepath.Join(dir, "compressed")
			Expect(os.WriteFile(source, payload, 0o600)).To(Succeed())
			Expect(compressor.CompressFile(source, compressed)).To(Succeed())

			detected, err := Detect(compressed)
			Expect(err).ToNot(HaveOccurred())
			// gzip and pigz share the same magic
			if name == "pigz" {
				name = "gzip"
			}
			expected := map[string]bool{name: true}
			if name == "gzip" {
				expected["pigz"] = true
			}
			Expect(expected).To(HaveKey(detected), "algorithm %s", name)
		}
	})

	It("reports no compression for plain files", func() {
		dir := GinkgoT().TempDir()
		plain := filepath.Join(dir, "plain")
		Expect(os.WriteFile(plain, payload, 0o600)).To(Succeed())

		detected, err := Detect(plain)
		Expect(err).ToNot(HaveOccurred())
		Expect(detected).To(Equal(None))
	})

	It("decompresses files atomically into place", func() {
		compressor, err := Get("gzip")
		Expect(err).ToNot(HaveOccurred())

		dir := GinkgoT().TempDir()
		source := filepath.Join(dir, "segment")
		compressed := filepath.Join(dir, "segment.gz")
		restored := filepath.Join(dir, "restored")
		Expect(os.WriteFile(source, payload, 0o600)).To(Succeed())
		Expect(compressor.CompressFile(source, compressed)).To(Succeed())

		Expect(DecompressFile("gzip", compressed, restored)).To(Succeed())
		content, err := os.ReadFile(restored)
		Expect(err).ToNot(HaveOccurred())
		Expect(content).To(Equal(payload))
	})
})
