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
	"io"
	"os"
	"os/exec"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

func init() {
	register(gzipCompressor{})
	register(pigzCompressor{})
	register(bzip2Compressor{})
	register(lz4Compressor{})
	register(zstdCompressor{})
	register(xzCompressor{})
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string       { return "gzip" }
func (gzipCompressor) Suffix() string     { return "gz" }
func (gzipCompressor) MagicBytes() []byte { return []byte{0x1f, 0x8b} }

func (gzipCompressor) CompressFile(source, destination string) error {
	return compressFileThrough(source, destination, func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriter(w), nil
	})
}

func (gzipCompressor) Decompress(dst io.Writer, src io.Reader) error {
	reader, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	_, err = io.Copy(dst, reader) // #nosec G110
	return err
}

// pigzCompressor forks the pigz binary, producing gzip-compatible
// output with parallel workers
type pigzCompressor struct{}

func (pigzCompressor) Name() string       { return "pigz" }
func (pigzCompressor) Suffix() string     { return "gz" }
func (pigzCompressor) MagicBytes() []byte { return []byte{0x1f, 0x8b} }

func (pigzCompressor) CompressFile(source, destination string) error {
	in, err := os.Open(source) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	cmd := exec.Command("pigz", "--stdout") // #nosec
	cmd.Stdin = in
	output, err := cmd.Output()
	if err != nil {
		return err
	}

	_, err = fileutils.WriteFileAtomic(destination, output, 0o600)
	return err
}

func (pigzCompressor) Decompress(dst io.Writer, src io.Reader) error {
	// pigz output is plain gzip
	return gzipCompressor{}.Decompress(dst, src)
}

type bzip2Compressor struct{}

func (bzip2Compressor) Name() string       { return "bzip2" }
func (bzip2Compressor) Suffix() string     { return "bz2" }
func (bzip2Compressor) MagicBytes() []byte { return []byte{0x42, 0x5a, 0x68} }

func (bzip2Compressor) CompressFile(source, destination string) error {
	return compressFileThrough(source, destination, func(w io.Writer) (io.WriteCloser, error) {
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	})
}

func (bzip2Compressor) Decompress(dst io.Writer, src io.Reader) error {
	reader, err := bzip2.NewReader(src, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	_, err = io.Copy(dst, reader) // #nosec G110
	return err
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string       { return "lz4" }
func (lz4Compressor) Suffix() string     { return "lz4" }
func (lz4Compressor) MagicBytes() []byte { return []byte{0x04, 0x22, 0x4d, 0x18} }

func (lz4Compressor) CompressFile(source, destination string) error {
	return compressFileThrough(source, destination, func(w io.Writer) (io.WriteCloser, error) {
		return lz4.NewWriter(w), nil
	})
}

func (lz4Compressor) Decompress(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, lz4.NewReader(src)) // #nosec G110
	return err
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string       { return "zstd" }
func (zstdCompressor) Suffix() string     { return "zst" }
func (zstdCompressor) MagicBytes() []byte { return []byte{0x28, 0xb5, 0x2f, 0xfd} }

func (zstdCompressor) CompressFile(source, destination string) error {
	return compressFileThrough(source, destination, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
}

func (zstdCompressor) Decompress(dst io.Writer, src io.Reader) error {
	reader, err := zstd.NewReader(src)
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(dst, reader.IOReadCloser()) // #nosec G110
	return err
}

type xzCompressor struct{}

func (xzCompressor) Name() string       { return "xz" }
func (xzCompressor) Suffix() string     { return "xz" }
func (xzCompressor) MagicBytes() []byte { return []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00} }

func (xzCompressor) CompressFile(source, destination string) error {
	return compressFileThrough(source, destination, func(w io.Writer) (io.WriteCloser, error) {
		return xz.NewWriter(w)
	})
}

func (xzCompressor) Decompress(dst io.Writer, src io.Reader) error {
	reader, err := xz.NewReader(src)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, reader) // #nosec G110
	return err
}
