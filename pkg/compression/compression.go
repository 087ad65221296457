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

// Package compression implements the family of pluggable WAL
// compression filters. The catalog stores the algorithm name, never
// the filter itself.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

// None is the name recorded in the catalog for uncompressed files
const None = "none"

// Compressor is one compression algorithm
type Compressor interface {
	// Name is the algorithm name stored in the catalog
	Name() string

	// Suffix is the file name suffix appended to compressed files,
	// without the leading dot
	Suffix() string

	// MagicBytes is the file prefix identifying this algorithm
	MagicBytes() []byte

	// CompressFile compresses source into destination. The
	// destination is written atomically.
	CompressFile(source, destination string) error

	// Decompress streams the decompressed content of src into dst
	Decompress(dst io.Writer, src io.Reader) error
}

var registry = map[string]Compressor{}

func register(c Compressor) {
	registry[c.Name()] = c
}

// Get returns the compressor implementing the named algorithm
func Get(name string) (Compressor, error) {
	if c, ok := registry[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown compression algorithm %q", name)
}

// Algorithms returns the names of the available algorithms
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Detect identifies the compression of a file by its magic bytes,
// returning None when no known compression matches. The archiver uses
// this to pass through files that are already compressed.
func Detect(fileName string) (string, error) {
	in, err := os.Open(fileName) // #nosec
	if err != nil {
		return "", err
	}
	defer func() {
		_ = in.Close()
	}()

	prefix := make([]byte, 8)
	n, err := io.ReadFull(in, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	prefix = prefix[:n]

	for name, compressor := range registry {
		magic := compressor.MagicBytes()
		if len(magic) > 0 && bytes.HasPrefix(prefix, magic) {
			return name, nil
		}
	}
	return None, nil
}

// DecompressFile decompresses source into destination using the named
// algorithm, publishing the destination atomically
func DecompressFile(name, source, destination string) error {
	compressor, err := Get(name)
	if err != nil {
		return err
	}

	in, err := os.Open(source) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	var buffer bytes.Buffer
	if err := compressor.Decompress(&buffer, in); err != nil {
		return fmt.Errorf("while decompressing %s: %w", source, err)
	}

	_, err = fileutils.WriteFileAtomic(destination, buffer.Bytes(), 0o600)
	return err
}

// compressFileThrough implements the compress-to-temp, fsync, rename
// sequence shared by the in-process filters
func compressFileThrough(
	source, destination string,
	wrap func(io.Writer) (io.WriteCloser, error),
) error {
	in, err := os.Open(source) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	var buffer bytes.Buffer
	out, err := wrap(&buffer)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	_, err = fileutils.WriteFileAtomic(destination, buffer.Bytes(), 0o600)
	return err
}
