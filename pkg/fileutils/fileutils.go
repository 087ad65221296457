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

// Package fileutils contains the low level file primitives every
// on-disk mutation of the catalog goes through. Published files are
// always written to a temporary name, synced, and renamed in place.
package fileutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileExists checks if a file exists and is not a directory
func FileExists(fileName string) (bool, error) {
	info, err := os.Stat(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// EnsureDirectoryExists creates a directory and every missing parent
func EnsureDirectoryExists(destinationDir string) error {
	if _, err := os.Stat(destinationDir); os.IsNotExist(err) {
		return os.MkdirAll(destinationDir, 0o700)
	}
	return nil
}

// EnsureParentDirectoryExist ensures the directory containing the
// passed file name exists
func EnsureParentDirectoryExist(fileName string) error {
	return EnsureDirectoryExists(filepath.Dir(fileName))
}

// WriteStringToFile writes a string to a file, creating missing parent
// directories. The first return value is true when the file content
// changed.
func WriteStringToFile(fileName string, contents string) (bool, error) {
	return WriteFileAtomic(fileName, []byte(contents), 0o600)
}

// WriteFileAtomic writes a file with the write-to-temp, fsync, rename
// sequence, so that readers see either the old or the new content.
// The first return value is true when the file content changed.
func WriteFileAtomic(fileName string, contents []byte, perm os.FileMode) (bool, error) {
	exists, err := FileExists(fileName)
	if err != nil {
		return false, err
	}
	if exists {
		previous, err := os.ReadFile(fileName) // #nosec
		if err != nil {
			return false, err
		}
		if bytes.Equal(previous, contents) {
			return false, nil
		}
	}

	if err := EnsureParentDirectoryExist(fileName); err != nil {
		return false, err
	}

	tempName := fileName + ".tmp"
	tempFile, err := os.OpenFile(tempName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec
	if err != nil {
		return false, err
	}

	if _, err := tempFile.Write(contents); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempName)
		return false, err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempName)
		return false, err
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempName)
		return false, err
	}

	if err := os.Rename(tempName, fileName); err != nil {
		_ = os.Remove(tempName)
		return false, err
	}

	return true, SyncDirectory(filepath.Dir(fileName))
}

// SyncDirectory flushes a directory entry to the storage, making a
// previous rename durable
func SyncDirectory(dirName string) error {
	dir, err := os.Open(dirName) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = dir.Close()
	}()
	return dir.Sync()
}

// CopyFile copies a binary file from a source to its destination,
// creating missing parent directories
func CopyFile(source, destination string) (err error) {
	if err := EnsureParentDirectoryExist(destination); err != nil {
		return err
	}

	var in *os.File
	if in, err = os.Open(source); err != nil { // #nosec
		return err
	}
	defer func() {
		closeError := in.Close()
		if err == nil && closeError != nil {
			err = closeError
		}
	}()

	var out *os.File
	if out, err = os.Create(filepath.Clean(destination)); err != nil {
		return err
	}
	defer func() {
		closeError := out.Close()
		if err == nil && closeError != nil {
			err = closeError
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}

	return out.Sync()
}

// MoveFile moves a file, falling back to a copy-and-delete when the
// source and the destination are on different file systems
func MoveFile(source, destination string) error {
	if err := EnsureParentDirectoryExist(destination); err != nil {
		return err
	}
	if err := os.Rename(source, destination); err == nil {
		return nil
	}
	if err := CopyFile(source, destination); err != nil {
		return err
	}
	return os.Remove(source)
}

// FileHash computes the hex-encoded SHA-256 hash of a file content
func FileHash(fileName string) (string, error) {
	in, err := os.Open(fileName) // #nosec
	if err != nil {
		return "", err
	}
	defer func() {
		_ = in.Close()
	}()

	digest := sha256.New()
	if _, err := io.Copy(digest, in); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// FileSize returns the size in bytes of a file, or an error when it
// does not exist
func FileSize(fileName string) (int64, error) {
	info, err := os.Stat(fileName)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// GetDirectoryContent returns the names of the entries of a directory
func GetDirectoryContent(dirName string) ([]string, error) {
	entries, err := os.ReadDir(dirName)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for idx, entry := range entries {
		names[idx] = entry.Name()
	}
	return names, nil
}

// RemoveDirectoryContent removes every entry of a directory, keeping
// the directory itself
func RemoveDirectoryContent(dirName string) error {
	names, err := GetDirectoryContent(dirName)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(dirName, name)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirectory removes a directory and its content
func RemoveDirectory(dirName string) error {
	return os.RemoveAll(dirName)
}

// RemoveFile removes a file, tolerating its absence
func RemoveFile(fileName string) error {
	err := os.Remove(fileName)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsDirectoryEmpty tells whether a directory contains no entries
func IsDirectoryEmpty(dirName string) (bool, error) {
	names, err := GetDirectoryContent(dirName)
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

// HardLinkFile creates destination as a hard link to source, creating
// missing parent directories
func HardLinkFile(source, destination string) error {
	if err := EnsureParentDirectoryExist(destination); err != nil {
		return err
	}
	return os.Link(source, destination)
}

// SameFile tells whether two paths point to the same inode
func SameFile(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(infoA, infoB), nil
}

// CleanupTemporaryFiles removes the leftover *.tmp files a crashed
// writer may have left in a directory
func CleanupTemporaryFiles(dirName string) error {
	names, err := GetDirectoryContent(dirName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		if filepath.Ext(name) == ".tmp" {
			if err := RemoveFile(filepath.Join(dirName, name)); err != nil {
				return fmt.Errorf("while removing temporary file %s: %w", name, err)
			}
		}
	}
	return nil
}
