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

// Package wal implement the WAL plumbing commands: switch-wal,
// archive-wal, receive-wal, rebuild-xlogdb, get-wal and put-wal
package wal

import (
	"archive/tar"
	"crypto/md5" // #nosec G501
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/EnterpriseDB/barman/internal/cmd/barman"
	"github.com/EnterpriseDB/barman/pkg/archiver"
	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/compression"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// NewSwitchCmd creates the switch-wal command
func NewSwitchCmd() *cobra.Command {
	var force bool
	var archive bool
	var archiveTimeout int

	cmd := cobra.Command{
		Use:           "switch-wal <server>",
		Short:         "Force a WAL switch on the given servers",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("switch-wal")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			for _, name := range barman.ServerNames(args[0]) {
				server, err := barman.Configuration().Server(name)
				if err != nil {
					return err
				}
				conn, err := postgres.Connect(ctx, server.Conninfo)
				if err != nil {
					return err
				}

				if force {
					if err := conn.Checkpoint(ctx); err != nil {
						_ = conn.Close()
						return err
					}
				}
				lsn, err := conn.SwitchWAL(ctx)
				if err != nil {
					_ = conn.Close()
					return err
				}
				timeline, err := conn.CurrentTimeline(ctx)
				if err != nil {
					_ = conn.Close()
					return err
				}
				segmentSize, err := conn.WALSegmentSize(ctx)
				_ = conn.Close()
				if err != nil {
					return err
				}

				segment, err := postgres.SegmentFromLSN(lsn, timeline, segmentSize)
				if err != nil {
					return err
				}
				contextLog.Info("WAL switch requested",
					"server", name, "switchedSegment", segment.Name())

				if archive {
					if err := waitForArchived(name, segment.Name(), archiveTimeout); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run a CHECKPOINT before the switch")
	cmd.Flags().BoolVar(&archive, "archive", false,
		"wait for the switched segment to appear in the archive")
	cmd.Flags().IntVar(&archiveTimeout, "archive-timeout", 30,
		"seconds to wait for the switched segment")

	return &cmd
}

func waitForArchived(serverName, segmentName string, timeoutSeconds int) error {
	store, err := barman.StoreFor(serverName)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	for {
		entry, err := store.FindArchivedWAL(segmentName)
		if err != nil {
			return err
		}
		if entry != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("segment %s did not reach the archive within %d seconds",
				segmentName, timeoutSeconds)
		}
		time.Sleep(time.Second)
	}
}

// NewArchiveCmd creates the archive-wal command
func NewArchiveCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "archive-wal <server>",
		Short:         "Promote the landed WAL files into the archive",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("archive-wal")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			for _, name := range barman.ServerNames(args[0]) {
				store, err := barman.StoreFor(name)
				if err != nil {
					return err
				}
				result, err := archiver.New(store, barman.Configuration().LockDirectory).Pass(ctx)
				if err != nil {
					return err
				}
				contextLog.Info("Archiver pass completed",
					"server", name,
					"archived", len(result.Archived),
					"duplicates", len(result.Duplicates),
					"rejected", len(result.Rejected))
			}
			return nil
		},
	}
	return &cmd
}

// NewReceiveCmd creates the receive-wal command
func NewReceiveCmd() *cobra.Command {
	var stop bool
	var createSlot bool
	var dropSlot bool
	var reset bool

	cmd := cobra.Command{
		Use:           "receive-wal <server>",
		Short:         "Run or control the streaming WAL receiver",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("receive-wal")
			ctx := log.IntoContext(cmd.Context(), contextLog)

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			server := store.Server()
			receiver := archiver.NewReceiver(store, barman.Configuration().LockDirectory)

			switch {
			case stop:
				return receiver.Stop(ctx)
			case reset:
				return receiver.Reset()
			case dropSlot:
				if server.SlotName == "" {
					return errs.Configurationf("server %q has no slot_name", server.Name)
				}
				conn, err := postgres.Connect(ctx, server.Conninfo)
				if err != nil {
					return err
				}
				defer func() {
					_ = conn.Close()
				}()
				return conn.DropReplicationSlot(ctx, server.SlotName)
			}

			if !server.StreamingArchiver {
				return errs.Configurationf(
					"server %q does not enable streaming_archiver", server.Name)
			}
			return receiver.Run(ctx, createSlot || server.CreateSlot == "auto")
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "stop the running receiver")
	cmd.Flags().BoolVar(&createSlot, "create-slot", false,
		"create the replication slot before streaming")
	cmd.Flags().BoolVar(&dropSlot, "drop-slot", false, "drop the replication slot")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the receiver status")

	return &cmd
}

// NewRebuildCmd creates the rebuild-xlogdb command
func NewRebuildCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "rebuild-xlogdb <server>",
		Short:         "Rebuild the WAL archive index from the files on disk",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("rebuild-xlogdb")

			for _, name := range barman.ServerNames(args[0]) {
				store, err := barman.StoreFor(name)
				if err != nil {
					return err
				}

				locksDir := barman.Configuration().LockDirectory
				serverLock, err := lock.TryAcquire(locksDir, name, lock.ScopeServer)
				if err != nil {
					return err
				}
				archiveLock, err := lock.TryAcquire(locksDir, name, lock.ScopeArchive)
				if err != nil {
					_ = serverLock.Release()
					return err
				}

				count, err := store.RebuildXLogDB()
				_ = archiveLock.Release()
				_ = serverLock.Release()
				if err != nil {
					return err
				}
				contextLog.Info("Rebuilt the WAL archive index",
					"server", name, "entries", count)
			}
			return nil
		},
	}
	return &cmd
}

// NewGetCmd creates the get-wal command
func NewGetCmd() *cobra.Command {
	var outputGzip bool
	var partial bool
	var peek int

	cmd := cobra.Command{
		Use:           "get-wal <server> <wal-name>",
		Short:         "Stream a WAL file from the archive to standard output",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			walName := args[1]

			if peek > 0 {
				return peekSegments(store, walName, peek)
			}

			entry, err := store.LookupWAL(walName)
			if err != nil {
				return err
			}
			if entry == nil {
				if partial {
					return streamPartial(store, walName, outputGzip)
				}
				return errs.Inputf("WAL file %s not found in the archive of %s",
					walName, args[0])
			}

			return streamEntry(store, *entry, outputGzip)
		},
	}
	cmd.Flags().BoolVarP(&outputGzip, "output-gzip", "z", false,
		"gzip the output stream")
	cmd.Flags().BoolVarP(&partial, "partial", "P", false,
		"also serve the current partial file of the active timeline")
	cmd.Flags().IntVar(&peek, "peek", 0,
		"report up to this number of archived segments starting from the requested one")

	return &cmd
}

// streamEntry writes the uncompressed content of an archived WAL file
// to standard output, optionally re-compressing the stream with gzip
func streamEntry(store *catalog.Store, entry catalog.WALFileEntry, outputGzip bool) error {
	in, err := os.Open(store.WALArchivePath(entry)) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, closeOut := outputWriter(outputGzip)
	defer closeOut()

	if entry.Compression != "" {
		compressor, err := compression.Get(entry.Compression)
		if err != nil {
			return err
		}
		return compressor.Decompress(out, in)
	}
	_, err = io.Copy(out, in)
	return err
}

// streamPartial serves the current partial file of a segment still
// being streamed by the receiver
func streamPartial(store *catalog.Store, walName string, outputGzip bool) error {
	path := filepath.Join(store.Server().StreamingDirectory(), walName+postgres.PartialSuffix)
	in, err := os.Open(path) // #nosec
	if err != nil {
		if os.IsNotExist(err) {
			return errs.Inputf("no partial file for segment %s", walName)
		}
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, closeOut := outputWriter(outputGzip)
	defer closeOut()
	_, err = io.Copy(out, in)
	return err
}

// outputWriter wraps standard output with a gzip stream when asked
func outputWriter(outputGzip bool) (io.Writer, func()) {
	if !outputGzip {
		return os.Stdout, func() {}
	}
	gzipWriter := gzip.NewWriter(os.Stdout)
	return gzipWriter, func() {
		_ = gzipWriter.Close()
	}
}

func peekSegments(store *catalog.Store, walName string, peek int) error {
	segment, err := postgres.SegmentFromName(walName)
	if err != nil {
		return errs.Inputf("invalid WAL segment name %q", walName)
	}
	for _, candidate := range segment.NextSegments(peek, nil, nil) {
		entry, err := store.FindArchivedWAL(candidate.Name())
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		fmt.Println(candidate.Name())
	}
	return nil
}

// NewPutCmd creates the put-wal command
func NewPutCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:           "put-wal <server>",
		Short:         "Receive a WAL file from standard input into incoming/",
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextLog := log.WithName("put-wal")

			store, err := barman.StoreFor(args[0])
			if err != nil {
				return err
			}
			if err := store.EnsureLayout(); err != nil {
				return err
			}

			name, content, err := readPutWALEnvelope(os.Stdin)
			if err != nil {
				return err
			}

			destination := filepath.Join(store.Server().IncomingDirectory(), name)
			if exists, err := fileutils.FileExists(destination); err != nil {
				return err
			} else if exists {
				return errs.Inputf("WAL file %s is already waiting in incoming/", name)
			}
			if _, err := fileutils.WriteFileAtomic(destination, content, 0o600); err != nil {
				return err
			}
			contextLog.Info("WAL file received",
				"server", args[0], "walName", name, "size", len(content))
			return nil
		},
	}
	return &cmd
}

// readPutWALEnvelope reads the tar envelope of put-wal: the WAL file
// plus a MD5SUMS entry carrying its checksum
func readPutWALEnvelope(reader io.Reader) (string, []byte, error) {
	var name string
	var content []byte
	var sums string

	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, errs.Inputf("malformed put-wal stream: %v", err)
		}

		body, err := io.ReadAll(tarReader)
		if err != nil {
			return "", nil, errs.Inputf("truncated put-wal stream: %v", err)
		}

		base := filepath.Base(header.Name)
		if base == "MD5SUMS" {
			sums = string(body)
			continue
		}
		if !postgres.IsWALSegmentName(base) && !postgres.IsHistoryFileName(base) &&
			!postgres.IsBackupFileName(base) {
			return "", nil, errs.Inputf("illegal WAL name %q in put-wal stream", base)
		}
		name = base
		content = body
	}

	if name == "" {
		return "", nil, errs.Inputf("put-wal stream carries no WAL file")
	}
	if sums == "" {
		return "", nil, errs.Inputf("put-wal stream carries no MD5SUMS")
	}

	digest := md5.Sum(content) // #nosec G401
	checksum := hex.EncodeToString(digest[:])
	for _, line := range strings.Split(sums, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && strings.HasSuffix(fields[1], name) {
			if fields[0] != checksum {
				return "", nil, errs.Inputf(
					"checksum mismatch for %s: expected %s, got %s", name, fields[0], checksum)
			}
			return name, content, nil
		}
	}
	return "", nil, errs.Inputf("MD5SUMS carries no entry for %s", name)
}
