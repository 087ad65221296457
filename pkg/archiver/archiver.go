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

// Package archiver implements the WAL ingestion pipeline: the
// archive-command drop-off in incoming/, the streaming receiver
// landing in streaming/, and the archiver pass promoting both into
// the per-server WAL archive.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/hook"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// lastArchivedFile is the meta file recording the most recent
// archived WAL name
const lastArchivedFile = "last-archived"

// Archiver promotes landed WAL files into the archive of one server
type Archiver struct {
	store      *catalog.Store
	dispatcher *hook.Dispatcher
	locksDir   string
}

// New creates an archiver for a server
func New(store *catalog.Store, locksDir string) *Archiver {
	return &Archiver{
		store:      store,
		dispatcher: hook.NewDispatcher(store.Server()),
		locksDir:   locksDir,
	}
}

// Result summarises one archiver pass
type Result struct {
	Archived   []string
	Duplicates []string
	Rejected   []string
}

// candidate is one file waiting to be promoted
type candidate struct {
	name string
	path string
}

// Pass runs one archiver pass under the archive lock. Files are
// promoted in ascending segment-name order so that xlog.db stays
// monotonic per timeline.
func (archiver *Archiver) Pass(ctx context.Context) (*Result, error) {
	server := archiver.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	archiveLock, err := lock.TryAcquire(archiver.locksDir, server.Name, lock.ScopeArchive)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = archiveLock.Release()
	}()

	if err := archiver.store.EnsureLayout(); err != nil {
		return nil, err
	}
	if err := archiver.sweepPartialFiles(ctx); err != nil {
		return nil, err
	}

	candidates, err := archiver.gatherCandidates(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, item := range candidates {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if err := archiver.archiveOne(ctx, item, result); err != nil {
			return result, err
		}
	}

	if len(result.Archived) > 0 {
		last := result.Archived[len(result.Archived)-1]
		if _, err := fileutils.WriteStringToFile(
			filepath.Join(server.MetaDirectory(), lastArchivedFile), last+"\n"); err != nil {
			contextLog.Error(err, "Cannot record the last archived WAL name")
		}
	}

	return result, nil
}

// gatherCandidates lists the promotable files of incoming/ and
// streaming/, rejecting illegal names, sorted ascending
func (archiver *Archiver) gatherCandidates(ctx context.Context) ([]candidate, error) {
	server := archiver.store.Server()

	var result []candidate
	for _, directory := range []string{server.IncomingDirectory(), server.StreamingDirectory()} {
		names, err := fileutils.GetDirectoryContent(directory)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, name := range names {
			if strings.HasSuffix(name, postgres.PartialSuffix) ||
				strings.HasSuffix(name, ".tmp") {
				continue
			}
			path := filepath.Join(directory, name)
			if !postgres.IsWALSegmentName(name) &&
				!postgres.IsHistoryFileName(name) &&
				!postgres.IsBackupFileName(name) {
				log.FromContext(ctx).Warning("Rejecting file with an illegal WAL name",
					"server", server.Name, "name", name)
				if err := archiver.store.MoveToErrors(path, "unknown"); err != nil {
					return nil, err
				}
				continue
			}
			result = append(result, candidate{name: name, path: path})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].name < result[j].name
	})
	return result, nil
}

// archiveOne promotes a single file, firing the archive hook scripts
// around the publication
func (archiver *Archiver) archiveOne(ctx context.Context, item candidate, result *Result) error {
	server := archiver.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name, "walName", item.name)

	size, err := fileutils.FileSize(item.path)
	if err != nil {
		return err
	}
	env := hook.ArchiveEnv(item.name, item.path, size, 0, server.Compression)

	if err := archiver.dispatcher.Fire(ctx, hook.PhasePre, hook.EventArchive, env); err != nil {
		if errors.Is(err, hook.ErrAborted) {
			contextLog.Warning("Archive pre-hook aborted, skipping file")
			return nil
		}
		return err
	}

	duplicate, err := archiver.store.RecordWAL(item.name, item.path, server.Compression)
	switch {
	case err == nil && duplicate:
		contextLog.Debug("Duplicate WAL file with identical content, dropping")
		if err := fileutils.RemoveFile(item.path); err != nil {
			return err
		}
		result.Duplicates = append(result.Duplicates, item.name)
	case err == nil:
		if err := fileutils.RemoveFile(item.path); err != nil {
			return err
		}
		contextLog.Info("Archived WAL file", "size", size)
		result.Archived = append(result.Archived, item.name)
	default:
		var duplicationError *errs.DuplicationError
		if errors.As(err, &duplicationError) {
			contextLog.Error(err, "Duplicate WAL file with different content")
			if moveErr := archiver.store.MoveToErrors(item.path, "duplicate"); moveErr != nil {
				return moveErr
			}
			result.Rejected = append(result.Rejected, item.name)
			// the archiver continues with the next file
			return archiver.dispatcher.Fire(ctx, hook.PhasePost, hook.EventArchive,
				env.ErrorEnv(err.Error()))
		}
		return fmt.Errorf("while archiving %s: %w", item.name, err)
	}

	return archiver.dispatcher.Fire(ctx, hook.PhasePost, hook.EventArchive, env)
}

// sweepPartialFiles enforces the one-partial-per-timeline invariant:
// when two partial files of the same timeline exist, the
// later-modified one wins and the older is moved to errors/
func (archiver *Archiver) sweepPartialFiles(ctx context.Context) error {
	server := archiver.store.Server()
	streamingDir := server.StreamingDirectory()

	names, err := fileutils.GetDirectoryContent(streamingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type partialFile struct {
		name    string
		modTime int64
	}
	byTimeline := make(map[string][]partialFile)
	for _, name := range names {
		if !strings.HasSuffix(name, postgres.PartialSuffix) {
			continue
		}
		segmentName := strings.TrimSuffix(name, postgres.PartialSuffix)
		if !postgres.IsWALSegmentName(segmentName) {
			continue
		}
		info, err := os.Stat(filepath.Join(streamingDir, name))
		if err != nil {
			continue
		}
		timeline := segmentName[0:8]
		byTimeline[timeline] = append(byTimeline[timeline],
			partialFile{name: name, modTime: info.ModTime().UnixNano()})
	}

	for timeline, partials := range byTimeline {
		if len(partials) < 2 {
			continue
		}
		sort.Slice(partials, func(i, j int) bool {
			return partials[i].modTime > partials[j].modTime
		})
		for _, loser := range partials[1:] {
			log.FromContext(ctx).Warning("Superseded partial WAL file, moving to errors",
				"server", server.Name, "timeline", timeline, "name", loser.name)
			if err := archiver.store.MoveToErrors(
				filepath.Join(streamingDir, loser.name), "superseded"); err != nil {
				return err
			}
		}
	}
	return nil
}
