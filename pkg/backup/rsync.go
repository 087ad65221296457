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

package backup

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/kballard/go-shellquote"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// rsyncExcludes are the cluster files never worth copying: runtime
// state PostgreSQL rebuilds on start, plus the WAL stream the archive
// already owns
var rsyncExcludes = []string{
	"/pg_wal/*", "/pg_xlog/*",
	"/pg_replslot/*", "/pg_dynshmem/*", "/pg_notify/*",
	"/pg_serial/*", "/pg_snapshots/*", "/pg_stat_tmp/*", "/pg_subtrans/*",
	"/postmaster.pid", "/postmaster.opts",
}

// rsyncEngine is the delta-copy engine, over SSH or against the local
// file system when Barman runs as the PostgreSQL OS user
type rsyncEngine struct {
	remote bool
}

// copyJob is one path set to transfer
type copyJob struct {
	label       string
	source      string
	destination string
	linkDest    string
}

func (engine *rsyncEngine) Copy(ctx context.Context, req *copyRequest) error {
	server := req.server

	if engine.remote && server.SSHCommand == "" {
		return errs.Configurationf("server %q uses backup_method=rsync without ssh_command",
			server.Name)
	}

	// a keep-alive on the control connection prevents idle-connection
	// drops by intermediate NAT and firewalls during long copies
	stopKeepAlive := req.conn.StartKeepAlive(ctx, server.KeepaliveInterval)
	defer stopKeepAlive()

	reuse := server.ReuseBackup
	if req.options.ReuseBackup != "" {
		reuse = req.options.ReuseBackup
	}
	var reference *copyReference
	if reuse != config.ReuseBackupOff {
		reference = engine.findReference(req)
	}

	jobs, err := engine.buildJobs(req, reference)
	if err != nil {
		return err
	}

	return engine.runJobs(ctx, req, jobs, reuse)
}

// copyReference is the previous DONE backup used for deduplication
type copyReference struct {
	backupID string
	dataDir  string
	tbsRoot  string
}

func (engine *rsyncEngine) findReference(req *copyRequest) *copyReference {
	latest := req.store.LatestBackup(catalog.BackupFilter{
		Status: []catalog.BackupStatus{catalog.BackupDone},
	})
	if latest == nil {
		return nil
	}
	return &copyReference{
		backupID: latest.BackupID,
		dataDir:  req.store.BackupDataDirectory(latest.BackupID),
		tbsRoot:  filepath.Join(req.store.BackupDirectory(latest.BackupID), "tablespaces"),
	}
}

// buildJobs prepares one copy job per path set: the main data
// directory plus one per tablespace
func (engine *rsyncEngine) buildJobs(req *copyRequest, reference *copyReference) ([]copyJob, error) {
	backupDir := req.store.BackupDirectory(req.info.BackupID)

	jobs := []copyJob{{
		label:       "pgdata",
		source:      req.pgData,
		destination: filepath.Join(backupDir, "data"),
	}}
	if reference != nil {
		jobs[0].linkDest = reference.dataDir
	}

	for _, tbs := range req.tablespaces {
		job := copyJob{
			label:       "tablespace " + tbs.Name,
			source:      tbs.Location,
			destination: filepath.Join(backupDir, "tablespaces", tbs.Name),
		}
		if reference != nil {
			job.linkDest = filepath.Join(reference.tbsRoot, tbs.Name)
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if err := fileutils.EnsureDirectoryExists(job.destination); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// runJobs executes the copy jobs with bounded parallelism. Workers
// start in batches of the configured size every configured period, to
// cap the rate of SSH-session setup.
func (engine *rsyncEngine) runJobs(
	ctx context.Context,
	req *copyRequest,
	jobs []copyJob,
	reuse config.ReuseBackupMode,
) error {
	server := req.server

	parallel := server.ParallelJobs
	if parallel < 1 {
		parallel = 1
	}
	batchSize := server.JobsStartBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	jobsChan := make(chan copyJob)
	errChan := make(chan error, len(jobs))
	var waitGroup sync.WaitGroup

	workers := parallel
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for idx := 0; idx < workers; idx++ {
		// stagger worker starts batch by batch
		if idx > 0 && idx%batchSize == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(server.JobsStartBatchPeriod):
			}
		}

		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for job := range jobsChan {
				errChan <- engine.runOne(ctx, req, job, reuse)
			}
		}()
	}

	go func() {
		defer close(jobsChan)
		for _, job := range jobs {
			select {
			case <-ctx.Done():
				return
			case jobsChan <- job:
			}
		}
	}()

	waitGroup.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// runOne transfers one path set, retrying connection failures within
// the configured retry policy
func (engine *rsyncEngine) runOne(
	ctx context.Context,
	req *copyRequest,
	job copyJob,
	reuse config.ReuseBackupMode,
) error {
	server := req.server
	contextLog := log.FromContext(ctx).WithValues("server", server.Name, "pathSet", job.label)

	args := []string{"-rLKpts", "--delete-excluded"}
	for _, exclude := range rsyncExcludes {
		args = append(args, "--exclude", exclude)
	}
	if server.BandwidthLimitKBps > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", server.BandwidthLimitKBps))
	}
	if req.options.Checksum {
		args = append(args, "--checksum")
	}
	switch {
	case job.linkDest != "" && reuse == config.ReuseBackupLink:
		// unchanged files become hard links into the reference backup
		args = append(args, "--link-dest="+job.linkDest)
	case job.linkDest != "" && reuse == config.ReuseBackupCopy:
		args = append(args, "--copy-dest="+job.linkDest)
	}

	source := job.source + "/"
	if engine.remote {
		sshCommand, host, err := splitSSHCommand(server.SSHCommand)
		if err != nil {
			return err
		}
		args = append(args, "-e", sshCommand)
		source = host + ":" + job.source + "/"
	}
	args = append(args, source, job.destination)

	attempts := server.RetryTimes + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			contextLog.Warning("Retrying the delta copy",
				"attempt", attempt, "error", lastErr.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(server.RetrySleep):
			}
		}

		cmd := exec.CommandContext(ctx, "rsync", args...) // #nosec
		lastErr = execlog.RunStreaming(cmd, "rsync")
		if lastErr == nil {
			return nil
		}
	}
	return &errs.ConnectionError{Op: "delta copy of " + job.label, Err: lastErr}
}

// splitSSHCommand parses a configured ssh_command, returning the
// transport option for rsync and the remote host specification
func splitSSHCommand(sshCommand string) (transport string, host string, err error) {
	tokens, err := shlex.Split(sshCommand)
	if err != nil || len(tokens) == 0 {
		return "", "", errs.Configurationf("cannot parse ssh_command %q", sshCommand)
	}

	// the last token not starting with a dash is the host
	hostIndex := -1
	for idx := len(tokens) - 1; idx > 0; idx-- {
		if tokens[idx][0] != '-' {
			hostIndex = idx
			break
		}
	}
	if hostIndex < 0 {
		return "", "", errs.Configurationf("ssh_command %q does not name a host", sshCommand)
	}

	host = tokens[hostIndex]
	remaining := append(append([]string{}, tokens[:hostIndex]...), tokens[hostIndex+1:]...)
	return shellquote.Join(remaining...), host, nil
}
