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

package recovery

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/compression"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// copyTree transfers the staged tree into the destination, locally or
// over SSH, honoring the delta and retry options
func (planner *Planner) copyTree(
	ctx context.Context,
	source, destination string,
	info *catalog.BackupInfo,
	options *Options,
) error {
	server := planner.store.Server()
	contextLog := log.FromContext(ctx)

	args := []string{"-rLKpts"}
	if options.Delta {
		args = append(args, "--delete")
	}
	if server.BandwidthLimitKBps > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", server.BandwidthLimitKBps))
	}

	target := destination
	if options.RemoteSSHCommand != "" {
		transport, host, err := splitRemoteCommand(options.RemoteSSHCommand)
		if err != nil {
			return err
		}
		args = append(args, "-e", transport)
		target = host + ":" + destination
	} else if err := fileutils.EnsureDirectoryExists(destination); err != nil {
		return err
	}
	args = append(args, source+"/", target)

	attempts := server.RetryTimes + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			contextLog.Warning("Retrying the recovery copy",
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
	return &errs.ConnectionError{Op: "recovery copy", Err: lastErr}
}

// decompressBackup extracts the per-tablespace tar files of a
// compressed backup into a staging directory
func (planner *Planner) decompressBackup(
	ctx context.Context,
	info *catalog.BackupInfo,
	staging string,
) error {
	backupDir := planner.store.BackupDirectory(info.BackupID)
	compressor, err := compression.Get(info.Compression)
	if err != nil {
		return err
	}

	names, err := fileutils.GetDirectoryContent(backupDir)
	if err != nil {
		return err
	}

	suffix := ".tar." + compressor.Suffix()
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}

		// base.tar.* extracts into the staging root, <oid>.tar.* into
		// the matching tablespace directory
		target := staging
		prefix := strings.TrimSuffix(name, suffix)
		if prefix != "base" {
			target = filepath.Join(staging, "tablespaces", prefix)
		}
		if err := fileutils.EnsureDirectoryExists(target); err != nil {
			return err
		}

		log.FromContext(ctx).Debug("Extracting compressed tablespace",
			"archive", name, "target", target)
		if err := extractTar(compressor, filepath.Join(backupDir, name), target); err != nil {
			return fmt.Errorf("while extracting %s: %w", name, err)
		}
	}
	return nil
}

// extractTar decompresses and unpacks one tar archive
func extractTar(compressor compression.Compressor, archivePath, target string) error {
	in, err := os.Open(archivePath) // #nosec
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	var decompressed bytes.Buffer
	if err := compressor.Decompress(&decompressed, in); err != nil {
		return err
	}

	reader := tar.NewReader(&decompressed)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		path := filepath.Join(target, filepath.Clean("/"+header.Name)) // #nosec
		switch header.Typeflag {
		case tar.TypeDir:
			if err := fileutils.EnsureDirectoryExists(path); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := fileutils.EnsureParentDirectoryExist(path); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, path); err != nil && !os.IsExist(err) {
				return err
			}
		case tar.TypeReg:
			if err := fileutils.EnsureParentDirectoryExist(path); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
				os.FileMode(header.Mode&0o777)) // #nosec G115
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, reader); err != nil { // #nosec G110
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// remapTablespaces redirects each tablespace directory to its mapped
// location, creating missing destinations and rebuilding the
// pg_tblspc symlinks
func (planner *Planner) remapTablespaces(
	ctx context.Context,
	info *catalog.BackupInfo,
	destination string,
	options *Options,
) error {
	if len(info.Tablespaces) == 0 {
		return nil
	}
	if options.RemoteSSHCommand != "" {
		return planner.remapTablespacesRemote(ctx, info, destination, options)
	}

	for _, tbs := range info.Tablespaces {
		location := tbs.Location
		if mapped, ok := options.TablespaceMapping[tbs.Name]; ok {
			location = mapped
		}

		if err := fileutils.EnsureDirectoryExists(location); err != nil {
			return err
		}

		// move the restored tablespace content into place
		restored := filepath.Join(destination, "tablespaces", tbs.Name)
		if exists, _ := fileutils.FileExists(filepath.Join(restored, "PG_VERSION")); exists || dirExists(restored) {
			if err := copyDirectoryContent(restored, location); err != nil {
				return err
			}
			if err := fileutils.RemoveDirectory(restored); err != nil {
				return err
			}
		}

		linkPath := filepath.Join(destination, "pg_tblspc", fmt.Sprintf("%d", tbs.OID))
		_ = fileutils.RemoveFile(linkPath)
		if err := fileutils.EnsureParentDirectoryExist(linkPath); err != nil {
			return err
		}
		if err := os.Symlink(location, linkPath); err != nil {
			return err
		}
		log.FromContext(ctx).Info("Remapped tablespace",
			"tablespace", tbs.Name, "location", location)
	}

	return fileutils.RemoveDirectory(filepath.Join(destination, "tablespaces"))
}

// remapTablespacesRemote rebuilds the tablespace layout on the remote
// destination host
func (planner *Planner) remapTablespacesRemote(
	ctx context.Context,
	info *catalog.BackupInfo,
	destination string,
	options *Options,
) error {
	for _, tbs := range info.Tablespaces {
		location := tbs.Location
		if mapped, ok := options.TablespaceMapping[tbs.Name]; ok {
			location = mapped
		}

		restored := filepath.Join(destination, "tablespaces", tbs.Name)
		linkPath := filepath.Join(destination, "pg_tblspc", fmt.Sprintf("%d", tbs.OID))
		script := fmt.Sprintf(
			"mkdir -p %q && if [ -d %q ]; then cp -a %q/. %q/ && rm -rf %q; fi && rm -f %q && ln -s %q %q",
			location, restored, restored, location, restored, linkPath, location, linkPath)
		if err := planner.runRemote(ctx, options.RemoteSSHCommand, script); err != nil {
			return err
		}
	}
	return planner.runRemote(ctx, options.RemoteSSHCommand,
		fmt.Sprintf("rm -rf %q", filepath.Join(destination, "tablespaces")))
}

// runRemote executes a shell script on the destination host
func (planner *Planner) runRemote(ctx context.Context, sshCommand, script string) error {
	tokens, err := shlex.Split(sshCommand)
	if err != nil || len(tokens) == 0 {
		return errs.Configurationf("cannot parse remote ssh command %q", sshCommand)
	}
	args := append(tokens[1:], "sh", "-c", script)
	cmd := exec.CommandContext(ctx, tokens[0], args...) // #nosec
	if err := execlog.RunStreaming(cmd, "ssh"); err != nil {
		return &errs.ConnectionError{Op: "remote command", Err: err}
	}
	return nil
}

// writeRemoteFile streams bytes into a file on the destination host
func (planner *Planner) writeRemoteFile(
	ctx context.Context,
	sshCommand, path string,
	content []byte,
	appendMode bool,
) error {
	redirect := ">"
	if appendMode {
		redirect = ">>"
	}
	tokens, err := shlex.Split(sshCommand)
	if err != nil || len(tokens) == 0 {
		return errs.Configurationf("cannot parse remote ssh command %q", sshCommand)
	}
	args := append(tokens[1:], "sh", "-c", fmt.Sprintf("cat %s %q", redirect, path))
	cmd := exec.CommandContext(ctx, tokens[0], args...) // #nosec
	cmd.Stdin = bytes.NewReader(content)
	if err := execlog.RunStreaming(cmd, "ssh"); err != nil {
		return &errs.ConnectionError{Op: "remote write", Err: err}
	}
	return nil
}

// splitRemoteCommand parses the remote ssh command of a recovery,
// returning the rsync transport and the host
func splitRemoteCommand(sshCommand string) (string, string, error) {
	tokens, err := shlex.Split(sshCommand)
	if err != nil || len(tokens) == 0 {
		return "", "", errs.Configurationf("cannot parse remote ssh command %q", sshCommand)
	}
	hostIndex := -1
	for idx := len(tokens) - 1; idx > 0; idx-- {
		if tokens[idx][0] != '-' {
			hostIndex = idx
			break
		}
	}
	if hostIndex < 0 {
		return "", "", errs.Configurationf("remote ssh command %q does not name a host", sshCommand)
	}
	host := tokens[hostIndex]
	remaining := append(append([]string{}, tokens[:hostIndex]...), tokens[hostIndex+1:]...)
	return strings.Join(remaining, " "), host, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// copyDirectoryContent copies every entry of a directory into another
func copyDirectoryContent(source, destination string) error {
	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destination, relative)
		if d.IsDir() {
			return fileutils.EnsureDirectoryExists(target)
		}
		return fileutils.CopyFile(path, target)
	})
}
