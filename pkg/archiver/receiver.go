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

package archiver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/EnterpriseDB/barman/pkg/catalog"
	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
	"github.com/EnterpriseDB/barman/pkg/lock"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
	"github.com/EnterpriseDB/barman/pkg/postgres"
)

// receiverPidFile is the meta file recording the pid of the streaming
// receiver
const receiverPidFile = "receive-wal.pid"

// receiverGracePeriod bounds the receiver shutdown on stop and cancel
const receiverGracePeriod = 10 * time.Second

// Receiver supervises the long-lived pg_receivewal child of a server
type Receiver struct {
	store    *catalog.Store
	locksDir string
}

// NewReceiver creates a receiver supervisor for a server
func NewReceiver(store *catalog.Store, locksDir string) *Receiver {
	return &Receiver{store: store, locksDir: locksDir}
}

func (receiver *Receiver) pidFilePath() string {
	return filepath.Join(receiver.store.Server().MetaDirectory(), receiverPidFile)
}

// Pid reads the pid recorded by a running receiver, zero when none
func (receiver *Receiver) Pid() int {
	content, err := os.ReadFile(receiver.pidFilePath()) // #nosec
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0
	}
	return pid
}

// IsRunning probes whether the recorded receiver process is alive and
// actually is a pg_receivewal
func (receiver *Receiver) IsRunning() bool {
	pid := receiver.Pid()
	if pid == 0 {
		return false
	}
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return false
	}
	return strings.Contains(process.Executable(), "pg_receivewal")
}

// Run spawns pg_receivewal against the streaming connection of the
// server and blocks until it exits or the context is cancelled. The
// receiver lock prevents two concurrent receivers for the same
// server.
func (receiver *Receiver) Run(ctx context.Context, createSlot bool) error {
	server := receiver.store.Server()
	contextLog := log.FromContext(ctx).WithValues("server", server.Name)

	receiverLock, err := lock.TryAcquire(receiver.locksDir, server.Name, lock.ScopeReceiver)
	if err != nil {
		return err
	}
	defer func() {
		_ = receiverLock.Release()
	}()

	if err := receiver.store.EnsureLayout(); err != nil {
		return err
	}

	if createSlot && server.SlotName != "" {
		if err := receiver.ensureSlot(ctx); err != nil {
			return err
		}
	}

	args := []string{
		"--directory", server.StreamingDirectory(),
		"--dbname", server.StreamingConninfo,
		"--no-loop",
	}
	if server.SlotName != "" {
		args = append(args, "--slot", server.SlotName)
	}

	cmd := exec.Command("pg_receivewal", args...) // #nosec
	cmd.Env = append(os.Environ(),
		"PGAPPNAME="+server.StreamingArchiverName)

	streamingCmd, err := execlog.RunStreamingNoWait(cmd, "pg_receivewal")
	if err != nil {
		return &errs.ConnectionError{Op: "receive-wal", Err: err}
	}

	if _, err := fileutils.WriteStringToFile(
		receiver.pidFilePath(), fmt.Sprintf("%d\n", streamingCmd.Pid())); err != nil {
		contextLog.Error(err, "Cannot record the receiver pid")
	}
	defer func() {
		_ = fileutils.RemoveFile(receiver.pidFilePath())
	}()

	contextLog.Info("Streaming receiver started",
		"pid", streamingCmd.Pid(), "slot", server.SlotName)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- streamingCmd.Wait()
	}()

	select {
	case <-ctx.Done():
		contextLog.Info("Stopping the streaming receiver")
		_ = streamingCmd.Terminate(receiverGracePeriod)
		<-waitDone
		return ctx.Err()
	case err := <-waitDone:
		if err != nil {
			return fmt.Errorf("pg_receivewal terminated: %w", err)
		}
		return nil
	}
}

// Stop signals a running receiver to terminate
func (receiver *Receiver) Stop(ctx context.Context) error {
	pid := receiver.Pid()
	if pid == 0 || !receiver.IsRunning() {
		return fmt.Errorf("no streaming receiver running for server %s",
			receiver.store.Server().Name)
	}
	log.FromContext(ctx).Info("Signalling the streaming receiver",
		"server", receiver.store.Server().Name, "pid", pid)
	return syscall.Kill(pid, syscall.SIGTERM)
}

// Reset discards the receiver status, removing any partial file left
// in the streaming directory. To be used only when the receiver is
// not running.
func (receiver *Receiver) Reset() error {
	if receiver.IsRunning() {
		return fmt.Errorf("cannot reset while the streaming receiver is running")
	}
	server := receiver.store.Server()
	names, err := fileutils.GetDirectoryContent(server.StreamingDirectory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		if strings.HasSuffix(name, postgres.PartialSuffix) {
			if err := fileutils.RemoveFile(
				filepath.Join(server.StreamingDirectory(), name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureSlot creates the replication slot on the upstream when it
// does not exist yet
func (receiver *Receiver) ensureSlot(ctx context.Context) error {
	server := receiver.store.Server()
	conn, err := postgres.Connect(ctx, server.Conninfo)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	status, err := conn.GetReplicationSlot(ctx, server.SlotName)
	if err != nil {
		return err
	}
	if status.Exists {
		return nil
	}

	log.FromContext(ctx).Info("Creating the replication slot",
		"server", server.Name, "slot", server.SlotName)
	return conn.CreatePhysicalReplicationSlot(ctx, server.SlotName)
}
