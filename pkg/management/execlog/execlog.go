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

// Package execlog handles the execution of external helpers (rsync,
// ssh, pg_basebackup, pg_receivewal) redirecting their output to the
// logging subsystem
package execlog

import (
	"bufio"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/EnterpriseDB/barman/pkg/management/log"
)

const (
	// PipeKey is the key describing which pipe the output line came from
	PipeKey = "pipe"
	// StdOut is the PipeKey value for standard output
	StdOut = "stdout"
	// StdErr is the PipeKey value for standard error
	StdErr = "stderr"
)

// LogWriter implements io.Writer sending every line to the embedded
// logger
type LogWriter struct {
	Logger log.Logger
}

// Write logs the passed bytes as a single entry
func (w *LogWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.Logger.Info(string(p))
	return len(p), nil
}

// StreamingCmd is a supervised subprocess whose output is streamed to
// the logger. The zero value is not usable, use RunStreamingNoWait.
type StreamingCmd struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// RunStreaming executes a command, streams its output, and waits for
// its termination
func RunStreaming(cmd *exec.Cmd, cmdName string) error {
	streaming, err := RunStreamingNoWait(cmd, cmdName)
	if err != nil {
		return err
	}
	return streaming.Wait()
}

// RunStreamingNoWait executes a command streaming its output to the
// logger, returning without waiting for its termination
func RunStreamingNoWait(cmd *exec.Cmd, cmdName string) (*StreamingCmd, error) {
	logger := log.WithName(cmdName)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		streamLines(stdoutPipe, logger.WithValues(PipeKey, StdOut))
	}()
	go func() {
		defer close(stderrDone)
		streamLines(stderrPipe, logger.WithValues(PipeKey, StdErr))
	}()

	streaming := &StreamingCmd{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		<-stdoutDone
		<-stderrDone
		streaming.waitErr = cmd.Wait()
		close(streaming.done)
	}()

	return streaming, nil
}

func streamLines(pipe interface{ Read([]byte) (int, error) }, logger log.Logger) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
}

// Wait blocks until the process terminates, returning the error
// exec.Cmd.Wait would return
func (s *StreamingCmd) Wait() error {
	<-s.done
	return s.waitErr
}

// Pid returns the process id of the supervised command
func (s *StreamingCmd) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Terminate sends SIGTERM to the process, escalating to SIGKILL when
// the process survives the passed grace period
func (s *StreamingCmd) Terminate(gracePeriod time.Duration) error {
	if s.cmd.Process == nil {
		return errors.New("process not started")
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(gracePeriod):
		if err := s.cmd.Process.Kill(); err != nil {
			return err
		}
		<-s.done
		return nil
	}
}
