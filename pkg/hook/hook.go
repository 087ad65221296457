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

// Package hook dispatches the operator-supplied scripts fired around
// lifecycle events. Scripts run outside all Barman locks and receive
// a consistent snapshot of the event through environment variables
// only.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"

	"github.com/EnterpriseDB/barman/pkg/config"
	"github.com/EnterpriseDB/barman/pkg/management/execlog"
	"github.com/EnterpriseDB/barman/pkg/management/log"
)

// Event is one of the lifecycle events scripts can be attached to
type Event string

// The hook events
const (
	EventBackup    Event = "backup"
	EventDelete    Event = "delete"
	EventArchive   Event = "archive"
	EventWALDelete Event = "wal_delete"
	EventRecovery  Event = "recovery"
)

// Phase tells whether the script fires before or after the event
type Phase string

// The hook phases
const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Retry script exit codes with a documented meaning
const (
	// ExitSuccess ends the retry loop
	ExitSuccess = 0
	// ExitAbortContinue ends the retry loop; the event proceeds but
	// the failure is logged
	ExitAbortContinue = 62
	// ExitAbortStop ends the retry loop and aborts the enclosing
	// event when fired in a pre-hook; treated as ExitAbortContinue in
	// a post-hook
	ExitAbortStop = 63
)

// ErrAborted is returned when a pre-hook retry script asked to abort
// the enclosing event
var ErrAborted = fmt.Errorf("hook script aborted the operation")

// Env is the set of event-specific variables exposed to the scripts
type Env map[string]string

// Dispatcher fires the scripts configured for a server
type Dispatcher struct {
	server *config.ServerConfig
}

// NewDispatcher creates a hook dispatcher for a server
func NewDispatcher(server *config.ServerConfig) *Dispatcher {
	return &Dispatcher{server: server}
}

// optionName builds the configuration option holding a script
func optionName(phase Phase, event Event, retry bool) string {
	if retry {
		return fmt.Sprintf("%s_%s_retry_script", phase, event)
	}
	return fmt.Sprintf("%s_%s_script", phase, event)
}

// Fire runs the scripts of one phase of an event. Execution order
// around an event is standard-pre, retry-pre, event, retry-post,
// standard-post. Standard script failures are ignored; retry scripts
// are re-invoked until they return a meaningful exit code.
func (dispatcher *Dispatcher) Fire(ctx context.Context, phase Phase, event Event, env Env) error {
	var first, second string
	if phase == PhasePre {
		first = dispatcher.server.Hooks[optionName(phase, event, false)]
		second = dispatcher.server.Hooks[optionName(phase, event, true)]
	} else {
		first = dispatcher.server.Hooks[optionName(phase, event, true)]
		second = dispatcher.server.Hooks[optionName(phase, event, false)]
	}

	var firstIsRetry, secondIsRetry bool
	if phase == PhasePre {
		firstIsRetry, secondIsRetry = false, true
	} else {
		firstIsRetry, secondIsRetry = true, false
	}

	if err := dispatcher.runScript(ctx, first, firstIsRetry, phase, event, env); err != nil {
		return err
	}
	return dispatcher.runScript(ctx, second, secondIsRetry, phase, event, env)
}

func (dispatcher *Dispatcher) runScript(
	ctx context.Context,
	script string,
	retry bool,
	phase Phase,
	event Event,
	env Env,
) error {
	if script == "" {
		return nil
	}
	contextLog := log.FromContext(ctx)

	args, err := shlex.Split(script)
	if err != nil || len(args) == 0 {
		contextLog.Error(err, "Cannot parse hook script command, skipping",
			"script", script)
		return nil
	}

	environ := append(os.Environ(),
		"BARMAN_SERVER="+dispatcher.server.Name,
		fmt.Sprintf("BARMAN_PHASE=%s", phase),
		fmt.Sprintf("BARMAN_HOOK=%s_%s_script", phase, event),
		fmt.Sprintf("BARMAN_RETRY=%d", boolToInt(retry)),
	)
	for key, value := range env {
		environ = append(environ, key+"="+value)
	}

	for {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec
		cmd.Env = environ
		err := execlog.RunStreaming(cmd, args[0])
		exitCode := exitCodeOf(err)

		if !retry {
			if err != nil {
				contextLog.Debug("Hook script failed, ignoring",
					"script", script, "exitCode", exitCode)
			}
			return nil
		}

		switch exitCode {
		case ExitSuccess:
			return nil
		case ExitAbortContinue:
			contextLog.Warning("Retry hook script asked to proceed despite failure",
				"script", script)
			return nil
		case ExitAbortStop:
			if phase == PhasePre {
				contextLog.Error(ErrAborted, "Retry hook script aborted the operation",
					"script", script)
				return ErrAborted
			}
			contextLog.Warning("Retry hook script returned ABORT_STOP in a post-hook, continuing",
				"script", script)
			return nil
		default:
			contextLog.Debug("Retry hook script failed, retrying",
				"script", script, "exitCode", exitCode)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// ArchiveEnv builds the environment of an archive event
func ArchiveEnv(walName, walPath string, size int64, timestamp int64, compressionName string) Env {
	return Env{
		"BARMAN_SEGMENT":     walName,
		"BARMAN_FILE":        walPath,
		"BARMAN_SIZE":        fmt.Sprintf("%d", size),
		"BARMAN_TIMESTAMP":   fmt.Sprintf("%d", timestamp),
		"BARMAN_COMPRESSION": compressionName,
	}
}

// BackupEnv builds the environment of a backup or delete event
func BackupEnv(backupID, backupDir, status string, previousID, nextID string) Env {
	return Env{
		"BARMAN_BACKUP_ID":  backupID,
		"BARMAN_BACKUP_DIR": backupDir,
		"BARMAN_STATUS":     status,
		"BARMAN_PREVIOUS_ID": previousID,
		"BARMAN_NEXT_ID":     nextID,
	}
}

// RecoveryEnv builds the environment of a recovery event
func RecoveryEnv(backupID, destination string) Env {
	return Env{
		"BARMAN_BACKUP_ID":   backupID,
		"BARMAN_DESTINATION": destination,
	}
}

// ErrorEnv annotates an environment with a failure message
func (env Env) ErrorEnv(message string) Env {
	env["BARMAN_ERROR"] = message
	return env
}
