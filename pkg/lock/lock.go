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

// Package lock implements the advisory file locks coordinating the
// Barman processes working on the same server. Each mutating
// operation holds its scope for its whole lifetime; overlapping
// scopes on the same server are mutually exclusive.
package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/EnterpriseDB/barman/pkg/errs"
	"github.com/EnterpriseDB/barman/pkg/fileutils"
)

// Scope names the operation class a lock serialises
type Scope string

// The lock scopes used by the Barman commands
const (
	// ScopeServer serialises backup, recovery, retention reclaim and
	// xlog.db rebuild against each other
	ScopeServer Scope = "server"
	// ScopeBackup serialises base backup creation
	ScopeBackup Scope = "backup"
	// ScopeArchive serialises archiver passes and xlog.db appends
	ScopeArchive Scope = "wal-archive"
	// ScopeReceiver prevents two concurrent streaming receivers
	ScopeReceiver Scope = "receive-wal"
	// ScopeCron prevents overlapping scheduler sweeps
	ScopeCron Scope = "cron"
)

// lockRetryInterval is how often a blocking acquisition retries
const lockRetryInterval = 100 * time.Millisecond

// Lock is an acquired advisory lock
type Lock struct {
	scope    Scope
	fileLock *flock.Flock
}

// fileName returns the lock file path for a scope of a server
func fileName(locksDirectory, serverName string, scope Scope) string {
	return filepath.Join(locksDirectory, fmt.Sprintf(".%s-%s.lock", serverName, scope))
}

// TryAcquire acquires the lock for a scope of a server without
// blocking, returning a LockBusyError when another process holds it
func TryAcquire(locksDirectory, serverName string, scope Scope) (*Lock, error) {
	if err := fileutils.EnsureDirectoryExists(locksDirectory); err != nil {
		return nil, err
	}

	fileLock := flock.New(fileName(locksDirectory, serverName, scope))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("while acquiring the %s lock for %s: %w", scope, serverName, err)
	}
	if !locked {
		return nil, &errs.LockBusyError{Scope: string(scope)}
	}

	return &Lock{scope: scope, fileLock: fileLock}, nil
}

// Acquire blocks until the lock for a scope of a server is acquired
// or the context is cancelled
func Acquire(ctx context.Context, locksDirectory, serverName string, scope Scope) (*Lock, error) {
	if err := fileutils.EnsureDirectoryExists(locksDirectory); err != nil {
		return nil, err
	}

	fileLock := flock.New(fileName(locksDirectory, serverName, scope))
	locked, err := fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("while waiting for the %s lock for %s: %w", scope, serverName, err)
	}
	if !locked {
		return nil, &errs.LockBusyError{Scope: string(scope)}
	}

	return &Lock{scope: scope, fileLock: fileLock}, nil
}

// Release releases the lock. The lock file is left in place, only the
// flock is dropped.
func (l *Lock) Release() error {
	if l == nil || l.fileLock == nil {
		return nil
	}
	return l.fileLock.Unlock()
}

// Scope returns the scope this lock was acquired for
func (l *Lock) Scope() Scope {
	return l.scope
}
