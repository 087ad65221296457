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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// this is needed to correctly open the sql connection with the pq driver
	_ "github.com/lib/pq"

	"github.com/EnterpriseDB/barman/pkg/errs"
)

// Connection is a libpq connection to a PostgreSQL node, with the
// version probe cached
type Connection struct {
	db      *sql.DB
	version int
}

// Connect opens a libpq connection using the passed conninfo string
func Connect(ctx context.Context, conninfo string) (*Connection, error) {
	db, err := sql.Open("postgres", conninfo)
	if err != nil {
		return nil, &errs.ConnectionError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &errs.ConnectionError{Op: "connect", Err: err}
	}

	return &Connection{db: db}, nil
}

// Close closes the connection
func (conn *Connection) Close() error {
	return conn.db.Close()
}

// ServerVersion probes the numeric server version, caching the result
func (conn *Connection) ServerVersion(ctx context.Context) (int, error) {
	if conn.version != 0 {
		return conn.version, nil
	}

	row := conn.db.QueryRowContext(ctx, "SHOW server_version_num")
	var versionString string
	if err := row.Scan(&versionString); err != nil {
		return 0, &errs.ConnectionError{Op: "version probe", Err: err}
	}

	var version int
	if _, err := fmt.Sscanf(versionString, "%d", &version); err != nil {
		return 0, &errs.ProtocolError{Op: "version probe", Detail: versionString}
	}

	conn.version = version
	return version, nil
}

// SystemIdentifier probes the system identifier of the cluster
func (conn *Connection) SystemIdentifier(ctx context.Context) (string, error) {
	row := conn.db.QueryRowContext(ctx,
		"SELECT system_identifier FROM pg_control_system()")
	var systemID string
	if err := row.Scan(&systemID); err != nil {
		return "", &errs.ConnectionError{Op: "system identifier probe", Err: err}
	}
	return systemID, nil
}

// IsInRecovery tells whether the node is a standby
func (conn *Connection) IsInRecovery(ctx context.Context) (bool, error) {
	row := conn.db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()")
	var inRecovery bool
	if err := row.Scan(&inRecovery); err != nil {
		return false, &errs.ConnectionError{Op: "recovery probe", Err: err}
	}
	return inRecovery, nil
}

// CurrentTimeline reads the timeline id from the control file
func (conn *Connection) CurrentTimeline(ctx context.Context) (uint32, error) {
	row := conn.db.QueryRowContext(ctx,
		"SELECT timeline_id FROM pg_control_checkpoint()")
	var timeline uint32
	if err := row.Scan(&timeline); err != nil {
		return 0, &errs.ConnectionError{Op: "timeline probe", Err: err}
	}
	return timeline, nil
}

// WALSegmentSize reads the WAL segment size in bytes
func (conn *Connection) WALSegmentSize(ctx context.Context) (int64, error) {
	row := conn.db.QueryRowContext(ctx,
		"SELECT setting::bigint FROM pg_settings WHERE name = 'wal_segment_size'")
	var size int64
	if err := row.Scan(&size); err != nil {
		return 0, &errs.ConnectionError{Op: "wal_segment_size probe", Err: err}
	}
	return size, nil
}

// CurrentSetting reads the current value of a configuration parameter
func (conn *Connection) CurrentSetting(ctx context.Context, name string) (string, error) {
	row := conn.db.QueryRowContext(ctx, "SELECT current_setting($1, true)", name)
	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		return "", &errs.ConnectionError{Op: "setting probe", Err: err}
	}
	return value.String, nil
}

// SwitchWAL forces a WAL switch, returning the LSN of the switch point
func (conn *Connection) SwitchWAL(ctx context.Context) (LSN, error) {
	row := conn.db.QueryRowContext(ctx, "SELECT pg_switch_wal()::text")
	var lsn string
	if err := row.Scan(&lsn); err != nil {
		return "", &errs.ConnectionError{Op: "WAL switch", Err: err}
	}
	return LSN(lsn), nil
}

// Checkpoint requests an immediate checkpoint
func (conn *Connection) Checkpoint(ctx context.Context) error {
	if _, err := conn.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return &errs.ConnectionError{Op: "checkpoint", Err: err}
	}
	return nil
}

// KeepAlive executes a trivial query to keep the connection open
// through NAT and firewall idle timeouts
func (conn *Connection) KeepAlive(ctx context.Context) error {
	_, err := conn.db.ExecContext(ctx, "SELECT 1")
	if err != nil {
		return &errs.ConnectionError{Op: "keep-alive", Err: err}
	}
	return nil
}

// BackupStartInfo is what the backup start function reports
type BackupStartInfo struct {
	LSN      LSN
	Timeline uint32
}

// BackupStopInfo is what the backup stop function reports
type BackupStopInfo struct {
	LSN           LSN
	LabelFile     string
	TablespaceMap string
}

// StartBackup invokes the low-level concurrent backup start function.
// Exclusive backup mode is not supported.
func (conn *Connection) StartBackup(ctx context.Context, label string, immediate bool) (*BackupStartInfo, error) {
	version, err := conn.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}

	var query string
	if version >= 150000 {
		query = "SELECT pg_backup_start($1, $2)::text"
	} else {
		// third argument false selects the concurrent mode
		query = "SELECT pg_start_backup($1, $2, false)::text"
	}

	var lsn string
	if err := conn.db.QueryRowContext(ctx, query, label, immediate).Scan(&lsn); err != nil {
		return nil, &errs.ProtocolError{Op: "backup start", Detail: err.Error()}
	}

	timeline, err := conn.CurrentTimeline(ctx)
	if err != nil {
		return nil, err
	}

	return &BackupStartInfo{LSN: LSN(lsn), Timeline: timeline}, nil
}

// StopBackup invokes the backup stop function, collecting the end LSN,
// the backup_label content and the tablespace map
func (conn *Connection) StopBackup(ctx context.Context) (*BackupStopInfo, error) {
	version, err := conn.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}

	var query string
	if version >= 150000 {
		query = "SELECT lsn::text, labelfile, spcmapfile FROM pg_backup_stop(false)"
	} else {
		query = "SELECT lsn::text, labelfile, spcmapfile FROM pg_stop_backup(false, false)"
	}

	result := &BackupStopInfo{}
	var lsn string
	var spcmap sql.NullString
	if err := conn.db.QueryRowContext(ctx, query).Scan(&lsn, &result.LabelFile, &spcmap); err != nil {
		return nil, &errs.ProtocolError{Op: "backup stop", Detail: err.Error()}
	}
	result.LSN = LSN(lsn)
	result.TablespaceMap = spcmap.String

	return result, nil
}

// Tablespace describes a user-defined tablespace of the cluster
type Tablespace struct {
	Name     string
	OID      uint32
	Location string
}

// Tablespaces lists the user-defined tablespaces with their locations
func (conn *Connection) Tablespaces(ctx context.Context) ([]Tablespace, error) {
	rows, err := conn.db.QueryContext(ctx,
		`SELECT spcname, oid, pg_tablespace_location(oid)
		   FROM pg_tablespace
		  WHERE pg_tablespace_location(oid) <> ''`)
	if err != nil {
		return nil, &errs.ConnectionError{Op: "tablespace probe", Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []Tablespace
	for rows.Next() {
		var tbs Tablespace
		if err := rows.Scan(&tbs.Name, &tbs.OID, &tbs.Location); err != nil {
			return nil, err
		}
		result = append(result, tbs)
	}
	return result, rows.Err()
}

// CreatePhysicalReplicationSlot creates a physical replication slot
func (conn *Connection) CreatePhysicalReplicationSlot(ctx context.Context, name string) error {
	_, err := conn.db.ExecContext(ctx,
		"SELECT pg_create_physical_replication_slot($1)", name)
	if err != nil {
		return &errs.ProtocolError{Op: "slot creation", Detail: err.Error()}
	}
	return nil
}

// DropReplicationSlot drops a replication slot
func (conn *Connection) DropReplicationSlot(ctx context.Context, name string) error {
	_, err := conn.db.ExecContext(ctx, "SELECT pg_drop_replication_slot($1)", name)
	if err != nil {
		return &errs.ProtocolError{Op: "slot drop", Detail: err.Error()}
	}
	return nil
}

// ReplicationSlotStatus describes a replication slot of the upstream
type ReplicationSlotStatus struct {
	Exists     bool
	Active     bool
	RestartLSN LSN
}

// GetReplicationSlot probes a replication slot by name
func (conn *Connection) GetReplicationSlot(ctx context.Context, name string) (*ReplicationSlotStatus, error) {
	row := conn.db.QueryRowContext(ctx,
		"SELECT active, coalesce(restart_lsn::text, '') FROM pg_replication_slots WHERE slot_name = $1",
		name)

	status := &ReplicationSlotStatus{}
	var restartLSN string
	err := row.Scan(&status.Active, &restartLSN)
	if err == sql.ErrNoRows {
		return status, nil
	}
	if err != nil {
		return nil, &errs.ConnectionError{Op: "slot probe", Err: err}
	}

	status.Exists = true
	status.RestartLSN = LSN(restartLSN)
	return status, nil
}

// ReplicationClient is one row of pg_stat_replication
type ReplicationClient struct {
	ApplicationName string
	ClientAddr      string
	State           string
	SentLSN         LSN
	ReplayLSN       LSN
	SyncState       string
}

// ReplicationStatus lists the clients attached to the upstream WAL
// stream
func (conn *Connection) ReplicationStatus(ctx context.Context) ([]ReplicationClient, error) {
	rows, err := conn.db.QueryContext(ctx,
		`SELECT coalesce(application_name, ''), coalesce(client_addr::text, ''),
		        coalesce(state, ''), coalesce(sent_lsn::text, ''),
		        coalesce(replay_lsn::text, ''), coalesce(sync_state, '')
		   FROM pg_stat_replication
		  ORDER BY application_name`)
	if err != nil {
		return nil, &errs.ConnectionError{Op: "replication status", Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []ReplicationClient
	for rows.Next() {
		var client ReplicationClient
		if err := rows.Scan(&client.ApplicationName, &client.ClientAddr, &client.State,
			&client.SentLSN, &client.ReplayLSN, &client.SyncState); err != nil {
			return nil, err
		}
		result = append(result, client)
	}
	return result, rows.Err()
}

// StartKeepAlive runs a keep-alive query at the passed interval until
// the returned stop function is called or the context is cancelled
func (conn *Connection) StartKeepAlive(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	stopChan := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				_ = conn.KeepAlive(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopChan) })
	}
}
