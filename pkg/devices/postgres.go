// Copyright 2025 The shellybridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devices

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDirectory is a provisioned-device allow-list backed by a
// Postgres table. A directory miss is authoritative: unknown devices are
// refused at the handshake.
type PostgresDirectory struct {
	db *sql.DB
}

const createDevicesTable = `
CREATE TABLE IF NOT EXISTS devices (
	device_id   TEXT PRIMARY KEY,
	provisioned TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresDirectory opens the directory database and ensures the
// devices table exists.
func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open device directory: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach device directory: %w", err)
	}
	if _, err := db.Exec(createDevicesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare devices table: %w", err)
	}
	return &PostgresDirectory{db: db}, nil
}

// Add provisions a device id.
func (d *PostgresDirectory) Add(deviceID string) error {
	_, err := d.db.Exec(
		`INSERT INTO devices (device_id) VALUES ($1) ON CONFLICT (device_id) DO NOTHING`,
		deviceID)
	return err
}

// Remove deprovisions a device id.
func (d *PostgresDirectory) Remove(deviceID string) error {
	_, err := d.db.Exec(`DELETE FROM devices WHERE device_id = $1`, deviceID)
	return err
}

// Exists reports whether deviceID has been provisioned. Query errors are
// logged and treated as a miss so a directory outage refuses devices
// rather than admitting them.
func (d *PostgresDirectory) Exists(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	var found bool
	err := d.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM devices WHERE device_id = $1)`,
		deviceID).Scan(&found)
	if err != nil {
		log.Printf("[ERROR] Device directory query failed for %s: %v", deviceID, err)
		return false
	}
	return found
}

// Close releases the underlying database handle.
func (d *PostgresDirectory) Close() error {
	return d.db.Close()
}
