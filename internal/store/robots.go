package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/robot"
	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/transform"
)

// Robot is one inventory row.
type Robot struct {
	ID                string
	Name              string
	IPAddress         string
	BridgePort        int
	MappingBridgePort int
	Channels          []robot.ChannelConfig
	Teleop            *robot.TeleopLimits
	LaserOffset       *transform.Transform
	MapFilename       string
	UpdatedAt         time.Time
}

// RobotRepo reads and writes the robot inventory.
type RobotRepo struct {
	db *sql.DB
}

const robotColumns = `id, name, ip_address, bridge_port, mapping_bridge_port, channels_json, teleop_limits_json, laser_offset_json, map_filename, updated_at_ns`

// List returns every robot, ordered by id for deterministic reconciliation.
func (r *RobotRepo) List(ctx context.Context) ([]Robot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+robotColumns+` FROM robots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []Robot
	for rows.Next() {
		rb, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

// Get returns one robot by id.
func (r *RobotRepo) Get(ctx context.Context, id string) (Robot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE id = ?`, id)
	return scanRobot(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRobot(row rowScanner) (Robot, error) {
	var rb Robot
	var channelsJSON string
	var teleopJSON, laserOffsetJSON, mapFilename sql.NullString
	var updatedNs int64
	err := row.Scan(&rb.ID, &rb.Name, &rb.IPAddress, &rb.BridgePort, &rb.MappingBridgePort,
		&channelsJSON, &teleopJSON, &laserOffsetJSON, &mapFilename, &updatedNs)
	if err != nil {
		return Robot{}, fmt.Errorf("scan robot: %w", err)
	}
	if channelsJSON != "" && channelsJSON != "[]" {
		if err := json.Unmarshal([]byte(channelsJSON), &rb.Channels); err != nil {
			return Robot{}, fmt.Errorf("robot %s: decode channels: %w", rb.ID, err)
		}
	}
	if teleopJSON.Valid && teleopJSON.String != "" {
		var limits robot.TeleopLimits
		if err := json.Unmarshal([]byte(teleopJSON.String), &limits); err != nil {
			return Robot{}, fmt.Errorf("robot %s: decode teleop limits: %w", rb.ID, err)
		}
		rb.Teleop = &limits
	}
	if laserOffsetJSON.Valid && laserOffsetJSON.String != "" {
		var offset transform.Transform
		if err := json.Unmarshal([]byte(laserOffsetJSON.String), &offset); err != nil {
			return Robot{}, fmt.Errorf("robot %s: decode laser offset: %w", rb.ID, err)
		}
		rb.LaserOffset = &offset
	}
	rb.MapFilename = mapFilename.String
	rb.UpdatedAt = time.Unix(0, updatedNs)
	return rb, nil
}

// Upsert inserts or replaces one robot.
func (r *RobotRepo) Upsert(ctx context.Context, rb Robot) error {
	channelsJSON, err := json.Marshal(rb.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	var teleopJSON sql.NullString
	if rb.Teleop != nil {
		b, err := json.Marshal(rb.Teleop)
		if err != nil {
			return fmt.Errorf("encode teleop limits: %w", err)
		}
		teleopJSON = sql.NullString{String: string(b), Valid: true}
	}
	var laserOffsetJSON sql.NullString
	if rb.LaserOffset != nil {
		b, err := json.Marshal(rb.LaserOffset)
		if err != nil {
			return fmt.Errorf("encode laser offset: %w", err)
		}
		laserOffsetJSON = sql.NullString{String: string(b), Valid: true}
	}
	mapFilename := sql.NullString{String: rb.MapFilename, Valid: rb.MapFilename != ""}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO robots (`+robotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			ip_address = excluded.ip_address,
			bridge_port = excluded.bridge_port,
			mapping_bridge_port = excluded.mapping_bridge_port,
			channels_json = excluded.channels_json,
			teleop_limits_json = excluded.teleop_limits_json,
			laser_offset_json = excluded.laser_offset_json,
			map_filename = excluded.map_filename,
			updated_at_ns = excluded.updated_at_ns`,
		rb.ID, rb.Name, rb.IPAddress, rb.BridgePort, rb.MappingBridgePort,
		string(channelsJSON), teleopJSON, laserOffsetJSON, mapFilename, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert robot %s: %w", rb.ID, err)
	}
	return nil
}

// Delete removes one robot.
func (r *RobotRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM robots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete robot %s: %w", id, err)
	}
	return nil
}

// SetMap links a robot to a map filename.
func (r *RobotRepo) SetMap(ctx context.Context, id, filename string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE robots SET map_filename = ?, updated_at_ns = ? WHERE id = ?`,
		filename, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("link map to robot %s: %w", id, err)
	}
	return nil
}
