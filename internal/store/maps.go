package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Map is one stored occupancy map. Filename is the primary key; RobotID
// carries the optional linkage to the robot the map was fetched from.
type Map struct {
	Filename     string
	Name         string
	Image        []byte
	MetadataYAML string
	Features     json.RawMessage
	RobotID      string
	UpdatedAt    time.Time
}

// MapRepo reads and writes stored maps.
type MapRepo struct {
	db *sql.DB
}

// Upsert inserts or replaces one map keyed by filename.
func (m *MapRepo) Upsert(ctx context.Context, mp Map) error {
	features := mp.Features
	if len(features) == 0 {
		features = json.RawMessage(`{}`)
	}
	robotID := sql.NullString{String: mp.RobotID, Valid: mp.RobotID != ""}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO maps (filename, name, image, metadata_yaml, features_json, robot_id, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			metadata_yaml = excluded.metadata_yaml,
			features_json = excluded.features_json,
			robot_id = excluded.robot_id,
			updated_at_ns = excluded.updated_at_ns`,
		mp.Filename, mp.Name, mp.Image, mp.MetadataYAML, string(features), robotID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert map %s: %w", mp.Filename, err)
	}
	return nil
}

// Get returns one map by filename.
func (m *MapRepo) Get(ctx context.Context, filename string) (Map, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT filename, name, image, metadata_yaml, features_json, robot_id, updated_at_ns
		FROM maps WHERE filename = ?`, filename)

	var mp Map
	var features string
	var robotID sql.NullString
	var updatedNs int64
	err := row.Scan(&mp.Filename, &mp.Name, &mp.Image, &mp.MetadataYAML, &features, &robotID, &updatedNs)
	if err != nil {
		return Map{}, fmt.Errorf("get map %s: %w", filename, err)
	}
	mp.Features = json.RawMessage(features)
	mp.RobotID = robotID.String
	mp.UpdatedAt = time.Unix(0, updatedNs)
	return mp, nil
}

// List returns every map without image bytes, newest first.
func (m *MapRepo) List(ctx context.Context) ([]Map, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT filename, name, metadata_yaml, features_json, robot_id, updated_at_ns
		FROM maps ORDER BY updated_at_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	var out []Map
	for rows.Next() {
		var mp Map
		var features string
		var robotID sql.NullString
		var updatedNs int64
		if err := rows.Scan(&mp.Filename, &mp.Name, &mp.MetadataYAML, &features, &robotID, &updatedNs); err != nil {
			return nil, fmt.Errorf("scan map: %w", err)
		}
		mp.Features = json.RawMessage(features)
		mp.RobotID = robotID.String
		mp.UpdatedAt = time.Unix(0, updatedNs)
		out = append(out, mp)
	}
	return out, rows.Err()
}
