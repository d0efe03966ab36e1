package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vigil/internal/pipeline"
)

// Store persists camera configs, monitor relationships, and the threat and
// correlation event history in SQLite.
type Store struct {
	db *sql.DB
}

// CameraRecord is a persisted camera config.
type CameraRecord struct {
	CameraID  string
	Config    pipeline.CameraConfig
	CreatedAt time.Time
}

// ThreatEventRecord is one persisted threat event.
type ThreatEventRecord struct {
	ID          string
	CameraID    string
	Class       string
	Label       string
	Confidence  float64
	ThreatLevel string
	RiskScore   float64
	Timestamp   time.Time
}

// CorrelationEventRecord is one persisted correlation lifecycle event.
type CorrelationEventRecord struct {
	CorrelationID string
	EventType     string
	Monitors      []string
	Confidence    float64
	Timestamp     time.Time
}

// Open connects to the database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers against the event writers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			camera_id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			monitor_a TEXT NOT NULL,
			monitor_b TEXT NOT NULL,
			kind TEXT NOT NULL,
			multiplier REAL NOT NULL,
			PRIMARY KEY (monitor_a, monitor_b)
		)`,
		`CREATE TABLE IF NOT EXISTS threat_events (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			class TEXT NOT NULL,
			label TEXT,
			confidence REAL NOT NULL,
			threat_level TEXT NOT NULL,
			risk_score REAL NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS correlation_events (
			correlation_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			monitors TEXT NOT NULL,
			confidence REAL NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_camera_time ON threat_events(camera_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_time ON threat_events(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_id ON correlation_events(correlation_id, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveCamera upserts a camera config.
func (s *Store) SaveCamera(cfg pipeline.CameraConfig) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO cameras (camera_id, config) VALUES (?, ?)
		 ON CONFLICT(camera_id) DO UPDATE SET config = excluded.config`,
		cfg.CameraID, string(blob))
	return err
}

// DeleteCamera removes a camera config.
func (s *Store) DeleteCamera(cameraID string) error {
	_, err := s.db.Exec(`DELETE FROM cameras WHERE camera_id = ?`, cameraID)
	return err
}

// ListCameras returns all persisted camera configs.
func (s *Store) ListCameras() ([]pipeline.CameraConfig, error) {
	rows, err := s.db.Query(`SELECT config FROM cameras ORDER BY camera_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.CameraConfig
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var cfg pipeline.CameraConfig
		if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
			return nil, fmt.Errorf("corrupt camera config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// SaveRelationship upserts a monitor relationship, keyed on the ordered pair.
func (s *Store) SaveRelationship(monitorA, monitorB, kind string, multiplier float64) error {
	if monitorB < monitorA {
		monitorA, monitorB = monitorB, monitorA
	}
	_, err := s.db.Exec(
		`INSERT INTO relationships (monitor_a, monitor_b, kind, multiplier) VALUES (?, ?, ?, ?)
		 ON CONFLICT(monitor_a, monitor_b) DO UPDATE SET kind = excluded.kind, multiplier = excluded.multiplier`,
		monitorA, monitorB, kind, multiplier)
	return err
}

// ListRelationships returns all persisted relationships.
func (s *Store) ListRelationships() ([]CorrelationRelationship, error) {
	rows, err := s.db.Query(`SELECT monitor_a, monitor_b, kind, multiplier FROM relationships ORDER BY monitor_a, monitor_b`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorrelationRelationship
	for rows.Next() {
		var r CorrelationRelationship
		if err := rows.Scan(&r.MonitorA, &r.MonitorB, &r.Kind, &r.Multiplier); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CorrelationRelationship mirrors a persisted relationship row.
type CorrelationRelationship struct {
	MonitorA   string  `json:"monitor_a"`
	MonitorB   string  `json:"monitor_b"`
	Kind       string  `json:"kind"`
	Multiplier float64 `json:"confidence_multiplier"`
}

// SaveThreatEvent appends a threat event.
func (s *Store) SaveThreatEvent(rec *ThreatEventRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO threat_events (id, camera_id, class, label, confidence, threat_level, risk_score, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CameraID, rec.Class, rec.Label, rec.Confidence, rec.ThreatLevel, rec.RiskScore, rec.Timestamp)
	return err
}

// RecentThreatEvents returns the newest threat events, newest first.
func (s *Store) RecentThreatEvents(limit int) ([]ThreatEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, camera_id, class, label, confidence, threat_level, risk_score, timestamp
		 FROM threat_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThreatEventRecord
	for rows.Next() {
		var rec ThreatEventRecord
		if err := rows.Scan(&rec.ID, &rec.CameraID, &rec.Class, &rec.Label,
			&rec.Confidence, &rec.ThreatLevel, &rec.RiskScore, &rec.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCorrelationEvent appends a correlation lifecycle event.
func (s *Store) SaveCorrelationEvent(rec *CorrelationEventRecord) error {
	monitors, err := json.Marshal(rec.Monitors)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO correlation_events (correlation_id, event_type, monitors, confidence, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.EventType, string(monitors), rec.Confidence, rec.Timestamp)
	return err
}

// CorrelationHistory returns the lifecycle events for one correlation in
// chronological order.
func (s *Store) CorrelationHistory(correlationID string) ([]CorrelationEventRecord, error) {
	rows, err := s.db.Query(
		`SELECT correlation_id, event_type, monitors, confidence, timestamp
		 FROM correlation_events WHERE correlation_id = ? ORDER BY timestamp`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorrelationEventRecord
	for rows.Next() {
		var (
			rec  CorrelationEventRecord
			blob string
		)
		if err := rows.Scan(&rec.CorrelationID, &rec.EventType, &blob, &rec.Confidence, &rec.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &rec.Monitors); err != nil {
			return nil, fmt.Errorf("corrupt monitors list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
