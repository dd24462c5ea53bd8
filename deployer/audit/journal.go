// Package audit keeps a SQLite journal of deployment lifecycle events.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tomyedwab/localdeployer/deployer"
)

// DeploymentEvent is a journal row.
type DeploymentEvent struct {
	ID           string `db:"id"`
	EventType    string `db:"event_type"`
	Timestamp    int64  `db:"timestamp"` // Unix milliseconds, UTC
	DeploymentID string `db:"deployment_id"`
	InstanceID   string `db:"instance_id"`
	Detail       string `db:"detail"`
}

// Journal records deployment events. It satisfies local.EventRecorder.
type Journal struct {
	db *sqlx.DB
}

// NewJournal creates the journal tables if needed.
func NewJournal(db *sqlx.DB) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Journal{
		db: db,
	}, nil
}

// DBInit initializes the deployment events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS deployment_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		deployment_id TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_deployment_events_timestamp ON deployment_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_deployment_events_deployment_id ON deployment_events(deployment_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_deployment_events_event_type ON deployment_events(event_type)`)
	return err
}

// RecordEvent appends an event. A zero event time means now.
func (j *Journal) RecordEvent(ctx context.Context, event deployer.Event) error {
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO deployment_events (
			id, event_type, timestamp, deployment_id, instance_id, detail
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(),
		string(event.Type),
		ts.UTC().UnixMilli(),
		event.DeploymentID,
		event.InstanceID,
		event.Detail,
	)
	return err
}

// GetEventsByDeployment retrieves the most recent events of one deployment
func (j *Journal) GetEventsByDeployment(ctx context.Context, deploymentID string, limit int) ([]DeploymentEvent, error) {
	var events []DeploymentEvent
	err := j.db.SelectContext(ctx, &events,
		"SELECT * FROM deployment_events WHERE deployment_id = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		deploymentID, limit)
	return events, err
}

// GetEventsByType retrieves events of a specific type
func (j *Journal) GetEventsByType(ctx context.Context, eventType deployer.EventType, limit int) ([]DeploymentEvent, error) {
	var events []DeploymentEvent
	err := j.db.SelectContext(ctx, &events,
		"SELECT * FROM deployment_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent events
func (j *Journal) GetRecentEvents(ctx context.Context, limit int) ([]DeploymentEvent, error) {
	var events []DeploymentEvent
	err := j.db.SelectContext(ctx, &events,
		"SELECT * FROM deployment_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (j *Journal) DeleteOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := j.db.ExecContext(ctx, "DELETE FROM deployment_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
