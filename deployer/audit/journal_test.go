package audit

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tomyedwab/localdeployer/deployer"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	dbPath := path.Join(t.TempDir(), "test_journal.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	if err := DBInit(db); err != nil {
		t.Fatalf("DBInit returned error: %v", err)
	}
	// Idempotent
	if err := DBInit(db); err != nil {
		t.Fatalf("second DBInit returned error: %v", err)
	}

	var tableName string
	err := db.Get(&tableName, "SELECT name FROM sqlite_master WHERE type='table' AND name='deployment_events'")
	if err != nil {
		t.Fatalf("Table 'deployment_events' does not exist: %v", err)
	}

	var count int
	err = db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='deployment_events'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 3 {
		t.Errorf("Expected at least 3 indexes, got %d", count)
	}
}

func TestRecordAndQueryEvents(t *testing.T) {
	ctx := context.Background()
	journal, err := NewJournal(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewJournal returned error: %v", err)
	}

	base := time.Now().Add(-time.Minute)
	events := []deployer.Event{
		{Type: deployer.EventInstanceLaunched, DeploymentID: "default.app", InstanceID: "default.app-0", Time: base},
		{Type: deployer.EventDeployed, DeploymentID: "default.app", Detail: "count=1", Time: base.Add(time.Second)},
		{Type: deployer.EventDeployed, DeploymentID: "default.other", Time: base.Add(2 * time.Second)},
		{Type: deployer.EventUndeployed, DeploymentID: "default.app", Time: base.Add(3 * time.Second)},
	}
	for _, e := range events {
		if err := journal.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent returned error: %v", err)
		}
	}

	byDeployment, err := journal.GetEventsByDeployment(ctx, "default.app", 10)
	if err != nil {
		t.Fatalf("GetEventsByDeployment returned error: %v", err)
	}
	if len(byDeployment) != 3 {
		t.Fatalf("Expected 3 events for default.app, got %d", len(byDeployment))
	}
	if byDeployment[0].EventType != string(deployer.EventUndeployed) {
		t.Errorf("Expected newest event first, got %s", byDeployment[0].EventType)
	}
	if byDeployment[2].InstanceID != "default.app-0" {
		t.Errorf("Expected instance id to round trip, got %q", byDeployment[2].InstanceID)
	}
	if byDeployment[1].Detail != "count=1" {
		t.Errorf("Expected detail to round trip, got %q", byDeployment[1].Detail)
	}

	deployed, err := journal.GetEventsByType(ctx, deployer.EventDeployed, 10)
	if err != nil {
		t.Fatalf("GetEventsByType returned error: %v", err)
	}
	if len(deployed) != 2 {
		t.Errorf("Expected 2 deployed events, got %d", len(deployed))
	}

	recent, err := journal.GetRecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecentEvents returned error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 recent events, got %d", len(recent))
	}
	if recent[1].DeploymentID != "default.other" {
		t.Errorf("Expected second most recent event for default.other, got %s", recent[1].DeploymentID)
	}
}

func TestDeleteOldEvents(t *testing.T) {
	ctx := context.Background()
	journal, err := NewJournal(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewJournal returned error: %v", err)
	}

	if err := journal.RecordEvent(ctx, deployer.Event{Type: deployer.EventDeployed, DeploymentID: "old", Time: time.Now().Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("RecordEvent returned error: %v", err)
	}
	if err := journal.RecordEvent(ctx, deployer.Event{Type: deployer.EventDeployed, DeploymentID: "new"}); err != nil {
		t.Fatalf("RecordEvent returned error: %v", err)
	}

	deleted, err := journal.DeleteOldEvents(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteOldEvents returned error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted event, got %d", deleted)
	}

	remaining, err := journal.GetRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentEvents returned error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DeploymentID != "new" {
		t.Errorf("Expected only the new event to remain, got %+v", remaining)
	}
}
