package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed audit logger. The audit_logs
// table comes from the embedded migrations.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log inserts event and sets its ID
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (
			occurred_at, action, status, actor_id, household_id,
			resource_type, resource_id, source, request_id, message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		event.OccurredAt, string(event.Action), string(event.Status), event.ActorID, event.HouseholdID,
		string(event.ResourceType), event.ResourceID, event.Source, event.RequestID, event.Message, metadataJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Search returns matching events, newest first
func (l *DBLogger) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT id, occurred_at, action, status, actor_id, household_id,
			resource_type, resource_id, source, request_id, message, metadata
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}
	argCount := 1

	if filter.HouseholdID != nil {
		query += fmt.Sprintf(" AND household_id = $%d", argCount)
		args = append(args, *filter.HouseholdID)
		argCount++
	}
	if filter.ActorID != nil {
		query += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, *filter.ActorID)
		argCount++
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		args = append(args, pq.Array(actions))
		argCount++
	}
	if filter.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", argCount)
		args = append(args, string(filter.ResourceType))
		argCount++
	}
	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argCount)
		args = append(args, filter.ResourceID)
		argCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}

	query += " ORDER BY occurred_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		var (
			e            Event
			action       string
			status       string
			resourceType string
			actorID      sql.NullInt64
			householdID  sql.NullInt64
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &action, &status, &actorID, &householdID,
			&resourceType, &e.ResourceID, &e.Source, &e.RequestID, &e.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.Action = Action(action)
		e.Status = Status(status)
		e.ResourceType = ResourceType(resourceType)
		if actorID.Valid {
			e.ActorID = &actorID.Int64
		}
		if householdID.Valid {
			e.HouseholdID = &householdID.Int64
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return events, nil
}
