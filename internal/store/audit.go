package store

import (
	"context"
	"database/sql"

	"org-backup-engine/internal/backup"
)

// AuditRepository appends to and reads backup_audit_logs
type AuditRepository struct {
	repo
}

// Record appends an audit entry
func (r *AuditRepository) Record(ctx context.Context, entry *backup.AuditLogEntry) error {
	details, err := encodeJSON(entry.Details, len(entry.Details) > 0)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `INSERT INTO backup_audit_logs (id, org_id, action, entity_type, entity_id, actor_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrgID, entry.Action, entry.EntityType, entry.EntityID, nullString(entry.ActorID),
		details, entry.CreatedAt.UTC())
	return err
}

// ListForEntity returns the audit trail of one record, oldest first
func (r *AuditRepository) ListForEntity(ctx context.Context, entityType, entityID string) ([]*backup.AuditLogEntry, error) {
	return r.list(ctx, `SELECT id, org_id, action, entity_type, entity_id, actor_id, details, created_at
		FROM backup_audit_logs WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, id`, entityType, entityID)
}

func (r *AuditRepository) list(ctx context.Context, query string, args ...interface{}) ([]*backup.AuditLogEntry, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*backup.AuditLogEntry
	for rows.Next() {
		var (
			e              backup.AuditLogEntry
			actor, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Action, &e.EntityType, &e.EntityID, &actor, &details, &e.CreatedAt); err != nil {
			return nil, backup.NewDatabaseError("failed to scan audit entry", err)
		}
		e.ActorID = actor.String
		e.CreatedAt = e.CreatedAt.UTC()
		if err := decodeJSON(details, &e.Details); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, backup.NewDatabaseError("failed to read audit entries", err)
	}
	return entries, nil
}
