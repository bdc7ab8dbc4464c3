package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ObjectRule = "rule"
	ObjectFlow = "flow"
)

type Version struct {
	ID           string          `json:"id"`
	ObjectID     string          `json:"object_id"`
	ObjectType   string          `json:"object_type"`
	Data         json.RawMessage `json:"data"`
	Version      int             `json:"version"`
	ChangedBy    string          `json:"changed_by,omitempty"`
	ChangeReason string          `json:"change_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type AuditLog struct {
	ID           string                 `json:"id"`
	ObjectID     *string                `json:"object_id,omitempty"`
	ObjectType   string                 `json:"object_type"`
	Action       string                 `json:"action"`
	OldValue     map[string]interface{} `json:"old_value,omitempty"`
	NewValue     map[string]interface{} `json:"new_value,omitempty"`
	ChangedBy    string                 `json:"changed_by"`
	ChangeReason string                 `json:"change_reason,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// AuditFilter narrows GetAuditLogs. ObjectID wins over ObjectType.
type AuditFilter struct {
	ObjectID   *string
	ObjectType string
	Limit      int
}

type VersioningRepository interface {
	CreateVersion(ctx context.Context, version *Version) error
	GetVersions(ctx context.Context, objectID string) ([]Version, error)
	GetNextVersion(ctx context.Context, objectID string) (int, error)
	CreateAuditLog(ctx context.Context, log *AuditLog) error
	GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error)
}

type postgresVersioningRepository struct {
	db *sql.DB
}

func NewVersioningRepository(db *sql.DB) VersioningRepository {
	return &postgresVersioningRepository{db: db}
}

func (r *postgresVersioningRepository) CreateVersion(ctx context.Context, version *Version) error {
	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO config_versions (id, object_id, object_type, data, version, changed_by, change_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		version.ID, version.ObjectID, version.ObjectType, []byte(version.Data),
		version.Version, version.ChangedBy, version.ChangeReason, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

func (r *postgresVersioningRepository) GetVersions(ctx context.Context, objectID string) ([]Version, error) {
	query := `
		SELECT id, object_id, object_type, data, version, changed_by, change_reason, created_at
		FROM config_versions
		WHERE object_id = $1
		ORDER BY version DESC
	`
	rows, err := r.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	versions := []Version{}
	for rows.Next() {
		var v Version
		var data []byte
		if err := rows.Scan(
			&v.ID, &v.ObjectID, &v.ObjectType, &data,
			&v.Version, &v.ChangedBy, &v.ChangeReason, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.Data = data
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r *postgresVersioningRepository) GetNextVersion(ctx context.Context, objectID string) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM config_versions WHERE object_id = $1`, objectID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get next version: %w", err)
	}
	return version, nil
}

func (r *postgresVersioningRepository) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}

	// left nil so absent values are stored as NULL
	var oldValueJSON, newValueJSON interface{}
	if log.OldValue != nil {
		b, err := json.Marshal(log.OldValue)
		if err != nil {
			return fmt.Errorf("failed to marshal old value: %w", err)
		}
		oldValueJSON = b
	}
	if log.NewValue != nil {
		b, err := json.Marshal(log.NewValue)
		if err != nil {
			return fmt.Errorf("failed to marshal new value: %w", err)
		}
		newValueJSON = b
	}

	query := `
		INSERT INTO config_audit_logs (id, object_id, object_type, action, old_value, new_value, changed_by, change_reason, ip_address, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID, log.ObjectID, log.ObjectType, log.Action,
		oldValueJSON, newValueJSON, log.ChangedBy, log.ChangeReason, log.IPAddress, log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

func (r *postgresVersioningRepository) GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error) {
	const columns = `SELECT id, object_id, object_type, action, old_value, new_value, changed_by, change_reason, ip_address, timestamp FROM config_audit_logs`

	var query string
	var args []interface{}
	switch {
	case filter.ObjectID != nil:
		query = columns + ` WHERE object_id = $1 ORDER BY timestamp DESC LIMIT $2`
		args = []interface{}{*filter.ObjectID, filter.Limit}
	case filter.ObjectType != "":
		query = columns + ` WHERE object_type = $1 ORDER BY timestamp DESC LIMIT $2`
		args = []interface{}{filter.ObjectType, filter.Limit}
	default:
		query = columns + ` ORDER BY timestamp DESC LIMIT $1`
		args = []interface{}{filter.Limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		var log AuditLog
		var oldValueJSON, newValueJSON []byte
		if err := rows.Scan(
			&log.ID, &log.ObjectID, &log.ObjectType, &log.Action,
			&oldValueJSON, &newValueJSON, &log.ChangedBy, &log.ChangeReason, &log.IPAddress, &log.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(oldValueJSON) > 0 {
			if err := json.Unmarshal(oldValueJSON, &log.OldValue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal old value: %w", err)
			}
		}
		if len(newValueJSON) > 0 {
			if err := json.Unmarshal(newValueJSON, &log.NewValue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal new value: %w", err)
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// MemoryVersioningRepository keeps history in process. Used by the memory
// store mode and tests.
type MemoryVersioningRepository struct {
	mu       sync.Mutex
	versions []Version
	logs     []AuditLog
}

func NewMemoryVersioningRepository() *MemoryVersioningRepository {
	return &MemoryVersioningRepository{}
}

func (r *MemoryVersioningRepository) CreateVersion(_ context.Context, version *Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	r.versions = append(r.versions, *version)
	return nil
}

func (r *MemoryVersioningRepository) GetVersions(_ context.Context, objectID string) ([]Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Version{}
	for _, v := range r.versions {
		if v.ObjectID == objectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (r *MemoryVersioningRepository) GetNextVersion(_ context.Context, objectID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := 1
	for _, v := range r.versions {
		if v.ObjectID == objectID && v.Version >= next {
			next = v.Version + 1
		}
	}
	return next, nil
}

func (r *MemoryVersioningRepository) CreateAuditLog(_ context.Context, log *AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	r.logs = append(r.logs, *log)
	return nil
}

func (r *MemoryVersioningRepository) GetAuditLogs(_ context.Context, filter AuditFilter) ([]AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []AuditLog{}
	for i := len(r.logs) - 1; i >= 0; i-- {
		log := r.logs[i]
		switch {
		case filter.ObjectID != nil:
			if log.ObjectID == nil || *log.ObjectID != *filter.ObjectID {
				continue
			}
		case filter.ObjectType != "":
			if log.ObjectType != filter.ObjectType {
				continue
			}
		}
		out = append(out, log)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
