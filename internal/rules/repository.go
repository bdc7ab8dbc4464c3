package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"switchboard/internal/constants"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/metrics"
	"switchboard/pkg/models"
)

type Repository interface {
	// ListActive returns the active rules of every account, highest priority first.
	ListActive(ctx context.Context) ([]models.Rule, error)
	List(ctx context.Context, accountID string) ([]models.Rule, error)
	Get(ctx context.Context, id string) (*models.Rule, error)
	Create(ctx context.Context, rule *models.Rule) error
	Update(ctx context.Context, rule *models.Rule) error
	Delete(ctx context.Context, id string) error
}

const ruleColumns = `id, account_id, name, condition_type, condition_value, action_type, action_data, priority, is_active, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery("rules", constants.StorePostgres, operation, status)
	metrics.ObserveDatabaseQueryDuration("rules", constants.StorePostgres, operation, time.Since(start))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var (
		rule          models.Rule
		conditionType string
		actionType    string
		actionData    []byte
	)
	if err := row.Scan(&rule.ID, &rule.AccountID, &rule.Name, &conditionType, &rule.ConditionValue,
		&actionType, &actionData, &rule.Priority, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.ConditionType = models.ConditionType(conditionType)
	rule.ActionType = models.ActionType(actionType)
	if len(actionData) > 0 {
		if err := json.Unmarshal(actionData, &rule.ActionData); err != nil {
			return nil, fmt.Errorf("failed to decode action_data: %w", err)
		}
	}
	return &rule, nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...interface{}) ([]models.Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return rules, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context) (rules []models.Rule, err error) {
	defer func(start time.Time) { observe("rules_list_active", start, err) }(time.Now())

	return r.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE is_active = true
		ORDER BY account_id, priority DESC, created_at ASC
	`)
}

func (r *PostgresRepository) List(ctx context.Context, accountID string) (rules []models.Rule, err error) {
	defer func(start time.Time) { observe("rules_list", start, err) }(time.Now())

	return r.query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY priority DESC, created_at DESC
	`, accountID)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (rule *models.Rule, err error) {
	defer func(start time.Time) { observe("rules_get", start, err) }(time.Now())

	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	rule, err = scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (r *PostgresRepository) Create(ctx context.Context, rule *models.Rule) (err error) {
	defer func(start time.Time) { observe("rules_create", start, err) }(time.Now())

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	actionData, err := marshalActionData(rule.ActionData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.AccountID, rule.Name, string(rule.ConditionType), rule.ConditionValue,
		string(rule.ActionType), actionData, rule.Priority, rule.IsActive, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("rule with id '%s' already exists", rule.ID))
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, rule *models.Rule) (err error) {
	defer func(start time.Time) { observe("rules_update", start, err) }(time.Now())

	rule.UpdatedAt = time.Now().UTC()
	actionData, err := marshalActionData(rule.ActionData)
	if err != nil {
		return err
	}

	query := `
		UPDATE rules
		SET name = $1, condition_type = $2, condition_value = $3, action_type = $4,
		    action_data = $5, priority = $6, is_active = $7, updated_at = $8
		WHERE id = $9
	`
	res, err := r.db.ExecContext(ctx, query,
		rule.Name, string(rule.ConditionType), rule.ConditionValue, string(rule.ActionType),
		actionData, rule.Priority, rule.IsActive, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(res, rule.ID)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("rules_delete", start, err) }(time.Now())

	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id)
	}
	return nil
}

func marshalActionData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.ErrValidation.WithCause(err).WithMessage("action_data is not valid JSON")
	}
	return raw, nil
}

// MemoryRepository keeps rules in process. It backs tests and single-node setups.
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]models.Rule
}

func NewMemoryRepository(rules ...models.Rule) *MemoryRepository {
	r := &MemoryRepository{rules: make(map[string]models.Rule, len(rules))}
	for _, rule := range rules {
		r.rules[rule.ID] = rule
	}
	return r
}

func (r *MemoryRepository) sorted(keep func(models.Rule) bool) []models.Rule {
	out := make([]models.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if keep(rule) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *MemoryRepository) ListActive(_ context.Context) ([]models.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(rule models.Rule) bool { return rule.IsActive }), nil
}

func (r *MemoryRepository) List(_ context.Context, accountID string) ([]models.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(rule models.Rule) bool { return accountID == "" || rule.AccountID == accountID }), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, apperrors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id)
	}
	return &rule, nil
}

func (r *MemoryRepository) Create(_ context.Context, rule *models.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if _, exists := r.rules[rule.ID]; exists {
		return apperrors.ErrConflict.WithDetail("message", fmt.Sprintf("rule with id '%s' already exists", rule.ID))
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	r.rules[rule.ID] = *rule
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, rule *models.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rules[rule.ID]
	if !ok {
		return apperrors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	r.rules[rule.ID] = *rule
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return apperrors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id)
	}
	delete(r.rules, id)
	return nil
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
