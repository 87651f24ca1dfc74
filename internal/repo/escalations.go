package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
)

func (r Repo) InsertEscalationRule(ctx context.Context, tx *sql.Tx, rule domain.EscalationRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalation_rules(id,template_id,stage_name,sla_breach_hours,tier,escalate_to_role,created_at) VALUES (?,?,?,?,?,?,?)`,
		rule.ID, rule.TemplateID, rule.StageName, rule.SLABreachHours, rule.Tier, rule.EscalateToRole, rule.CreatedAt)
	return err
}

func (r Repo) GetEscalationRule(ctx context.Context, id string) (domain.EscalationRule, error) {
	var rule domain.EscalationRule
	err := r.DB.QueryRowContext(ctx, `SELECT id,template_id,stage_name,sla_breach_hours,tier,escalate_to_role,created_at FROM escalation_rules WHERE id=?`, id).
		Scan(&rule.ID, &rule.TemplateID, &rule.StageName, &rule.SLABreachHours, &rule.Tier, &rule.EscalateToRole, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	return rule, err
}

// RulesForStage returns the rules a breach scan evaluates for one instance:
// those matching its template and current stage, ordered by tier.
func (r Repo) RulesForStage(ctx context.Context, templateID, stageName string) ([]domain.EscalationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,stage_name,sla_breach_hours,tier,escalate_to_role,created_at FROM escalation_rules WHERE template_id=? AND stage_name=? ORDER BY tier`, templateID, stageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (r Repo) ListEscalationRules(ctx context.Context, templateID string) ([]domain.EscalationRule, error) {
	query := `SELECT id,template_id,stage_name,sla_breach_hours,tier,escalate_to_role,created_at FROM escalation_rules ORDER BY template_id, stage_name, tier`
	var args []any
	if templateID != "" {
		query = `SELECT id,template_id,stage_name,sla_breach_hours,tier,escalate_to_role,created_at FROM escalation_rules WHERE template_id=? ORDER BY stage_name, tier`
		args = append(args, templateID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]domain.EscalationRule, error) {
	var res []domain.EscalationRule
	for rows.Next() {
		var rule domain.EscalationRule
		if err := rows.Scan(&rule.ID, &rule.TemplateID, &rule.StageName, &rule.SLABreachHours, &rule.Tier, &rule.EscalateToRole, &rule.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// InsertEscalationEventIfAbsent is the create-if-absent-unresolved step. The
// partial unique index on (instance_id, rule_id) WHERE resolved_at IS NULL
// makes the existence check and the insert one atomic statement, so
// concurrent scans cannot double-create. Returns true when a row was created.
func (r Repo) InsertEscalationEventIfAbsent(ctx context.Context, tx *sql.Tx, e domain.EscalationEvent) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO escalation_events(id,instance_id,rule_id,contract_id,stage_name,tier,escalated_at,resolved_at)
VALUES (?,?,?,?,?,?,?,NULL)
ON CONFLICT DO NOTHING`,
		e.ID, e.InstanceID, e.RuleID, e.ContractID, e.StageName, e.Tier, e.EscalatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const escalationCols = `id,instance_id,rule_id,contract_id,stage_name,tier,escalated_at,resolved_at`

func (r Repo) GetEscalationEvent(ctx context.Context, id string) (domain.EscalationEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalation_events WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

func (r Repo) GetEscalationEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.EscalationEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalation_events WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

func scanEscalation(scan func(dest ...any) error) (domain.EscalationEvent, error) {
	var e domain.EscalationEvent
	var resolved sql.NullString
	err := scan(&e.ID, &e.InstanceID, &e.RuleID, &e.ContractID, &e.StageName, &e.Tier, &e.EscalatedAt, &resolved)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if resolved.Valid {
		e.ResolvedAt = &resolved.String
	}
	return e, err
}

type EscalationFilters struct {
	InstanceID string
	ContractID string
	Unresolved bool
	Limit      int
}

func (r Repo) ListEscalationEvents(ctx context.Context, f EscalationFilters) ([]domain.EscalationEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.Unresolved {
		clauses = append(clauses, "resolved_at IS NULL")
	}
	query := `SELECT ` + escalationCols + ` FROM escalation_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY escalated_at DESC, tier DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationEvent
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ResolveEscalationEvent stamps resolved_at on an unresolved event. Returns
// false when the event was already resolved, which callers treat as a no-op.
func (r Repo) ResolveEscalationEvent(ctx context.Context, tx *sql.Tx, id, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE escalation_events SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolveInstanceEscalations closes every unresolved event for an instance and
// returns the ids it resolved.
func (r Repo) ResolveInstanceEscalations(ctx context.Context, tx *sql.Tx, instanceID, resolvedAt string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM escalation_events WHERE instance_id=? AND resolved_at IS NULL`, instanceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE escalation_events SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, resolvedAt, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
