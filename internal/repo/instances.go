package repo

import (
	"context"
	"database/sql"

	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
)

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,contract_id,template_id,template_version,current_stage,state,started_at,ended_at) VALUES (?,?,?,?,?,?,?,?)`,
		in.ID, in.ContractID, in.TemplateID, in.TemplateVersion, in.CurrentStage, in.State, in.StartedAt, nullableStringPtr(in.EndedAt))
	return err
}

func scanInstance(scan func(dest ...any) error) (domain.WorkflowInstance, error) {
	var in domain.WorkflowInstance
	var ended sql.NullString
	err := scan(&in.ID, &in.ContractID, &in.TemplateID, &in.TemplateVersion, &in.CurrentStage, &in.State, &in.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if ended.Valid {
		in.EndedAt = &ended.String
	}
	return in, err
}

const instanceCols = `id,contract_id,template_id,template_version,current_stage,state,started_at,ended_at`

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

type InstanceFilters struct {
	ContractID string
	State      string
	Limit      int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceCols + ` FROM workflow_instances WHERE 1=1`
	var args []any
	if f.ContractID != "" {
		query += ` AND contract_id=?`
		args = append(args, f.ContractID)
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		in, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ActiveInstances returns every instance a breach scan must inspect.
func (r Repo) ActiveInstances(ctx context.Context) ([]domain.WorkflowInstance, error) {
	return r.ListInstances(ctx, InstanceFilters{State: domain.InstanceActive})
}

// AdvanceInstance moves current_stage forward within the caller's transaction.
func (r Repo) AdvanceInstance(ctx context.Context, tx *sql.Tx, id, stage string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET current_stage=? WHERE id=?`, stage, id)
	return err
}

// TerminateInstance sets a terminal state. Terminal states are final; callers
// must have checked the instance is still active.
func (r Repo) TerminateInstance(ctx context.Context, tx *sql.Tx, id, state, endedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET state=?, ended_at=? WHERE id=?`, state, endedAt, id)
	return err
}

func (r Repo) InsertStageAction(ctx context.Context, tx *sql.Tx, a domain.StageAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_actions(id,instance_id,stage_name,entered_at,completed_at,sla_deadline,actor,outcome) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.InstanceID, a.StageName, a.EnteredAt, nullableStringPtr(a.CompletedAt), a.SLADeadline, nullableStringPtr(a.Actor), nullableStringPtr(a.Outcome))
	return err
}

func scanStageAction(scan func(dest ...any) error) (domain.StageAction, error) {
	var a domain.StageAction
	var completed, actor, outcome sql.NullString
	err := scan(&a.ID, &a.InstanceID, &a.StageName, &a.EnteredAt, &completed, &a.SLADeadline, &actor, &outcome)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if completed.Valid {
		a.CompletedAt = &completed.String
	}
	if actor.Valid {
		a.Actor = &actor.String
	}
	if outcome.Valid {
		a.Outcome = &outcome.String
	}
	return a, err
}

const stageActionCols = `id,instance_id,stage_name,entered_at,completed_at,sla_deadline,actor,outcome`

// OpenStageAction returns the single open action for an instance.
func (r Repo) OpenStageAction(ctx context.Context, instanceID string) (domain.StageAction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageActionCols+` FROM stage_actions WHERE instance_id=? AND completed_at IS NULL`, instanceID)
	return scanStageAction(row.Scan)
}

func (r Repo) OpenStageActionTx(ctx context.Context, tx *sql.Tx, instanceID string) (domain.StageAction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageActionCols+` FROM stage_actions WHERE instance_id=? AND completed_at IS NULL`, instanceID)
	return scanStageAction(row.Scan)
}

// CloseStageAction stamps completion on the open action.
func (r Repo) CloseStageAction(ctx context.Context, tx *sql.Tx, id, completedAt, actor, outcome string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stage_actions SET completed_at=?, actor=?, outcome=? WHERE id=?`,
		completedAt, nullable(actor), nullable(outcome), id)
	return err
}

func (r Repo) ListStageActions(ctx context.Context, instanceID string) ([]domain.StageAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageActionCols+` FROM stage_actions WHERE instance_id=? ORDER BY entered_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageAction
	for rows.Next() {
		a, err := scanStageAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// PendingForRole joins active instances to their frozen snapshot's stage
// definition. The join goes through the instance's template_id, so a newer
// published template version never changes what an in-flight instance routes to.
func (r Repo) PendingForRole(ctx context.Context, role string) ([]domain.PendingItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT i.id, i.contract_id, i.template_id, i.current_stage, s.approver_role, a.entered_at, a.sla_deadline
FROM workflow_instances i
JOIN template_stages s ON s.template_id = i.template_id AND s.name = i.current_stage
JOIN stage_actions a ON a.instance_id = i.id AND a.completed_at IS NULL
WHERE i.state = ? AND s.approver_role = ?
ORDER BY a.entered_at, i.id`, domain.InstanceActive, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingItem
	for rows.Next() {
		var p domain.PendingItem
		if err := rows.Scan(&p.InstanceID, &p.ContractID, &p.TemplateID, &p.StageName, &p.ApproverRole, &p.EnteredAt, &p.SLADeadline); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// StagePerformance aggregates closed stage actions entered within the window.
// Durations are in hours; a breach is completion past the stage's own nominal
// SLA deadline, independent of escalation-rule tiers.
func (r Repo) StagePerformance(ctx context.Context, windowStart string) ([]domain.StageStats, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT stage_name,
       COUNT(*),
       AVG((julianday(completed_at) - julianday(entered_at)) * 24.0),
       MIN((julianday(completed_at) - julianday(entered_at)) * 24.0),
       MAX((julianday(completed_at) - julianday(entered_at)) * 24.0),
       SUM(CASE WHEN completed_at > sla_deadline THEN 1 ELSE 0 END)
FROM stage_actions
WHERE completed_at IS NOT NULL AND entered_at >= ?
GROUP BY stage_name
ORDER BY stage_name`, windowStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageStats
	for rows.Next() {
		var s domain.StageStats
		if err := rows.Scan(&s.StageName, &s.ClosedCount, &s.AvgHours, &s.MinHours, &s.MaxHours, &s.BreachCount); err != nil {
			return nil, err
		}
		if s.ClosedCount > 0 {
			s.BreachRate = float64(s.BreachCount) / float64(s.ClosedCount)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
