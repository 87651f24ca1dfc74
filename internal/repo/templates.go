package repo

import (
	"context"
	"database/sql"

	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_templates(id,name,contract_type,version,status,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.ContractType, t.Version, t.Status, t.CreatedAt); err != nil {
		return err
	}
	for _, s := range t.Stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_stages(template_id,name,approver_role,sla_hours,required,position) VALUES (?,?,?,?,?,?)`,
			t.ID, s.Name, s.ApproverRole, s.SLAHours, boolToInt(s.Required), s.Order); err != nil {
			return err
		}
	}
	return nil
}

// MaxTemplateVersion returns the highest version for a (name, contractType)
// key, or 0 when no version exists yet.
func (r Repo) MaxTemplateVersion(ctx context.Context, tx *sql.Tx, name, contractType string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM workflow_templates WHERE name=? AND contract_type=?`, name, contractType).Scan(&v)
	return v, err
}

// ArchivePublished demotes any currently published version of the key so the
// new one becomes the sole eligible template.
func (r Repo) ArchivePublished(ctx context.Context, tx *sql.Tx, name, contractType string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflow_templates SET status=? WHERE name=? AND contract_type=? AND status=?`,
		domain.TemplateArchived, name, contractType, domain.TemplatePublished)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,contract_type,version,status,created_at FROM workflow_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.ContractType, &t.Version, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Stages, err = r.listStages(ctx, t.ID)
	return t, err
}

// GetSnapshot returns the immutable template view an instance is frozen to.
func (r Repo) GetSnapshot(ctx context.Context, id string, version int) (domain.WorkflowTemplate, error) {
	t, err := r.GetTemplate(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Version != version {
		return domain.WorkflowTemplate{}, ErrNotFound
	}
	return t, nil
}

// PublishedTemplate resolves the single published version for a key.
func (r Repo) PublishedTemplate(ctx context.Context, name, contractType string) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,contract_type,version,status,created_at FROM workflow_templates WHERE name=? AND contract_type=? AND status=?`,
		name, contractType, domain.TemplatePublished).
		Scan(&t.ID, &t.Name, &t.ContractType, &t.Version, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Stages, err = r.listStages(ctx, t.ID)
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context, contractType string) ([]domain.WorkflowTemplate, error) {
	query := `SELECT id,name,contract_type,version,status,created_at FROM workflow_templates ORDER BY name, contract_type, version DESC`
	args := []any{}
	if contractType != "" {
		query = `SELECT id,name,contract_type,version,status,created_at FROM workflow_templates WHERE contract_type=? ORDER BY name, version DESC`
		args = append(args, contractType)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		var t domain.WorkflowTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.ContractType, &t.Version, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Stages, err = r.listStages(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) listStages(ctx context.Context, templateID string) ([]domain.StageDef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,approver_role,sla_hours,required,position FROM template_stages WHERE template_id=? ORDER BY position`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stages []domain.StageDef
	for rows.Next() {
		var s domain.StageDef
		var required int
		if err := rows.Scan(&s.Name, &s.ApproverRole, &s.SLAHours, &required, &s.Order); err != nil {
			return nil, err
		}
		s.Required = required != 0
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// StageDef returns one stage of a template by name.
func (r Repo) StageDef(ctx context.Context, templateID, stageName string) (domain.StageDef, error) {
	var s domain.StageDef
	var required int
	err := r.DB.QueryRowContext(ctx, `SELECT name,approver_role,sla_hours,required,position FROM template_stages WHERE template_id=? AND name=?`, templateID, stageName).
		Scan(&s.Name, &s.ApproverRole, &s.SLAHours, &required, &s.Order)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Required = required != 0
	return s, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
