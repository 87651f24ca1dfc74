package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gregdigittal/agreement-automation-sub002/internal/config"
	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
	"github.com/gregdigittal/agreement-automation-sub002/internal/events"
	"github.com/gregdigittal/agreement-automation-sub002/internal/notify"
	"github.com/gregdigittal/agreement-automation-sub002/internal/repo"
	"github.com/gregdigittal/agreement-automation-sub002/internal/sla"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Notify notify.Dispatcher
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Notify: notify.LogDispatcher{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StageInput is one stage of a template being published. Order is assigned
// from slice position.
type StageInput struct {
	Name         string  `json:"name" yaml:"name"`
	ApproverRole string  `json:"approver_role" yaml:"approver_role"`
	SLAHours     float64 `json:"sla_hours" yaml:"sla_hours"`
	Required     bool    `json:"required" yaml:"required"`
}

type PublishOptions struct {
	Name         string       `json:"name" yaml:"name"`
	ContractType string       `json:"contract_type" yaml:"contract_type"`
	Stages       []StageInput `json:"stages" yaml:"stages"`
	ActorID      string       `json:"-" yaml:"-"`
}

// PublishTemplate validates the stage list, assigns the next version for the
// (name, contractType) key, archives any previously published version, and
// stores the new template as published. Templates are immutable once
// published except for status.
func (e Engine) PublishTemplate(ctx context.Context, opts PublishOptions) (domain.WorkflowTemplate, error) {
	if opts.Name == "" {
		return domain.WorkflowTemplate{}, validationf("template name is required")
	}
	if opts.ContractType == "" {
		return domain.WorkflowTemplate{}, validationf("contract type is required")
	}
	if len(opts.Stages) == 0 {
		return domain.WorkflowTemplate{}, validationf("template requires at least one stage")
	}
	seen := map[string]bool{}
	for i, s := range opts.Stages {
		if s.Name == "" {
			return domain.WorkflowTemplate{}, validationf("stage %d has no name", i+1)
		}
		if seen[s.Name] {
			return domain.WorkflowTemplate{}, validationf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.ApproverRole == "" {
			return domain.WorkflowTemplate{}, validationf("stage %q has no approver role", s.Name)
		}
		if e.Config != nil && !e.Config.KnowsRole(s.ApproverRole) {
			return domain.WorkflowTemplate{}, validationf("stage %q references unknown role %q", s.Name, s.ApproverRole)
		}
		if s.SLAHours <= 0 {
			return domain.WorkflowTemplate{}, validationf("stage %q sla_hours must be positive", s.Name)
		}
	}

	t := domain.WorkflowTemplate{
		ID:           uuid.New().String(),
		Name:         opts.Name,
		ContractType: opts.ContractType,
		Status:       domain.TemplatePublished,
		CreatedAt:    e.nowString(),
	}
	for i, s := range opts.Stages {
		t.Stages = append(t.Stages, domain.StageDef{
			Name:         s.Name,
			ApproverRole: s.ApproverRole,
			SLAHours:     s.SLAHours,
			Required:     s.Required,
			Order:        i + 1,
		})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	defer tx.Rollback()

	prev, err := e.Repo.MaxTemplateVersion(ctx, tx, t.Name, t.ContractType)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	t.Version = prev + 1
	if err := e.Repo.ArchivePublished(ctx, tx, t.Name, t.ContractType); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "template.published", "template", t.ID, opts.ActorID, events.EventPayload{
		"name": t.Name, "contract_type": t.ContractType, "version": t.Version, "stages": len(t.Stages),
	}); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return t, nil
}

// GetSnapshot returns the immutable (templateID, version) view instances are
// frozen to.
func (e Engine) GetSnapshot(ctx context.Context, templateID string, version int) (domain.WorkflowTemplate, error) {
	return e.Repo.GetSnapshot(ctx, templateID, version)
}

type ContractCreateOptions struct {
	ID           string
	Title        string
	ContractType string
	Counterparty string
	ActorID      string
}

// CreateContract registers a contract so a workflow instance can bind to it.
func (e Engine) CreateContract(ctx context.Context, opts ContractCreateOptions) (domain.Contract, error) {
	if opts.Title == "" {
		return domain.Contract{}, validationf("contract title is required")
	}
	if opts.ContractType == "" {
		return domain.Contract{}, validationf("contract type is required")
	}
	c := domain.Contract{
		ID:           opts.ID,
		Title:        opts.Title,
		ContractType: opts.ContractType,
		Counterparty: opts.Counterparty,
		Status:       "draft",
		CreatedAt:    e.nowString(),
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "contract.created", "contract", c.ID, opts.ActorID, events.EventPayload{
		"title": c.Title, "contract_type": c.ContractType,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

type StartOptions struct {
	ContractID   string
	TemplateName string
	ContractType string
	ActorID      string
}

// StartInstance resolves the currently published template for the key,
// creates an instance frozen to that (templateID, version) snapshot at the
// first stage, and opens the first stage action. ContractType defaults to
// the contract's own type.
func (e Engine) StartInstance(ctx context.Context, opts StartOptions) (domain.WorkflowInstance, error) {
	if opts.ContractID == "" {
		return domain.WorkflowInstance{}, validationf("contract id is required")
	}
	if opts.TemplateName == "" {
		return domain.WorkflowInstance{}, validationf("template name is required")
	}
	c, err := e.Repo.GetContract(ctx, opts.ContractID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	contractType := opts.ContractType
	if contractType == "" {
		contractType = c.ContractType
	}
	t, err := e.Repo.PublishedTemplate(ctx, opts.TemplateName, contractType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkflowInstance{}, fmt.Errorf("%w: %s/%s", ErrNoPublishedTemplate, opts.TemplateName, contractType)
		}
		return domain.WorkflowInstance{}, err
	}
	existing, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{ContractID: c.ID, State: domain.InstanceActive})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	for _, in := range existing {
		if in.TemplateID == t.ID {
			return domain.WorkflowInstance{}, validationf("contract %s already has an active instance of template %s", c.ID, t.Name)
		}
	}

	now := e.now().UTC()
	first := t.Stages[0]
	in := domain.WorkflowInstance{
		ID:              uuid.New().String(),
		ContractID:      c.ID,
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		CurrentStage:    first.Name,
		State:           domain.InstanceActive,
		StartedAt:       now.Format(time.RFC3339),
	}
	action := domain.StageAction{
		ID:          uuid.New().String(),
		InstanceID:  in.ID,
		StageName:   first.Name,
		EnteredAt:   now.Format(time.RFC3339),
		SLADeadline: sla.Deadline(now, first.SLAHours).Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstance(ctx, tx, in); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.Repo.InsertStageAction(ctx, tx, action); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("open first stage: %w", err)
	}
	if err := e.Repo.UpdateContractStatus(ctx, tx, c.ID, "in_workflow"); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.started", "instance", in.ID, opts.ActorID, events.EventPayload{
		"contract_id": c.ID, "template_id": t.ID, "template_version": t.Version, "stage": first.Name,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return in, nil
}

// CompleteStage closes the current open stage action, resolves any unresolved
// escalations for the instance, and advances to the next stage in snapshot
// order, or completes the instance when the current stage is the last. The
// close, resolve and advance apply as one atomic unit per instance: a
// concurrent breach scan observes either the fully-old or fully-new stage.
func (e Engine) CompleteStage(ctx context.Context, instanceID, actor, outcome string) (domain.WorkflowInstance, error) {
	if outcome == "" {
		outcome = "approved"
	}
	snapshotFor := func(in domain.WorkflowInstance) (domain.WorkflowTemplate, error) {
		// Published templates are immutable, so the snapshot read can sit
		// outside the instance transaction.
		return e.Repo.GetSnapshot(ctx, in.TemplateID, in.TemplateVersion)
	}
	in, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return in, err
	}
	if in.State != domain.InstanceActive {
		return in, fmt.Errorf("%w: %s is %s", ErrInstanceNotActive, in.ID, in.State)
	}
	snap, err := snapshotFor(in)
	if err != nil {
		return in, fmt.Errorf("resolve snapshot: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()

	in, err = e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return in, err
	}
	if in.State != domain.InstanceActive {
		return in, fmt.Errorf("%w: %s is %s", ErrInstanceNotActive, in.ID, in.State)
	}
	open, err := e.Repo.OpenStageActionTx(ctx, tx, in.ID)
	if err != nil {
		return in, fmt.Errorf("open stage action: %w", err)
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	if err := e.Repo.CloseStageAction(ctx, tx, open.ID, nowStr, actor, outcome); err != nil {
		return in, err
	}
	resolved, err := e.Repo.ResolveInstanceEscalations(ctx, tx, in.ID, nowStr)
	if err != nil {
		return in, err
	}
	for _, id := range resolved {
		if err := e.Events.Append(ctx, tx, "escalation.resolved", "escalation", id, actor, events.EventPayload{
			"instance_id": in.ID, "cause": "stage.completed",
		}); err != nil {
			return in, err
		}
	}

	idx := stageIndex(snap.Stages, in.CurrentStage)
	if idx < 0 {
		return in, fmt.Errorf("stage %q not in snapshot %s v%d", in.CurrentStage, snap.ID, snap.Version)
	}
	if err := e.Events.Append(ctx, tx, "stage.completed", "instance", in.ID, actor, events.EventPayload{
		"stage": in.CurrentStage, "outcome": outcome,
	}); err != nil {
		return in, err
	}

	if idx == len(snap.Stages)-1 {
		if err := e.Repo.TerminateInstance(ctx, tx, in.ID, domain.InstanceCompleted, nowStr); err != nil {
			return in, err
		}
		if err := e.Repo.UpdateContractStatus(ctx, tx, in.ContractID, "approved"); err != nil {
			return in, err
		}
		if err := e.Events.Append(ctx, tx, "instance.completed", "instance", in.ID, actor, nil); err != nil {
			return in, err
		}
		in.State = domain.InstanceCompleted
		in.EndedAt = &nowStr
	} else {
		next := snap.Stages[idx+1]
		if err := e.Repo.AdvanceInstance(ctx, tx, in.ID, next.Name); err != nil {
			return in, err
		}
		action := domain.StageAction{
			ID:          uuid.New().String(),
			InstanceID:  in.ID,
			StageName:   next.Name,
			EnteredAt:   nowStr,
			SLADeadline: sla.Deadline(now, next.SLAHours).Format(time.RFC3339),
		}
		if err := e.Repo.InsertStageAction(ctx, tx, action); err != nil {
			return in, fmt.Errorf("open next stage: %w", err)
		}
		in.CurrentStage = next.Name
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	return in, nil
}

// CancelInstance terminates an instance, closes its open stage action with a
// cancelled outcome, and resolves any open escalations. Cancelling an
// already-terminal instance is a no-op, not an error, so retried calls after
// a timeout are safe.
func (e Engine) CancelInstance(ctx context.Context, instanceID, actorID string) (domain.WorkflowInstance, error) {
	in, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return in, err
	}
	if in.State != domain.InstanceActive {
		return in, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()

	in, err = e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return in, err
	}
	if in.State != domain.InstanceActive {
		return in, nil
	}
	nowStr := e.nowString()
	open, err := e.Repo.OpenStageActionTx(ctx, tx, in.ID)
	if err == nil {
		if err := e.Repo.CloseStageAction(ctx, tx, open.ID, nowStr, actorID, "cancelled"); err != nil {
			return in, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return in, err
	}
	resolved, err := e.Repo.ResolveInstanceEscalations(ctx, tx, in.ID, nowStr)
	if err != nil {
		return in, err
	}
	for _, id := range resolved {
		if err := e.Events.Append(ctx, tx, "escalation.resolved", "escalation", id, actorID, events.EventPayload{
			"instance_id": in.ID, "cause": "instance.cancelled",
		}); err != nil {
			return in, err
		}
	}
	if err := e.Repo.TerminateInstance(ctx, tx, in.ID, domain.InstanceCancelled, nowStr); err != nil {
		return in, err
	}
	if err := e.Repo.UpdateContractStatus(ctx, tx, in.ContractID, "cancelled"); err != nil {
		return in, err
	}
	if err := e.Events.Append(ctx, tx, "instance.cancelled", "instance", in.ID, actorID, nil); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	in.State = domain.InstanceCancelled
	in.EndedAt = &nowStr
	return in, nil
}

// PendingForRole is the work router: active instances whose snapshot stage
// definition for the current stage names this approver role. Role comes in
// as an explicit parameter; there is no session state.
func (e Engine) PendingForRole(ctx context.Context, role string) ([]domain.PendingItem, error) {
	if role == "" {
		return nil, validationf("role is required")
	}
	return e.Repo.PendingForRole(ctx, role)
}

// StagePerformance aggregates completed stage actions entered within the
// last windowDays. An empty window yields zero rows, not an error.
func (e Engine) StagePerformance(ctx context.Context, windowDays int) ([]domain.StageStats, error) {
	if windowDays <= 0 {
		return nil, validationf("window days must be positive")
	}
	start := e.now().UTC().AddDate(0, 0, -windowDays).Format(time.RFC3339)
	return e.Repo.StagePerformance(ctx, start)
}

func stageIndex(stages []domain.StageDef, name string) int {
	for i, s := range stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}
