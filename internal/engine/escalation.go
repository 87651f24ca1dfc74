package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
	"github.com/gregdigittal/agreement-automation-sub002/internal/events"
	"github.com/gregdigittal/agreement-automation-sub002/internal/notify"
	"github.com/gregdigittal/agreement-automation-sub002/internal/repo"
	"github.com/gregdigittal/agreement-automation-sub002/internal/sla"
)

type RuleCreateOptions struct {
	TemplateID     string
	StageName      string
	SLABreachHours float64
	Tier           int
	EscalateToRole string
	ActorID        string
}

// CreateEscalationRule adds a tiered breach threshold for one template stage.
// At most one rule exists per (template, stage, tier); rule thresholds are
// independent of the stage's nominal SLA.
func (e Engine) CreateEscalationRule(ctx context.Context, opts RuleCreateOptions) (domain.EscalationRule, error) {
	if opts.Tier <= 0 {
		return domain.EscalationRule{}, validationf("tier must be a positive integer")
	}
	if e.Config != nil && e.Config.Escalation.MaxTier > 0 && opts.Tier > e.Config.Escalation.MaxTier {
		return domain.EscalationRule{}, validationf("tier %d exceeds configured max tier %d", opts.Tier, e.Config.Escalation.MaxTier)
	}
	if opts.SLABreachHours <= 0 {
		return domain.EscalationRule{}, validationf("sla_breach_hours must be positive")
	}
	if opts.EscalateToRole == "" {
		return domain.EscalationRule{}, validationf("escalate_to_role is required")
	}
	if e.Config != nil && !e.Config.KnowsRole(opts.EscalateToRole) {
		return domain.EscalationRule{}, validationf("unknown role %q", opts.EscalateToRole)
	}
	t, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.EscalationRule{}, err
	}
	if stageIndex(t.Stages, opts.StageName) < 0 {
		return domain.EscalationRule{}, validationf("stage %q not in template %s", opts.StageName, t.Name)
	}
	existing, err := e.Repo.RulesForStage(ctx, t.ID, opts.StageName)
	if err != nil {
		return domain.EscalationRule{}, err
	}
	for _, r := range existing {
		if r.Tier == opts.Tier {
			return domain.EscalationRule{}, validationf("tier %d already defined for stage %q", opts.Tier, opts.StageName)
		}
	}

	rule := domain.EscalationRule{
		ID:             uuid.New().String(),
		TemplateID:     t.ID,
		StageName:      opts.StageName,
		SLABreachHours: opts.SLABreachHours,
		Tier:           opts.Tier,
		EscalateToRole: opts.EscalateToRole,
		CreatedAt:      e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscalationRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEscalationRule(ctx, tx, rule); err != nil {
		return domain.EscalationRule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "escalation.rule.created", "rule", rule.ID, opts.ActorID, events.EventPayload{
		"template_id": t.ID, "stage": rule.StageName, "tier": rule.Tier, "breach_hours": rule.SLABreachHours,
	}); err != nil {
		return domain.EscalationRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EscalationRule{}, err
	}
	return rule, nil
}

// ScanForBreaches walks every active instance, evaluates each rule for the
// instance's current stage against the open action's entry time, and creates
// an escalation event per newly breached (instance, rule) pair. The
// conditional insert on the open-event key is the sole deduplication
// mechanism, so the scan is re-entrant: repeated invocations within the same
// breach window create nothing new. A failure on one instance is logged and
// skipped, never fatal to the scan. Returns the count of created events.
func (e Engine) ScanForBreaches(ctx context.Context, now time.Time) (int, error) {
	instances, err := e.Repo.ActiveInstances(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, in := range instances {
		n, err := e.scanInstance(ctx, in, now)
		if err != nil {
			log.Printf("breach scan: instance %s skipped: %v", in.ID, err)
			continue
		}
		created += n
	}
	return created, nil
}

func (e Engine) scanInstance(ctx context.Context, in domain.WorkflowInstance, now time.Time) (int, error) {
	open, err := e.Repo.OpenStageAction(ctx, in.ID)
	if err != nil {
		return 0, fmt.Errorf("open stage action: %w", err)
	}
	// The open action can belong to a newer stage than the instance row we
	// listed if a completion raced the scan; rules are keyed by the action's
	// stage name, so evaluating against the action keeps both consistent.
	enteredAt, err := time.Parse(time.RFC3339, open.EnteredAt)
	if err != nil {
		return 0, fmt.Errorf("parse entered_at: %w", err)
	}
	rules, err := e.Repo.RulesForStage(ctx, in.TemplateID, open.StageName)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, rule := range rules {
		if !sla.Evaluate(enteredAt, rule.SLABreachHours, now).Breached {
			continue
		}
		evt := domain.EscalationEvent{
			ID:          uuid.New().String(),
			InstanceID:  in.ID,
			RuleID:      rule.ID,
			ContractID:  in.ContractID,
			StageName:   rule.StageName,
			Tier:        rule.Tier,
			EscalatedAt: now.UTC().Format(time.RFC3339),
		}
		inserted, err := e.createEscalation(ctx, evt, rule)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

func (e Engine) createEscalation(ctx context.Context, evt domain.EscalationEvent, rule domain.EscalationRule) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertEscalationEventIfAbsent(ctx, tx, evt)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, "escalation.raised", "escalation", evt.ID, "system", events.EventPayload{
		"instance_id": evt.InstanceID, "contract_id": evt.ContractID, "stage": evt.StageName,
		"tier": evt.Tier, "role": rule.EscalateToRole,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	// Notification is a fire-and-forget handoff after the event is durable;
	// a delivery failure never rolls anything back.
	if e.Notify != nil {
		e.Notify.Dispatch(ctx, notify.Request{
			Role:       rule.EscalateToRole,
			ContractID: evt.ContractID,
			StageName:  evt.StageName,
			Tier:       evt.Tier,
		})
	}
	return true, nil
}

// ResolveEscalation marks one event resolved. Resolving an already-resolved
// event is a no-op, not an error: resolution can arrive both from an
// operator and implicitly from CompleteStage.
func (e Engine) ResolveEscalation(ctx context.Context, eventID, actorID string) (domain.EscalationEvent, error) {
	evt, err := e.Repo.GetEscalationEvent(ctx, eventID)
	if err != nil {
		return evt, err
	}
	if evt.ResolvedAt != nil {
		return evt, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return evt, err
	}
	defer tx.Rollback()
	nowStr := e.nowString()
	changed, err := e.Repo.ResolveEscalationEvent(ctx, tx, eventID, nowStr)
	if err != nil {
		return evt, err
	}
	if changed {
		if err := e.Events.Append(ctx, tx, "escalation.resolved", "escalation", eventID, actorID, events.EventPayload{
			"instance_id": evt.InstanceID, "cause": "manual",
		}); err != nil {
			return evt, err
		}
	}
	if err := tx.Commit(); err != nil {
		return evt, err
	}
	if changed {
		evt.ResolvedAt = &nowStr
	}
	return evt, nil
}

// ListEscalations exposes escalation events for reporting. Callers wanting a
// single "current tier" take the maximum unresolved tier.
func (e Engine) ListEscalations(ctx context.Context, f repo.EscalationFilters) ([]domain.EscalationEvent, error) {
	return e.Repo.ListEscalationEvents(ctx, f)
}
