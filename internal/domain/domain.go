package domain

// Template statuses.
const (
	TemplateDraft     = "draft"
	TemplatePublished = "published"
	TemplateArchived  = "archived"
)

// Instance states.
const (
	InstanceActive    = "active"
	InstanceCompleted = "completed"
	InstanceCancelled = "cancelled"
)

type WorkflowTemplate struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	ContractType string     `json:"contract_type"`
	Version      int        `json:"version"`
	Status       string     `json:"status" enum:"draft,published,archived"`
	Stages       []StageDef `json:"stages"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
}

// StageDef is one step of a template's ordered approval sequence.
// Order is 1-based and contiguous within a template.
type StageDef struct {
	Name         string  `json:"name"`
	ApproverRole string  `json:"approver_role"`
	SLAHours     float64 `json:"sla_hours"`
	Required     bool    `json:"required"`
	Order        int     `json:"order"`
}

type Contract struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ContractType string `json:"contract_type"`
	Counterparty string `json:"counterparty,omitempty"`
	Status       string `json:"status" enum:"draft,in_workflow,approved,cancelled"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type WorkflowInstance struct {
	ID              string  `json:"id"`
	ContractID      string  `json:"contract_id"`
	TemplateID      string  `json:"template_id"`
	TemplateVersion int     `json:"template_version"`
	CurrentStage    string  `json:"current_stage"`
	State           string  `json:"state" enum:"active,completed,cancelled"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
}

// StageAction is one row of the append-only stage history. Exactly one
// open row (CompletedAt nil) exists per active instance.
type StageAction struct {
	ID          string  `json:"id"`
	InstanceID  string  `json:"instance_id"`
	StageName   string  `json:"stage_name"`
	EnteredAt   string  `json:"entered_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	SLADeadline string  `json:"sla_deadline" format:"date-time"`
	Actor       *string `json:"actor,omitempty"`
	Outcome     *string `json:"outcome,omitempty"`
}

type EscalationRule struct {
	ID             string  `json:"id"`
	TemplateID     string  `json:"template_id"`
	StageName      string  `json:"stage_name"`
	SLABreachHours float64 `json:"sla_breach_hours"`
	Tier           int     `json:"tier"`
	EscalateToRole string  `json:"escalate_to_role"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type EscalationEvent struct {
	ID          string  `json:"id"`
	InstanceID  string  `json:"instance_id"`
	RuleID      string  `json:"rule_id"`
	ContractID  string  `json:"contract_id"`
	StageName   string  `json:"stage_name"`
	Tier        int     `json:"tier"`
	EscalatedAt string  `json:"escalated_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

// PendingItem is a work-router result: an active instance waiting on a role.
type PendingItem struct {
	InstanceID   string `json:"instance_id"`
	ContractID   string `json:"contract_id"`
	TemplateID   string `json:"template_id"`
	StageName    string `json:"stage_name"`
	ApproverRole string `json:"approver_role"`
	EnteredAt    string `json:"entered_at" format:"date-time"`
	SLADeadline  string `json:"sla_deadline" format:"date-time"`
}

// StageStats is one per-stage row of the performance report.
type StageStats struct {
	StageName   string  `json:"stage_name"`
	ClosedCount int     `json:"closed_count"`
	AvgHours    float64 `json:"avg_hours"`
	MinHours    float64 `json:"min_hours"`
	MaxHours    float64 `json:"max_hours"`
	BreachCount int     `json:"breach_count"`
	BreachRate  float64 `json:"breach_rate"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Roles     string `json:"roles,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
