package server

import (
	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
	"github.com/gregdigittal/agreement-automation-sub002/internal/engine"
)

type PublishTemplateRequest struct {
	Name         string       `json:"name" example:"standard-approval"`
	ContractType string       `json:"contract_type" example:"Commercial"`
	Stages       []StageInput `json:"stages"`
}

type StageInput struct {
	Name         string  `json:"name" example:"Legal Review"`
	ApproverRole string  `json:"approver_role" example:"legal"`
	SLAHours     float64 `json:"sla_hours" example:"24"`
	Required     bool    `json:"required"`
}

func (r PublishTemplateRequest) options(actorID string) engine.PublishOptions {
	opts := engine.PublishOptions{
		Name:         r.Name,
		ContractType: r.ContractType,
		ActorID:      actorID,
	}
	for _, s := range r.Stages {
		opts.Stages = append(opts.Stages, engine.StageInput{
			Name:         s.Name,
			ApproverRole: s.ApproverRole,
			SLAHours:     s.SLAHours,
			Required:     s.Required,
		})
	}
	return opts
}

type CreateContractRequest struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title" example:"MSA with Acme"`
	ContractType string `json:"contract_type" example:"Commercial"`
	Counterparty string `json:"counterparty,omitempty"`
}

type StartInstanceRequest struct {
	ContractID   string `json:"contract_id"`
	TemplateName string `json:"template_name" example:"standard-approval"`
}

type CompleteStageRequest struct {
	Outcome string `json:"outcome,omitempty" example:"approved"`
}

type CreateRuleRequest struct {
	TemplateID     string  `json:"template_id"`
	StageName      string  `json:"stage_name" example:"Legal Review"`
	SLABreachHours float64 `json:"sla_breach_hours" example:"24"`
	Tier           int     `json:"tier" example:"1"`
	EscalateToRole string  `json:"escalate_to_role" example:"management"`
}

type CreateKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Roles   string `json:"roles,omitempty" example:"admin"`
}

// InstanceDetail bundles an instance with its full stage action history.
type InstanceDetail struct {
	Instance domain.WorkflowInstance `json:"instance"`
	Actions  []domain.StageAction    `json:"actions"`
}

type ScanResult struct {
	Created int    `json:"created"`
	ScanAt  string `json:"scan_at" format:"date-time"`
}

// KeyCreated carries the plaintext key exactly once, at creation time.
type KeyCreated struct {
	Key    string        `json:"key"`
	APIKey domain.APIKey `json:"api_key"`
}
