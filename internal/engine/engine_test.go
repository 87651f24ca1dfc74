package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregdigittal/agreement-automation-sub002/internal/config"
	"github.com/gregdigittal/agreement-automation-sub002/internal/db"
	"github.com/gregdigittal/agreement-automation-sub002/internal/engine"
	"github.com/gregdigittal/agreement-automation-sub002/internal/migrate"
	"github.com/gregdigittal/agreement-automation-sub002/internal/notify"
	"github.com/gregdigittal/agreement-automation-sub002/internal/repo"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Request
}

func (s *recordingSink) Dispatch(_ context.Context, req notify.Request) {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	s.mu.Unlock()
}

func (s *recordingSink) requests() []notify.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Request(nil), s.sent...)
}

type testEnv struct {
	Engine engine.Engine
	Sink   *recordingSink
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Sink: &recordingSink{},
		Ctx:  context.Background(),
		now:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("agreements-test"))
	eng.Now = func() time.Time { return env.now }
	eng.Notify = env.Sink
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) publishTwoStage(t *testing.T) (templateID string) {
	t.Helper()
	tpl, err := env.Engine.PublishTemplate(env.Ctx, engine.PublishOptions{
		Name:         "standard-approval",
		ContractType: "Commercial",
		Stages: []engine.StageInput{
			{Name: "Legal Review", ApproverRole: "legal", SLAHours: 24, Required: true},
			{Name: "Finance Sign-off", ApproverRole: "finance", SLAHours: 12, Required: true},
		},
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("publish template: %v", err)
	}
	return tpl.ID
}

func (env *testEnv) startInstance(t *testing.T, contractID string) string {
	t.Helper()
	if _, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{
		ID:           contractID,
		Title:        "MSA with Acme",
		ContractType: "Commercial",
		ActorID:      "admin",
	}); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	in, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{
		ContractID:   contractID,
		TemplateName: "standard-approval",
		ActorID:      "admin",
	})
	if err != nil {
		t.Fatalf("start instance: %v", err)
	}
	return in.ID
}

func (env *testEnv) addRule(t *testing.T, templateID, stage string, tier int, hours float64, role string) string {
	t.Helper()
	rule, err := env.Engine.CreateEscalationRule(env.Ctx, engine.RuleCreateOptions{
		TemplateID:     templateID,
		StageName:      stage,
		SLABreachHours: hours,
		Tier:           tier,
		EscalateToRole: role,
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatalf("create rule tier %d: %v", tier, err)
	}
	return rule.ID
}

func TestPublishValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.PublishOptions
	}{
		{"empty stages", engine.PublishOptions{Name: "t", ContractType: "NDA"}},
		{"duplicate stage names", engine.PublishOptions{Name: "t", ContractType: "NDA", Stages: []engine.StageInput{
			{Name: "Review", ApproverRole: "legal", SLAHours: 8},
			{Name: "Review", ApproverRole: "finance", SLAHours: 8},
		}}},
		{"non-positive sla", engine.PublishOptions{Name: "t", ContractType: "NDA", Stages: []engine.StageInput{
			{Name: "Review", ApproverRole: "legal", SLAHours: 0},
		}}},
		{"unknown role", engine.PublishOptions{Name: "t", ContractType: "NDA", Stages: []engine.StageInput{
			{Name: "Review", ApproverRole: "janitorial", SLAHours: 8},
		}}},
		{"missing name", engine.PublishOptions{ContractType: "NDA", Stages: []engine.StageInput{
			{Name: "Review", ApproverRole: "legal", SLAHours: 8},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.PublishTemplate(env.Ctx, tc.opts)
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestPublishVersioningArchivesPrior(t *testing.T) {
	env := newTestEnv(t)
	first := env.publishTwoStage(t)
	second, err := env.Engine.PublishTemplate(env.Ctx, engine.PublishOptions{
		Name:         "standard-approval",
		ContractType: "Commercial",
		Stages: []engine.StageInput{
			{Name: "Legal Review", ApproverRole: "legal", SLAHours: 48, Required: true},
		},
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	v1, err := env.Engine.Repo.GetTemplate(env.Ctx, first)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Status != "archived" {
		t.Fatalf("expected v1 archived, got %s", v1.Status)
	}
	pub, err := env.Engine.Repo.PublishedTemplate(env.Ctx, "standard-approval", "Commercial")
	if err != nil {
		t.Fatalf("published lookup: %v", err)
	}
	if pub.ID != second.ID {
		t.Fatalf("published template is %s, want %s", pub.ID, second.ID)
	}
}

func TestStartWithoutPublishedTemplate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateContract(env.Ctx, engine.ContractCreateOptions{
		ID: "c-1", Title: "Lone contract", ContractType: "Commercial", ActorID: "admin",
	}); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	_, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{
		ContractID: "c-1", TemplateName: "standard-approval", ActorID: "admin",
	})
	if !errors.Is(err, engine.ErrNoPublishedTemplate) {
		t.Fatalf("expected ErrNoPublishedTemplate, got %v", err)
	}
}

func TestSequentialAdvancement(t *testing.T) {
	env := newTestEnv(t)
	env.publishTwoStage(t)
	id := env.startInstance(t, "c-1")

	in, err := env.Engine.Repo.GetInstance(env.Ctx, id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if in.CurrentStage != "Legal Review" {
		t.Fatalf("expected first stage, got %s", in.CurrentStage)
	}

	env.advance(2 * time.Hour)
	in, err = env.Engine.CompleteStage(env.Ctx, id, "alice", "approved")
	if err != nil {
		t.Fatalf("complete first stage: %v", err)
	}
	if in.CurrentStage != "Finance Sign-off" || in.State != "active" {
		t.Fatalf("expected advance to Finance Sign-off, got %s/%s", in.CurrentStage, in.State)
	}
	open, err := env.Engine.Repo.OpenStageAction(env.Ctx, id)
	if err != nil {
		t.Fatalf("open action after advance: %v", err)
	}
	if open.StageName != "Finance Sign-off" {
		t.Fatalf("open action on %s", open.StageName)
	}
	actions, err := env.Engine.Repo.ListStageActions(env.Ctx, id)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}

	env.advance(time.Hour)
	in, err = env.Engine.CompleteStage(env.Ctx, id, "bob", "approved")
	if err != nil {
		t.Fatalf("complete last stage: %v", err)
	}
	if in.State != "completed" {
		t.Fatalf("expected completed, got %s", in.State)
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, "c-1")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.Status != "approved" {
		t.Fatalf("expected contract approved, got %s", c.Status)
	}

	_, err = env.Engine.CompleteStage(env.Ctx, id, "carol", "approved")
	if !errors.Is(err, engine.ErrInstanceNotActive) {
		t.Fatalf("expected ErrInstanceNotActive, got %v", err)
	}
}

func TestSnapshotImmutability(t *testing.T) {
	env := newTestEnv(t)
	env.publishTwoStage(t)
	id := env.startInstance(t, "c-1")

	// Republish the key with a different approver for the first stage.
	if _, err := env.Engine.PublishTemplate(env.Ctx, engine.PublishOptions{
		Name:         "standard-approval",
		ContractType: "Commercial",
		Stages: []engine.StageInput{
			{Name: "Legal Review", ApproverRole: "compliance", SLAHours: 24, Required: true},
			{Name: "Finance Sign-off", ApproverRole: "finance", SLAHours: 12, Required: true},
		},
		ActorID: "admin",
	}); err != nil {
		t.Fatalf("publish v2: %v", err)
	}

	pending, err := env.Engine.PendingForRole(env.Ctx, "legal")
	if err != nil {
		t.Fatalf("pending for legal: %v", err)
	}
	if len(pending) != 1 || pending[0].InstanceID != id {
		t.Fatalf("expected in-flight instance still routed to legal, got %+v", pending)
	}
	compliance, err := env.Engine.PendingForRole(env.Ctx, "compliance")
	if err != nil {
		t.Fatalf("pending for compliance: %v", err)
	}
	if len(compliance) != 0 {
		t.Fatalf("live template leaked into snapshot routing: %+v", compliance)
	}
}

func TestScanDedup(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	id := env.startInstance(t, "c-1")

	env.advance(30 * time.Hour)
	for i, want := range []int{1, 0, 0} {
		n, err := env.Engine.ScanForBreaches(env.Ctx, env.now)
		if err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		if n != want {
			t.Fatalf("scan %d created %d events, want %d", i, n, want)
		}
	}
	open, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{InstanceID: id, Unresolved: true})
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly 1 unresolved event, got %d", len(open))
	}
	sent := env.Sink.requests()
	if len(sent) != 1 || sent[0].Role != "legal" || sent[0].Tier != 1 {
		t.Fatalf("expected one legal tier-1 notification, got %+v", sent)
	}
}

func TestTierIndependence(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	env.addRule(t, tplID, "Legal Review", 2, 48, "management")
	id := env.startInstance(t, "c-1")

	env.advance(50 * time.Hour)
	n, err := env.Engine.ScanForBreaches(env.Ctx, env.now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events at 50h, got %d", n)
	}
	open, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{InstanceID: id, Unresolved: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	tiers := map[int]bool{}
	for _, evt := range open {
		tiers[evt.Tier] = true
	}
	if len(open) != 2 || !tiers[1] || !tiers[2] {
		t.Fatalf("expected unresolved tiers 1 and 2, got %+v", open)
	}
}

func TestResolutionOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	id := env.startInstance(t, "c-1")

	env.advance(30 * time.Hour)
	if n, err := env.Engine.ScanForBreaches(env.Ctx, env.now); err != nil || n != 1 {
		t.Fatalf("scan: n=%d err=%v", n, err)
	}

	env.advance(time.Hour)
	if _, err := env.Engine.CompleteStage(env.Ctx, id, "alice", "approved"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	open, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{InstanceID: id, Unresolved: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected all events resolved on completion, got %d open", len(open))
	}
	all, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{InstanceID: id})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].ResolvedAt == nil {
		t.Fatalf("expected one resolved event, got %+v", all)
	}

	// The stage that triggered the rule is closed; an immediate re-scan
	// creates nothing for the fresh stage.
	if n, err := env.Engine.ScanForBreaches(env.Ctx, env.now); err != nil || n != 0 {
		t.Fatalf("post-completion scan: n=%d err=%v", n, err)
	}
}

func TestCancelIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	id := env.startInstance(t, "c-1")

	env.advance(30 * time.Hour)
	if _, err := env.Engine.ScanForBreaches(env.Ctx, env.now); err != nil {
		t.Fatalf("scan: %v", err)
	}
	in, err := env.Engine.CancelInstance(env.Ctx, id, "admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if in.State != "cancelled" {
		t.Fatalf("expected cancelled, got %s", in.State)
	}
	open, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{InstanceID: id, Unresolved: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected escalations resolved on cancel, got %d", len(open))
	}
	if _, err := env.Engine.Repo.OpenStageAction(env.Ctx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no open action after cancel, got %v", err)
	}

	// Second cancel is a no-op, not an error.
	again, err := env.Engine.CancelInstance(env.Ctx, id, "admin")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.State != "cancelled" {
		t.Fatalf("unexpected state %s", again.State)
	}
}

func TestResolveIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	env.startInstance(t, "c-1")

	env.advance(25 * time.Hour)
	if _, err := env.Engine.ScanForBreaches(env.Ctx, env.now); err != nil {
		t.Fatalf("scan: %v", err)
	}
	open, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{Unresolved: true})
	if err != nil || len(open) != 1 {
		t.Fatalf("list: %v (%d open)", err, len(open))
	}
	evt, err := env.Engine.ResolveEscalation(env.Ctx, open[0].ID, "operator")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if evt.ResolvedAt == nil {
		t.Fatalf("expected resolved_at set")
	}
	first := *evt.ResolvedAt

	env.advance(time.Hour)
	evt, err = env.Engine.ResolveEscalation(env.Ctx, open[0].ID, "operator")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if evt.ResolvedAt == nil || *evt.ResolvedAt != first {
		t.Fatalf("second resolve changed resolved_at: %v", evt.ResolvedAt)
	}
}

func TestRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")

	cases := []struct {
		name string
		opts engine.RuleCreateOptions
	}{
		{"duplicate tier", engine.RuleCreateOptions{TemplateID: tplID, StageName: "Legal Review", SLABreachHours: 30, Tier: 1, EscalateToRole: "legal"}},
		{"zero tier", engine.RuleCreateOptions{TemplateID: tplID, StageName: "Legal Review", SLABreachHours: 30, Tier: 0, EscalateToRole: "legal"}},
		{"non-positive hours", engine.RuleCreateOptions{TemplateID: tplID, StageName: "Legal Review", SLABreachHours: 0, Tier: 2, EscalateToRole: "legal"}},
		{"unknown stage", engine.RuleCreateOptions{TemplateID: tplID, StageName: "Nope", SLABreachHours: 30, Tier: 2, EscalateToRole: "legal"}},
		{"unknown role", engine.RuleCreateOptions{TemplateID: tplID, StageName: "Legal Review", SLABreachHours: 30, Tier: 2, EscalateToRole: "janitorial"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.ActorID = "admin"
			_, err := env.Engine.CreateEscalationRule(env.Ctx, tc.opts)
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestScanSkipsBrokenInstance(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	broken := env.startInstance(t, "c-1")
	healthy := env.startInstance(t, "c-2")

	// Corrupt one instance's history so its evaluation fails.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM stage_actions WHERE instance_id=?`, broken); err != nil {
		t.Fatalf("corrupt instance: %v", err)
	}

	env.advance(30 * time.Hour)
	n, err := env.Engine.ScanForBreaches(env.Ctx, env.now)
	if err != nil {
		t.Fatalf("scan must not fail on one bad instance: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected healthy instance still escalated, got %d", n)
	}
	open, err := env.Engine.ListEscalations(env.Ctx, repo.EscalationFilters{InstanceID: healthy, Unresolved: true})
	if err != nil || len(open) != 1 {
		t.Fatalf("expected event for healthy instance: %v (%d)", err, len(open))
	}
}

func TestStagePerformance(t *testing.T) {
	env := newTestEnv(t)
	env.publishTwoStage(t)

	// First instance breaches the 24h nominal SLA on Legal Review.
	one := env.startInstance(t, "c-1")
	env.advance(30 * time.Hour)
	if _, err := env.Engine.CompleteStage(env.Ctx, one, "alice", "approved"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Second instance closes Legal Review well inside the SLA.
	two := env.startInstance(t, "c-2")
	env.advance(10 * time.Hour)
	if _, err := env.Engine.CompleteStage(env.Ctx, two, "alice", "approved"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := env.Engine.StagePerformance(env.Ctx, 30)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	var legal *struct {
		avg, min, max float64
		closed, bad   int
	}
	for _, s := range stats {
		if s.StageName == "Legal Review" {
			legal = &struct {
				avg, min, max float64
				closed, bad   int
			}{s.AvgHours, s.MinHours, s.MaxHours, s.ClosedCount, s.BreachCount}
		}
	}
	if legal == nil {
		t.Fatalf("no Legal Review row in %+v", stats)
	}
	if legal.closed != 2 || legal.bad != 1 {
		t.Fatalf("closed=%d breaches=%d, want 2/1", legal.closed, legal.bad)
	}
	if legal.min > legal.avg || legal.avg > legal.max {
		t.Fatalf("min/avg/max ordering broken: %+v", legal)
	}
	if legal.max < 29.9 || legal.max > 30.1 {
		t.Fatalf("max duration %v, want ~30h", legal.max)
	}

	// A window with no closed actions yields zero rows, not an error.
	empty := newTestEnv(t)
	rows, err := empty.Engine.StagePerformance(empty.Ctx, 7)
	if err != nil {
		t.Fatalf("empty summarize: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestScanBeforeBreachCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	tplID := env.publishTwoStage(t)
	env.addRule(t, tplID, "Legal Review", 1, 24, "legal")
	env.startInstance(t, "c-1")

	env.advance(24 * time.Hour) // exactly at the threshold: not a breach
	n, err := env.Engine.ScanForBreaches(env.Ctx, env.now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no events at exactly 24h, got %d", n)
	}
}
