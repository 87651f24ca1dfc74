package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gregdigittal/agreement-automation-sub002/internal/config"
	"github.com/gregdigittal/agreement-automation-sub002/internal/db"
	"github.com/gregdigittal/agreement-automation-sub002/internal/domain"
	"github.com/gregdigittal/agreement-automation-sub002/internal/engine"
	"github.com/gregdigittal/agreement-automation-sub002/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("agreements-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asActor = map[string]string{"X-Actor-Id": "tester"}

func publishTestTemplate(t *testing.T, srv *testServer, stages []map[string]any) domain.WorkflowTemplate {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"name":          "standard-approval",
		"contract_type": "Commercial",
		"stages":        stages,
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish template: %d %s", res.StatusCode, string(data))
	}
	var tpl domain.WorkflowTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("unmarshal template: %v", err)
	}
	return tpl
}

func TestContractApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	publishTestTemplate(t, srv, []map[string]any{
		{"name": "Legal Review", "approver_role": "legal", "sla_hours": 24, "required": true},
		{"name": "Finance Sign-off", "approver_role": "finance", "sla_hours": 12, "required": true},
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"id":            "c-1",
		"title":         "MSA with Acme",
		"contract_type": "Commercial",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"contract_id":   "c-1",
		"template_name": "standard-approval",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start instance: %d %s", res.StatusCode, string(data))
	}
	var inst domain.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if inst.CurrentStage != "Legal Review" {
		t.Fatalf("expected first stage, got %s", inst.CurrentStage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue?role=legal", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue: %d %s", res.StatusCode, string(data))
	}
	var pending []domain.PendingItem
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if len(pending) != 1 || pending[0].InstanceID != inst.ID {
		t.Fatalf("expected instance in legal queue, got %+v", pending)
	}

	for _, want := range []string{"Finance Sign-off", ""} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+inst.ID+"/complete", map[string]any{
			"outcome": "approved",
		}, asActor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete: %d %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &inst); err != nil {
			t.Fatalf("unmarshal instance: %v", err)
		}
		if want != "" && inst.CurrentStage != want {
			t.Fatalf("expected stage %s, got %s", want, inst.CurrentStage)
		}
	}
	if inst.State != "completed" {
		t.Fatalf("expected completed, got %s", inst.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/c-1", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get contract: %d %s", res.StatusCode, string(data))
	}
	var c domain.Contract
	_ = json.Unmarshal(data, &c)
	if c.Status != "approved" {
		t.Fatalf("expected contract approved, got %s", c.Status)
	}

	// Further completes conflict with the terminal state.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+inst.ID+"/complete", map[string]any{}, asActor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestEscalationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tpl := publishTestTemplate(t, srv, []map[string]any{
		{"name": "Legal Review", "approver_role": "legal", "sla_hours": 24, "required": true},
	})

	// A tiny breach threshold so wall-clock time passes it immediately.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/rules", map[string]any{
		"template_id":      tpl.ID,
		"stage_name":       "Legal Review",
		"sla_breach_hours": 0.0000001,
		"tier":             1,
		"escalate_to_role": "management",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule: %d %s", res.StatusCode, string(data))
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"id": "c-1", "title": "NDA", "contract_type": "Commercial",
	}, asActor)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"contract_id": "c-1", "template_name": "standard-approval",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start instance: %d %s", res.StatusCode, string(data))
	}

	time.Sleep(20 * time.Millisecond)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/scan", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan: %d %s", res.StatusCode, string(data))
	}
	var scan ScanResult
	if err := json.Unmarshal(data, &scan); err != nil {
		t.Fatalf("unmarshal scan: %v", err)
	}
	if scan.Created != 1 {
		t.Fatalf("expected 1 event, got %d", scan.Created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalations?unresolved=true", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list escalations: %d %s", res.StatusCode, string(data))
	}
	var events []domain.EscalationEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 open event, got %d", len(events))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalations/"+events[0].ID+"/resolve", nil, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var resolved domain.EscalationEvent
	_ = json.Unmarshal(data, &resolved)
	if resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved_at set")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contracts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestStartWithoutTemplateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"id": "c-1", "title": "NDA", "contract_type": "NDA",
	}, asActor)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"contract_id": "c-1", "template_name": "standard-approval",
	}, asActor)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %q", envelope.Error.Code)
	}
}
