package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/finflag/internal/bus"
	"github.com/opensource-finance/finflag/internal/cache"
	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/engine"
	"github.com/opensource-finance/finflag/internal/repository"
	"github.com/opensource-finance/finflag/internal/rules"
	"github.com/opensource-finance/finflag/internal/worker"
)

type testEnv struct {
	server *Server
	engine *engine.Engine
	repo   domain.Repository
	bus    *bus.ChannelBus
}

// createTestServer creates a server over an in-memory database, LRU cache
// and channel bus.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := domain.DefaultConfig()
	re, err := rules.NewEngine(cfg.Engine.Thresholds, cfg.Engine.Severity)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	eng := engine.New(cfg.Engine, re)

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	b := bus.NewChannelBus(100)
	c := cache.NewLRUCache(100)
	t.Cleanup(func() {
		b.Close()
		c.Close()
		repo.Close()
	})

	server := NewServer(cfg.Server, repo, c, b, eng, "test-v1")
	return &testEnv{server: server, engine: eng, repo: repo, bus: b}
}

func (e *testEnv) do(t *testing.T, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func testBatch() domain.BatchRequest {
	score := false
	return domain.BatchRequest{
		Score: &score,
		Datasets: []*domain.Dataset{
			{Name: "Dine_in", Records: []domain.Record{
				{"Final_Total": 100.0, "Discount": 30.0, "Status": "Completed"},
				{"Final_Total": 100.0, "Discount": 10.0, "Status": "Completed"},
				{"Final_Total": 0.0, "Discount": 0.0, "Status": "Completed"},
			}},
			{Name: "Zomato", Records: []domain.Record{
				{"Final_Total": 200.0, "Discount": 80.0, "Status": "Completed", "Address": ""},
			}},
		},
	}
}

func countOf(t *testing.T, summaries []domain.DatasetSummary, dataset, ruleID string) *int64 {
	t.Helper()
	for _, s := range summaries {
		if s.Dataset == dataset {
			return s.Counts[ruleID]
		}
	}
	t.Fatalf("dataset %s not in summaries", dataset)
	return nil
}

func createRun(t *testing.T, env *testEnv, tenantID string) RunResponse {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/runs", tenantID, testBatch())
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp RunResponse
	decode(t, rr, &resp)
	return resp
}

func TestCreateRun(t *testing.T) {
	env := createTestServer(t)

	t.Run("Synchronous", func(t *testing.T) {
		resp := createRun(t, env, "tenant-001")

		if resp.Run.ID == "" || resp.Run.Status != domain.RunStatusCompleted {
			t.Errorf("unexpected run: %+v", resp.Run)
		}
		if got := countOf(t, resp.Summaries, "Dine_in", domain.RuleDiscountHigh); got == nil || *got != 1 {
			t.Errorf("expected 1 high discount in Dine_in, got %v", got)
		}
		if got := countOf(t, resp.Summaries, "Dine_in", domain.RuleMissingAddressCompleted); got != nil {
			t.Errorf("Dine_in has no address column, got %v", *got)
		}
		if got := countOf(t, resp.Summaries, "Zomato", domain.RuleMissingAddressCompleted); got == nil || *got != 1 {
			t.Errorf("expected 1 missing address in Zomato, got %v", got)
		}
		if resp.Severity.GrandTotal == 0 {
			t.Error("expected flagged records in severity breakdown")
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/runs", "tenant-001", testBatch())

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})

	t.Run("BadRequests", func(t *testing.T) {
		duplicate := testBatch()
		duplicate.Datasets[1].Name = "Dine_in"

		tests := []struct {
			name     string
			tenantID string
			body     any
		}{
			{"MissingTenant", "", testBatch()},
			{"WildcardTenant", "*", testBatch()},
			{"WhitespaceTenant", "tenant 001", testBatch()},
			{"InvalidJSON", "tenant-001", "not a batch"},
			{"NoDatasets", "tenant-001", domain.BatchRequest{}},
			{"DuplicateDataset", "tenant-001", duplicate},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, "/runs", tt.tenantID, tt.body)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})
}

func TestRunLifecycle(t *testing.T) {
	env := createTestServer(t)
	created := createRun(t, env, "tenant-001")
	base := "/runs/" + created.Run.ID

	t.Run("GetRun", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, base, "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp RunResponse
		decode(t, rr, &resp)
		if resp.Run.ID != created.Run.ID || len(resp.Summaries) != 2 {
			t.Errorf("unexpected run response: %+v", resp)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, base, "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Table", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, base+"/table", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Rules []string         `json:"rules"`
			Rows  []map[string]any `json:"rows"`
		}
		decode(t, rr, &resp)
		if len(resp.Rules) != 10 || len(resp.Rows) != 2 {
			t.Errorf("expected 10 rules and 2 rows, got %d and %d", len(resp.Rules), len(resp.Rows))
		}
	})

	t.Run("Override", func(t *testing.T) {
		req := domain.OverrideRequest{
			Dataset: "Dine_in",
			RuleID:  domain.RuleDiscountHigh,
			Count:   7,
			Reason:  "reconciled against till report",
			Actor:   "auditor",
		}
		rr := env.do(t, http.MethodPost, base+"/overrides", "tenant-001", req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Override domain.Override `json:"override"`
		}
		decode(t, rr, &resp)
		if resp.Override.Computed == nil || *resp.Override.Computed != 1 {
			t.Errorf("expected computed count 1 kept, got %v", resp.Override.Computed)
		}

		// A repeated override leaves totals unchanged.
		env.do(t, http.MethodPost, base+"/overrides", "tenant-001", req)

		rr = env.do(t, http.MethodGet, base, "tenant-001", nil)
		var run RunResponse
		decode(t, rr, &run)
		if got := countOf(t, run.Summaries, "Dine_in", domain.RuleDiscountHigh); got == nil || *got != 7 {
			t.Errorf("expected overridden count 7, got %v", got)
		}
		if got := countOf(t, run.Run.Summaries, "Dine_in", domain.RuleDiscountHigh); got == nil || *got != 1 {
			t.Errorf("computed summary should be kept, got %v", got)
		}
		for _, tot := range run.Totals {
			if tot.RuleID == domain.RuleDiscountHigh && tot.Total != 8 {
				t.Errorf("expected discount_high total 8, got %d", tot.Total)
			}
		}
	})

	t.Run("ListOverrides", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, base+"/overrides", "tenant-001", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 audited overrides, got %d", resp.Count)
		}
	})

	t.Run("OverrideErrors", func(t *testing.T) {
		tests := []struct {
			name   string
			req    domain.OverrideRequest
			status int
		}{
			{"UnknownDataset", domain.OverrideRequest{Dataset: "Garden", RuleID: domain.RuleDiscountHigh, Count: 1}, http.StatusNotFound},
			{"UnknownRule", domain.OverrideRequest{Dataset: "Dine_in", RuleID: "nope", Count: 1}, http.StatusNotFound},
			{"NegativeCount", domain.OverrideRequest{Dataset: "Dine_in", RuleID: domain.RuleDiscountHigh, Count: -1}, http.StatusBadRequest},
			{"MissingFields", domain.OverrideRequest{Count: 1}, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, base+"/overrides", "tenant-001", tt.req)
				if rr.Code != tt.status {
					t.Errorf("expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("Severity", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, base+"/severity", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var b domain.SeverityBreakdown
		decode(t, rr, &b)
		var sum float64
		for _, tier := range b.Tiers {
			sum += tier.Percent
		}
		if len(b.Tiers) != 3 || sum < 99.999 || sum > 100.001 {
			t.Errorf("expected 3 tiers summing to 100%%, got %+v", b)
		}
	})

	t.Run("Totals", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, base+"/totals", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs?limit=10", "tenant-001", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 run, got %d", resp.Count)
		}

		rr = env.do(t, http.MethodGet, "/runs?limit=many", "tenant-001", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/missing/severity", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAsyncRun(t *testing.T) {
	env := createTestServer(t)

	w := worker.NewWorker(env.bus, env.repo, nil, env.engine)
	if err := w.Start(worker.Config{}); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	rr := env.do(t, http.MethodPost, "/runs?async=true", "tenant-001", testBatch())
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var submitted SubmittedResponse
	decode(t, rr, &submitted)
	if submitted.Status != domain.RunStatusPending {
		t.Errorf("expected PENDING, got %s", submitted.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = env.do(t, http.MethodGet, "/runs/"+submitted.RunID, "tenant-001", nil)
		var resp RunResponse
		decode(t, rr, &resp)
		if resp.Run.Status == domain.RunStatusCompleted {
			if len(resp.Summaries) != 2 {
				t.Errorf("expected 2 summaries, got %d", len(resp.Summaries))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run still %s after deadline", resp.Run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPendingRunConflict(t *testing.T) {
	env := createTestServer(t)

	// No worker is running, so the run stays pending.
	rr := env.do(t, http.MethodPost, "/runs?async=true", "tenant-001", testBatch())
	var submitted SubmittedResponse
	decode(t, rr, &submitted)

	rr = env.do(t, http.MethodGet, "/runs/"+submitted.RunID+"/severity", "tenant-001", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	listCount := func(t *testing.T) int {
		t.Helper()
		rr := env.do(t, http.MethodGet, "/rules", "tenant-001", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		return resp.Count
	}

	if n := listCount(t); n != 10 {
		t.Fatalf("expected 10 built-in rules, got %d", n)
	}

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", "tenant-001", CreateRuleRequest{
			ID:         "large_bill",
			Name:       "Large bill",
			Expression: "final_total > 150.0",
			Columns:    []string{"final_total"},
			Severity:   domain.SeverityMedium,
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if n := listCount(t); n != 10 {
			t.Errorf("rule should not load before reload, got %d", n)
		}

		rr = env.do(t, http.MethodPost, "/rules/reload", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if n := listCount(t); n != 11 {
			t.Errorf("expected 11 rules after reload, got %d", n)
		}

		run := createRun(t, env, "tenant-001")
		if got := countOf(t, run.Summaries, "Zomato", "large_bill"); got == nil || *got != 1 {
			t.Errorf("expected custom rule to flag Zomato once, got %v", got)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/"+domain.RuleDiscountHigh, "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodGet, "/rules/nope", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("InvalidRules", func(t *testing.T) {
		tests := []struct {
			name string
			req  CreateRuleRequest
		}{
			{"MissingFields", CreateRuleRequest{ID: "x"}},
			{"BadExpression", CreateRuleRequest{ID: "x", Name: "x", Expression: "final_total >"}},
			{"NotBool", CreateRuleRequest{ID: "x", Name: "x", Expression: "final_total + 1.0"}},
			{"ShadowsBuiltin", CreateRuleRequest{ID: domain.RuleDiscountHigh, Name: "x", Expression: "true"}},
			{"BadSeverity", CreateRuleRequest{ID: "x", Name: "x", Expression: "true", Severity: "CRITICAL"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, "/rules", "tenant-001", tt.req)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/rules/large_bill", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		env.do(t, http.MethodPost, "/rules/reload", "tenant-001", nil)
		if n := listCount(t); n != 10 {
			t.Errorf("expected 10 rules after delete and reload, got %d", n)
		}

		rr = env.do(t, http.MethodDelete, "/rules/large_bill", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for deleted rule, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", "", nil)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		decode(t, rr, &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", "", nil)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("WithoutBackends", func(t *testing.T) {
		server := NewServer(domain.ServerConfig{}, nil, nil, nil, env.engine, "test-v1")
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set(TenantIDHeader, "tenant-001")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareKeepsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID != "req-42" {
			t.Errorf("expected request ID 'req-42', got '%s'", capturedRequestID)
		}
		if rr.Header().Get(RequestIDHeader) != "req-42" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
		req.Header.Set("Origin", "https://dashboard.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://dashboard.example" {
			t.Error("expected origin to be echoed")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
