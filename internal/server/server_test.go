package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"agentnet/internal/config"
	"agentnet/internal/db"
	"agentnet/internal/engine"
	"agentnet/internal/migrate"
	"agentnet/internal/server"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	coord := engine.New(conn, cfg)
	handler, err := server.New(server.Config{
		Coordinator: coord,
		Auth: server.AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

type agentBody struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	PerformanceScore float64 `json:"performance_score"`
	CashFlow         float64 `json:"cash_flow"`
}

type negotiationBody struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Rounds     int             `json:"rounds"`
	Terms      json.RawMessage `json:"terms"`
	Resolution json.RawMessage `json:"resolution"`
}

func createAgent(t *testing.T, ts *testServer, name, agentType string, strategy map[string]any) agentBody {
	t.Helper()
	payload := map[string]any{"name": name, "type": agentType}
	if strategy != nil {
		payload["strategy"] = strategy
	}
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/agents", payload, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: status %d body %s", resp.StatusCode, data)
	}
	var a agentBody
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	return a
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAgentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	a := createAgent(t, ts, "scout", "research", nil)
	if a.Status != "idle" {
		t.Fatalf("default status = %q", a.Status)
	}

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/"+a.ID, nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/agents/"+a.ID,
		map[string]any{"status": "working"}, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d body %s", resp.StatusCode, data)
	}
	var patched agentBody
	if err := json.Unmarshal(data, &patched); err != nil {
		t.Fatalf("decode patched: %v", err)
	}
	if patched.Status != "working" || patched.Name != "scout" {
		t.Fatalf("patched = %+v", patched)
	}

	resp, _ = doJSON(t, ts.client, http.MethodDelete, ts.URL+"/v0/agents/"+a.ID, nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/"+a.ID, nil, actorHeaders())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get destroyed: status %d", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("error code = %q, want not_found", code)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/agents",
		map[string]any{"type": "research"}, actorHeaders())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("error code = %q, want bad_request", code)
	}
}

func TestIdempotencyKeyConflict(t *testing.T) {
	ts := newTestServer(t)
	headers := actorHeaders()
	headers["Idempotency-Key"] = "op-42"
	payload := map[string]any{"name": "once", "type": "research"}

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/agents", payload, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status %d body %s", resp.StatusCode, data)
	}
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/agents", payload, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second create: status %d body %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("error code = %q, want conflict", code)
	}
}

func TestConnectionsAndRelationships(t *testing.T) {
	ts := newTestServer(t)
	a := createAgent(t, ts, "a", "research", nil)
	b := createAgent(t, ts, "b", "analysis", nil)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/connections", map[string]any{
		"source_agent_id": a.ID,
		"target_agent_id": b.ID,
		"type":            "collaborates",
		"strength":        0.7,
	}, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/"+b.ID+"/relationships", nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relationships: status %d body %s", resp.StatusCode, data)
	}
	var views []struct {
		Type        string  `json:"type"`
		Strength    float64 `json:"strength"`
		PeerAgentID string  `json:"peer_agent_id"`
		PeerName    string  `json:"peer_name"`
	}
	if err := json.Unmarshal(data, &views); err != nil {
		t.Fatalf("decode views: %v", err)
	}
	if len(views) != 1 || views[0].PeerAgentID != a.ID || views[0].PeerName != "a" {
		t.Fatalf("views = %+v", views)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/connections", map[string]any{
		"source_agent_id": a.ID,
		"target_agent_id": a.ID,
	}, actorHeaders())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self edge: status %d body %s", resp.StatusCode, data)
	}
}

func TestNegotiationFlow(t *testing.T) {
	ts := newTestServer(t)
	buyer := createAgent(t, ts, "buyer", "research", nil)
	seller := createAgent(t, ts, "seller", "research", map[string]any{
		"negotiation": map[string]any{"stance": "haggler", "min_value": 100},
	})

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/negotiations", map[string]any{
		"initiator_agent_id": buyer.ID,
		"target_agent_id":    seller.ID,
		"type":               "trade",
		"terms":              map[string]any{"value": 50},
	}, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate: status %d body %s", resp.StatusCode, data)
	}
	var n negotiationBody
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode negotiation: %v", err)
	}
	if n.Status != "countered" || n.Rounds != 1 {
		t.Fatalf("negotiation = %+v", n)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/negotiations/"+n.ID+"/decision",
		map[string]any{"action": "accept"}, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if n.Status != "concluded" || len(n.Resolution) == 0 {
		t.Fatalf("after accept = %+v", n)
	}

	// Decisions on settled negotiations are rejected.
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/negotiations/"+n.ID+"/decision",
		map[string]any{"action": "reject"}, actorHeaders())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("decide on terminal: status %d body %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("error code = %q, want invalid_state", code)
	}

	// The concluded trade moved value to the seller.
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents/"+seller.ID, nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get seller: status %d", resp.StatusCode)
	}
	var sellerNow agentBody
	if err := json.Unmarshal(data, &sellerNow); err != nil {
		t.Fatalf("decode seller: %v", err)
	}
	if sellerNow.CashFlow != 100 || sellerNow.PerformanceScore != 1 {
		t.Fatalf("seller after conclusion = %+v", sellerNow)
	}
}

func TestNegotiationRun(t *testing.T) {
	ts := newTestServer(t)
	a := createAgent(t, ts, "a", "research", nil)
	b := createAgent(t, ts, "b", "research", map[string]any{
		"negotiation": map[string]any{"stance": "haggler", "min_value": 10},
	})

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/negotiations", map[string]any{
		"initiator_agent_id": a.ID,
		"target_agent_id":    b.ID,
		"type":               "trade",
		"terms":              map[string]any{"value": 1},
	}, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate: status %d body %s", resp.StatusCode, data)
	}
	var n negotiationBody
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/negotiations/"+n.ID+"/run", nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode run result: %v", err)
	}
	if n.Status != "concluded" {
		t.Fatalf("run result = %+v", n)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	a := createAgent(t, ts, "a", "research", nil)

	for _, v := range []float64{10, 20, 30} {
		resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/agents/"+a.ID+"/metrics",
			map[string]any{"metric_name": "latency_ms", "value": v}, actorHeaders())
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("record %v: status %d body %s", v, resp.StatusCode, data)
		}
	}

	resp, data := doJSON(t, ts.client, http.MethodGet,
		fmt.Sprintf("%s/v0/agents/%s/metrics?metric=latency_ms&window_days=7", ts.URL, a.ID), nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("aggregate: status %d body %s", resp.StatusCode, data)
	}
	var aggs []struct {
		MetricName string  `json:"metric_name"`
		Average    float64 `json:"average"`
		Count      int     `json:"count"`
	}
	if err := json.Unmarshal(data, &aggs); err != nil {
		t.Fatalf("decode aggregates: %v", err)
	}
	if len(aggs) != 1 || aggs[0].Average != 20 || aggs[0].Count != 3 {
		t.Fatalf("aggregates = %+v", aggs)
	}
}

func TestEventsQuery(t *testing.T) {
	ts := newTestServer(t)
	a := createAgent(t, ts, "a", "research", nil)
	createAgent(t, ts, "b", "research", nil)

	resp, data := doJSON(t, ts.client, http.MethodGet,
		ts.URL+"/v0/events?subject_agent_id="+a.ID, nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d body %s", resp.StatusCode, data)
	}
	var events []struct {
		ID             int64           `json:"id"`
		Type           string          `json:"type"`
		SubjectAgentID string          `json:"subject_agent_id"`
		ActorID        string          `json:"actor_id"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "agent_created" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].ActorID != "tester" {
		t.Fatalf("event actor = %q, want the authenticated actor", events[0].ActorID)
	}

	// Cursor reads return everything past the given id.
	resp, data = doJSON(t, ts.client, http.MethodGet,
		fmt.Sprintf("%s/v0/events?after=%d&limit=10", ts.URL, events[0].ID), nil, actorHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events after: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode tail: %v", err)
	}
	if len(events) != 1 || events[0].SubjectAgentID == a.ID {
		t.Fatalf("tail = %+v", events)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/apikeys",
		map[string]any{"actor_id": "svc-1", "name": "ci"}, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: status %d body %s", resp.StatusCode, data)
	}
	var key struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("create must return the raw key")
	}

	keyHeaders := map[string]string{"X-Api-Key": key.Key}
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents", nil, keyHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("key auth: status %d body %s", resp.StatusCode, data)
	}

	// Omitting actor_id mints the key for the authenticated principal.
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/apikeys",
		map[string]any{"name": "self"}, actorHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create own key: status %d body %s", resp.StatusCode, data)
	}
	var own struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.Unmarshal(data, &own); err != nil {
		t.Fatalf("decode own key: %v", err)
	}
	if own.ActorID != "tester" {
		t.Fatalf("own key actor = %q, want tester", own.ActorID)
	}

	resp, _ = doJSON(t, ts.client, http.MethodDelete, ts.URL+"/v0/apikeys/"+key.ID, nil, actorHeaders())
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents", nil, keyHeaders)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key: status %d, want 401", resp.StatusCode)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	ts := newTestServer(t)

	// Dev login itself is open.
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/auth/dev/login",
		map[string]any{"actor_id": "dev-user"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status %d body %s", resp.StatusCode, data)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: status %d body %s", resp.StatusCode, data)
	}

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/agents", nil,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", resp.StatusCode)
	}
}
