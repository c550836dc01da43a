package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/ctxsync/contexts"
	"github.com/hazyhaar/ctxsync/dbopen"
	"github.com/hazyhaar/ctxsync/guard"
	"github.com/hazyhaar/ctxsync/persist"
	"github.com/hazyhaar/ctxsync/schema"
	"github.com/hazyhaar/ctxsync/session"
	"github.com/hazyhaar/ctxsync/statesync"
)

type stubSessions map[string]*session.Session

func (s stubSessions) Validate(_ context.Context, token string) (*session.Session, error) {
	sess, ok := s[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return sess, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	registry := schema.NewRegistry()
	if err := registry.Register(schema.Schema{ID: "note", RequiredFields: []string{"body"}}); err != nil {
		t.Fatal(err)
	}

	store, err := persist.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	g := guard.New(stubSessions{
		"t-admin":  {UserID: "a", Roles: []string{"admin"}},
		"t-editor": {UserID: "e", Roles: []string{"editor"}},
		"t-viewer": {UserID: "v", Roles: []string{"viewer"}},
	})

	engine := statesync.NewEngine(g, contexts.NewManager(registry), store)
	if err := engine.Initialize(context.Background(), statesync.Config{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	tokens, err := session.NewStoreValidator(context.Background(), dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}

	snapshotter := statesync.NewSnapshotter(engine, statesync.SnapshotConfig{}, nil)
	return newRouter(engine, g, tokens, snapshotter)
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["healthy"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestCreateAndGetContext(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/contexts", "t-editor", map[string]any{
		"schema_id": "note",
		"fields":    map[string]any{"body": "hello"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var change statesync.Change
	if err := json.Unmarshal(rec.Body.Bytes(), &change); err != nil {
		t.Fatal(err)
	}
	if change.Version != 1 || change.ContextID == "" {
		t.Fatalf("change = %+v", change)
	}

	rec = do(t, h, http.MethodGet, "/v1/contexts/"+change.ContextID, "t-viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rec.Code, rec.Body)
	}
	var c contexts.Context
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatal(err)
	}
	if c.Fields["body"] != "hello" {
		t.Fatalf("context = %+v", c)
	}
}

func TestAuthStatusCodes(t *testing.T) {
	h := newTestRouter(t)

	create := map[string]any{"schema_id": "note", "fields": map[string]any{"body": "x"}}

	if rec := do(t, h, http.MethodPost, "/v1/contexts", "", create); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/contexts", "t-viewer", create); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer write: status = %d, want 403", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/changes", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated read: status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/admin/reset", "t-editor", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("editor reset: status = %d, want 403", rec.Code)
	}
}

func TestValidationStatusCodes(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/contexts", "t-editor", map[string]any{
		"schema_id": "note",
		"fields":    map[string]any{},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing required field: status = %d, want 422", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/contexts/ctx_missing", "t-viewer", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown context: status = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodPatch, "/v1/contexts/ctx_missing", "t-editor", map[string]any{"body": "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update of unknown context: status = %d, want 404", rec.Code)
	}
}

func TestChangeFeed(t *testing.T) {
	h := newTestRouter(t)

	for _, body := range []string{"a", "b", "c"} {
		rec := do(t, h, http.MethodPost, "/v1/contexts", "t-editor", map[string]any{
			"schema_id": "note",
			"fields":    map[string]any{"body": body},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create: %d %s", rec.Code, rec.Body)
		}
	}

	rec := do(t, h, http.MethodGet, "/v1/changes?since=1", "t-viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("changes: %d %s", rec.Code, rec.Body)
	}
	var body struct {
		Version uint64             `json:"version"`
		Changes []statesync.Change `json:"changes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Version != 3 || len(body.Changes) != 2 {
		t.Fatalf("version = %d, changes = %d", body.Version, len(body.Changes))
	}
	if body.Changes[0].Version != 2 || body.Changes[1].Version != 3 {
		t.Fatalf("changes = %+v", body.Changes)
	}
}

func TestMintServiceToken(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/admin/tokens", "t-admin", map[string]any{
		"user_id": "svc-ci",
		"roles":   []string{"viewer"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("mint: %d %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["token"] == "" {
		t.Fatal("empty token minted")
	}

	if rec := do(t, h, http.MethodPost, "/v1/admin/tokens", "t-editor", map[string]any{"user_id": "x"}); rec.Code != http.StatusForbidden {
		t.Fatalf("editor mint: status = %d, want 403", rec.Code)
	}
}
