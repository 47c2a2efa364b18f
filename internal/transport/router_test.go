package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/ledgerly/internal/approval"
	"github.com/pitabwire/ledgerly/internal/audit"
	"github.com/pitabwire/ledgerly/internal/config"
	"github.com/pitabwire/ledgerly/internal/entity"
	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/internal/realtime"
	"github.com/pitabwire/ledgerly/internal/record"
	"github.com/pitabwire/ledgerly/model"
)

// Test identity headers read by headerAuth in place of a bearer token.
const (
	testSubject    = "X-Test-Sub"
	testRoles      = "X-Test-Roles"
	testDepartment = "X-Test-Department"
)

func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := r.Header.Get(testSubject)
		if sub == "" {
			WriteError(w, model.NewUnauthorizedError("no test identity"))
			return
		}
		claims := map[string]any{
			"sub":        sub,
			"department": r.Header.Get(testDepartment),
			"roles":      r.Header.Get(testRoles),
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type stack struct {
	router http.Handler
	perms  *permission.MemoryStore
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Realtime.Heartbeat = 0
	return cfg
}

// newStack wires every component in memory behind the real router.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()

	def := model.EntityDefinition{Module: "finance", Entity: "invoices", Approval: true, Fields: []model.FieldDefinition{
		{Key: "amount", Label: "Amount", Type: model.FieldNumber, Required: true, IsEnabled: true, Visible: true, Order: 1},
		{Key: "vendor", Label: "Vendor", Type: model.FieldText, IsEnabled: true, Visible: true, Order: 2},
		{Key: "iban", Label: "IBAN", Type: model.FieldText, IsEnabled: true, Visible: true, Order: 3},
	}}
	entities := entity.NewRegistry([]model.EntityFile{{Module: "finance", Entities: []model.EntityDefinition{def}}})
	fields := field.NewRegistry(field.NewMemoryStore(), entities, nil)
	require.NoError(t, fields.Seed(ctx, entities.All()))

	permStore := permission.NewMemoryStore()
	resolver := permission.NewResolver(permStore, nil, time.Minute)
	log := audit.NewMemoryLog()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	hub := realtime.NewHub(resolver, realtime.WithObserver(metrics))

	store := record.NewMemoryStore()
	records := record.NewService(store, entities, fields, resolver,
		record.WithActivityRecorder(log),
		record.WithPublisher(hub),
		record.WithObserver(metrics),
		record.WithIdempotencyStore(record.NewMemoryIdempotencyStore(), time.Hour),
	)
	machine := approval.NewMachine(store, entities, resolver,
		approval.WithRecorder(log),
		approval.WithPublisher(hub),
	)

	router := NewRouter(Dependencies{
		Config:       cfg,
		Authenticate: headerAuth,
		Metrics:      metrics,
		Readiness:    observability.ReadinessChecks{EntitiesLoaded: func() bool { return len(entities.All()) > 0 }},
		Records:      records,
		History:      audit.NewHistory(log, records, resolver),
		Approvals:    machine,
		Fields:       fields,
		Entities:     entities,
		Permissions:  permission.NewService(permStore, resolver, cfg.Permissions.AdminRoles, nil),
		Events:       hub,
	})
	return &stack{router: router, perms: permStore}
}

type caller struct {
	sub, dept, roles string
}

var (
	admin = caller{sub: "root", dept: "it", roles: "admin"}
	clerk = caller{sub: "alice", dept: "finance", roles: "clerk"}
	boss  = caller{sub: "bob", dept: "finance", roles: "approver"}
)

func (s *stack) do(t *testing.T, who caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if who.sub != "" {
		req.Header.Set(testSubject, who.sub)
		req.Header.Set(testRoles, who.roles)
		req.Header.Set(testDepartment, who.dept)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *stack) grant(t *testing.T, userID string, p model.Permission) {
	t.Helper()
	w := s.do(t, admin, http.MethodPut, "/permissions/"+userID+"/finance/invoices", p)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

func fullAccess() model.Permission {
	return model.Permission{Access: true, Create: true, Edit: true, Delete: true, Scope: model.ScopeAll,
		Columns: map[string]model.ColumnPermission{"*": {View: true, Edit: true}}}
}

func TestNewRouter_publicRoutesBypassAuth(t *testing.T) {
	s := newStack(t)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		w := s.do(t, caller{}, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestNewRouter_authenticatedRoutesAreRegistered(t *testing.T) {
	s := newStack(t)
	routes := []struct{ method, path string }{
		{"GET", "/entities"},
		{"GET", "/records/finance/invoices"},
		{"POST", "/records/finance/invoices"},
		{"GET", "/records/finance/invoices/r1"},
		{"PATCH", "/records/finance/invoices/r1"},
		{"DELETE", "/records/finance/invoices/r1"},
		{"POST", "/records/finance/invoices/r1/restore"},
		{"GET", "/records/finance/invoices/r1/history"},
		{"POST", "/records/finance/invoices/r1/submit"},
		{"POST", "/records/finance/invoices/r1/approve"},
		{"POST", "/records/finance/invoices/r1/reject"},
		{"GET", "/fields/finance/invoices"},
		{"PUT", "/fields/finance/invoices"},
		{"PUT", "/fields/finance/invoices/amount"},
		{"DELETE", "/fields/finance/invoices/amount"},
		{"GET", "/permissions/alice"},
		{"GET", "/permissions/alice/finance/invoices"},
		{"PUT", "/permissions/alice/finance/invoices"},
		{"GET", "/events/finance/invoices"},
		{"GET", "/events/monitor"},
	}
	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := s.do(t, caller{}, tc.method, tc.path, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestRecords_createUpdateConflict(t *testing.T) {
	s := newStack(t)
	s.grant(t, "alice", fullAccess())
	s.grant(t, "bob", fullAccess())

	w := s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{
		"data": map[string]any{"amount": 120, "vendor": "Acme"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[model.Record](t, w)
	require.EqualValues(t, 1, created.Version)
	path := "/records/finance/invoices/" + created.ID

	// Both editors read version 1; bob wins the race.
	w = s.do(t, boss, http.MethodPatch, path, map[string]any{"data": map[string]any{"vendor": "Globex"}, "expected_version": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, clerk, http.MethodPatch, path, map[string]any{"data": map[string]any{"amount": 99}, "expected_version": 1})
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[errorBody](t, w)
	require.Equal(t, model.ErrVersionConflict, conflict.Error.Code)
	require.NotNil(t, conflict.Error.Current)
	require.EqualValues(t, 2, conflict.Error.Current.Version)
	require.Equal(t, "Globex", conflict.Error.Current.Data["vendor"])

	w = s.do(t, clerk, http.MethodPatch, path, map[string]any{"data": map[string]any{"amount": 99}})
	require.Equal(t, http.StatusBadRequest, w.Code, "expected_version is mandatory")

	w = s.do(t, clerk, http.MethodGet, path+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[model.RecordHistory](t, w)
	actions := make([]string, 0, len(hist.Activity))
	for _, a := range hist.Activity {
		actions = append(actions, a.Action)
	}
	require.Equal(t, []string{model.ActivityCreated, model.ActivityUpdated, model.ActivityUpdateConflict}, actions)
}

func TestRecords_validationAndGates(t *testing.T) {
	s := newStack(t)
	readOnly := fullAccess()
	readOnly.Create, readOnly.Edit = false, false
	s.grant(t, "alice", readOnly)

	w := s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{"data": map[string]any{"amount": 5}})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, model.ErrMutationNotPermitted, decode[errorBody](t, w).Error.Code)

	s.grant(t, "alice", fullAccess())
	w = s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{"data": map[string]any{"vendor": "Acme"}})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, model.ErrValidationFailed, decode[errorBody](t, w).Error.Code)

	w = s.do(t, boss, http.MethodGet, "/records/finance/invoices", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, model.ErrAccessDenied, decode[errorBody](t, w).Error.Code)

	w = s.do(t, clerk, http.MethodGet, "/records/finance/invoices?page=two", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecords_idempotentCreate(t *testing.T) {
	s := newStack(t)
	s.grant(t, "alice", fullAccess())

	create := func() model.Record {
		body, _ := json.Marshal(map[string]any{"data": map[string]any{"amount": 10}})
		req := httptest.NewRequest(http.MethodPost, "/records/finance/invoices", bytes.NewReader(body))
		req.Header.Set(testSubject, clerk.sub)
		req.Header.Set(testDepartment, clerk.dept)
		req.Header.Set(HeaderIdempotencyKey, "retry-1")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		return decode[model.Record](t, w)
	}
	first, second := create(), create()
	require.Equal(t, first.ID, second.ID)

	w := s.do(t, clerk, http.MethodGet, "/records/finance/invoices", nil)
	page := decode[model.RecordPage](t, w)
	require.Equal(t, 1, page.Total)
}

func TestRecords_listRedactsHiddenColumns(t *testing.T) {
	s := newStack(t)
	s.grant(t, "alice", fullAccess())
	restricted := fullAccess()
	restricted.Columns = map[string]model.ColumnPermission{"*": {View: true, Edit: true}, "iban": {View: false}}
	s.grant(t, "bob", restricted)

	w := s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{
		"data": map[string]any{"amount": 1, "iban": "DE89370400440532013000"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, boss, http.MethodGet, "/records/finance/invoices?page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[model.RecordPage](t, w)
	require.Len(t, page.Items, 1)
	require.NotContains(t, page.Items[0].Data, "iban")
}

func TestApproval_flow(t *testing.T) {
	s := newStack(t)
	s.grant(t, "alice", fullAccess())
	s.grant(t, "bob", fullAccess())

	w := s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{"data": map[string]any{"amount": 50}})
	require.Equal(t, http.StatusCreated, w.Code)
	rec := decode[model.Record](t, w)
	path := "/records/finance/invoices/" + rec.ID

	w = s.do(t, boss, http.MethodPost, path+"/approve", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, model.ErrIllegalTransition, decode[errorBody](t, w).Error.Code)

	w = s.do(t, clerk, http.MethodPost, path+"/submit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, boss, http.MethodPost, path+"/reject", map[string]any{"comment": " "})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, boss, http.MethodPost, path+"/approve", map[string]any{"comment": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decode[model.Record](t, w)
	require.Equal(t, model.StatusApproved, approved.Status)

	w = s.do(t, clerk, http.MethodGet, path+"/history", nil)
	hist := decode[model.RecordHistory](t, w)
	require.Len(t, hist.Approvals, 2)
}

func TestFields_adminOnlyWrites(t *testing.T) {
	s := newStack(t)

	w := s.do(t, clerk, http.MethodPut, "/fields/finance/invoices/notes", map[string]any{"label": "Notes", "type": "textarea"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, admin, http.MethodPut, "/fields/finance/invoices/notes", map[string]any{"label": "Notes", "type": "textarea"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decode[model.FieldDefinition](t, w)
	require.Equal(t, "notes", saved.Key)
	require.True(t, saved.IsEnabled)

	w = s.do(t, admin, http.MethodPut, "/fields/finance/invoices", map[string]any{"order": []string{"notes", "vendor", "amount", "iban"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, clerk, http.MethodGet, "/fields/finance/invoices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	defs := decode[fieldsResponse](t, w)
	require.Equal(t, "notes", defs.Fields[0].Key)

	w = s.do(t, admin, http.MethodDelete, "/fields/finance/invoices/notes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, clerk, http.MethodGet, "/fields/finance/invoices", nil)
	require.Len(t, decode[fieldsResponse](t, w).Fields, 3)

	w = s.do(t, clerk, http.MethodGet, "/fields/finance/unknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestFields_hiddenListedOnRequest(t *testing.T) {
	s := newStack(t)

	w := s.do(t, admin, http.MethodPut, "/fields/finance/invoices/ref", map[string]any{"label": "Ref", "type": "text", "visible": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.False(t, decode[model.FieldDefinition](t, w).Visible)

	keys := func(path string) []string {
		w := s.do(t, clerk, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var out []string
		for _, d := range decode[fieldsResponse](t, w).Fields {
			out = append(out, d.Key)
		}
		return out
	}
	require.NotContains(t, keys("/fields/finance/invoices"), "ref")
	require.Contains(t, keys("/fields/finance/invoices?include_hidden=true"), "ref")

	// Hidden fields still accept data.
	s.grant(t, "alice", fullAccess())
	w = s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{"data": map[string]any{"amount": 10, "ref": "R-1"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestPermissions_adminOnly(t *testing.T) {
	s := newStack(t)

	w := s.do(t, clerk, http.MethodGet, "/permissions/alice/finance/invoices", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	s.grant(t, "alice", fullAccess())
	w = s.do(t, admin, http.MethodGet, "/permissions/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Permissions []model.Permission `json:"permissions"`
	}](t, w)
	require.Len(t, list.Permissions, 1)
	require.Equal(t, model.ScopeAll, list.Permissions[0].Scope)
}

func TestEvents_streamDeliversRoomEvents(t *testing.T) {
	s := newStack(t)
	s.grant(t, "alice", fullAccess())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/finance/invoices?connection_id=tab-1", nil)
	require.NoError(t, err)
	req.Header.Set(testSubject, clerk.sub)
	req.Header.Set(testDepartment, clerk.dept)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := bufio.NewReader(resp.Body)
	event, data := readFrame(t, frames)
	require.Equal(t, "ready", event)
	require.Contains(t, data, `"connection_id":"tab-1"`)

	w := s.do(t, clerk, http.MethodPost, "/records/finance/invoices", map[string]any{"data": map[string]any{"amount": 7}})
	require.Equal(t, http.StatusCreated, w.Code)

	event, data = readFrame(t, frames)
	require.Equal(t, string(model.EventRecordCreated), event)
	require.Contains(t, data, `"amount":7`)
}

func TestEvents_monitorRequiresRole(t *testing.T) {
	s := newStack(t)
	w := s.do(t, clerk, http.MethodGet, "/events/monitor", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

// readFrame reads one server-sent event, skipping heartbeat comments.
func readFrame(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}
