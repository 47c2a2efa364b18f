package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/ledgerly/internal/entity"
	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/internal/record"
	"github.com/pitabwire/ledgerly/model"
)

type memRecorder struct {
	mu        sync.Mutex
	approvals []model.ApprovalLogEntry
	activity  []model.ActivityLogEntry
}

func (r *memRecorder) AppendApproval(_ context.Context, e model.ApprovalLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, e)
	return nil
}

func (r *memRecorder) AppendActivity(_ context.Context, e model.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity = append(r.activity, e)
	return nil
}

type memPublisher struct {
	events []*model.Event
}

func (p *memPublisher) Publish(_ context.Context, ev *model.Event) {
	p.events = append(p.events, ev)
}

type fixture struct {
	machine  *Machine
	store    *record.MemoryStore
	perms    *permission.MemoryStore
	recorder *memRecorder
	events   *memPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	entities := entity.NewRegistry([]model.EntityFile{{
		Module: "expense",
		Entities: []model.EntityDefinition{
			{Module: "expense", Entity: "dealer", Approval: true},
			{Module: "expense", Entity: "petty", Approval: false},
		},
	}})
	f := &fixture{
		store:    record.NewMemoryStore(),
		perms:    permission.NewMemoryStore(),
		recorder: &memRecorder{},
		events:   &memPublisher{},
	}
	f.machine = NewMachine(f.store, entities, permission.NewResolver(f.perms, nil, time.Minute),
		WithRecorder(f.recorder),
		WithPublisher(f.events),
	)

	for _, p := range []*model.Permission{
		{UserID: "alice", Access: true, Create: true, Edit: true, Scope: model.ScopeOwn},
		{UserID: "bob", Access: true, Scope: model.ScopeAll},
		{UserID: "manager", Access: true, Edit: true, Scope: model.ScopeAll},
		{UserID: "outsider", Access: true, Edit: true, Scope: model.ScopeOwn},
	} {
		for _, e := range []string{"dealer", "petty"} {
			p := p.Clone()
			p.Module, p.Entity = "expense", e
			if err := f.perms.Put(context.Background(), p); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
		}
	}
	return f
}

func (f *fixture) insert(t *testing.T, entityName, id string, status model.RecordStatus) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.Insert(context.Background(), &model.Record{
		ID: id, Module: "expense", Entity: entityName, Data: map[string]any{"amount": 1.0},
		Version: 1, Status: status, CreatedBy: "alice", UpdatedBy: "alice",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

func rctx(id string) *model.RequestContext {
	return &model.RequestContext{SubjectID: id}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.Is(err, code) {
		t.Fatalf("error = %v, want %s", err, code)
	}
}

func TestMachine_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "dealer", "r1", model.StatusDraft)

	rec, err := f.machine.Submit(ctx, rctx("alice"), "expense", "dealer", "r1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.Status != model.StatusSubmitted || rec.Version != 2 {
		t.Errorf("after submit: status = %s, version = %d", rec.Status, rec.Version)
	}

	rec, err = f.machine.Approve(ctx, rctx("manager"), "expense", "dealer", "r1", "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if rec.Status != model.StatusApproved || rec.Version != 3 {
		t.Errorf("after approve: status = %s, version = %d", rec.Status, rec.Version)
	}

	if len(f.recorder.approvals) != 2 || len(f.recorder.activity) != 2 {
		t.Fatalf("logs = %d approvals, %d activity, want 2, 2", len(f.recorder.approvals), len(f.recorder.activity))
	}
	last := f.recorder.approvals[1]
	if last.Action != ActionApprove || last.FromStatus != model.StatusSubmitted || last.ToStatus != model.StatusApproved {
		t.Errorf("approval entry = %+v", last)
	}
	if f.recorder.activity[1].Action != model.ActivityApproved {
		t.Errorf("activity action = %q", f.recorder.activity[1].Action)
	}

	if len(f.events.events) != 2 {
		t.Fatalf("events = %d, want 2", len(f.events.events))
	}
	ev := f.events.events[1]
	if ev.Kind != model.EventStatusChanged || ev.FromStatus != model.StatusSubmitted || ev.ToStatus != model.StatusApproved {
		t.Errorf("event = %+v", ev)
	}
}

func TestMachine_SubmitOnlyByCreator(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "dealer", "r1", model.StatusDraft)

	_, err := f.machine.Submit(context.Background(), rctx("manager"), "expense", "dealer", "r1")
	wantCode(t, err, model.ErrMutationNotPermitted)
}

func TestMachine_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		status model.RecordStatus
		run    func(*Machine) error
	}{
		{"approve draft", model.StatusDraft, func(m *Machine) error {
			_, err := m.Approve(context.Background(), rctx("manager"), "expense", "dealer", "r1", "")
			return err
		}},
		{"reject approved", model.StatusApproved, func(m *Machine) error {
			_, err := m.Reject(context.Background(), rctx("manager"), "expense", "dealer", "r1", "no")
			return err
		}},
		{"approve rejected", model.StatusRejected, func(m *Machine) error {
			_, err := m.Approve(context.Background(), rctx("manager"), "expense", "dealer", "r1", "")
			return err
		}},
		{"submit submitted", model.StatusSubmitted, func(m *Machine) error {
			_, err := m.Submit(context.Background(), rctx("alice"), "expense", "dealer", "r1")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.insert(t, "dealer", "r1", tt.status)
			wantCode(t, tt.run(f.machine), model.ErrIllegalTransition)
			if len(f.recorder.approvals) != 0 || len(f.events.events) != 0 {
				t.Error("illegal transition must not log or broadcast")
			}
		})
	}
}

func TestMachine_ApproverNeedsEditAndScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "dealer", "r1", model.StatusSubmitted)

	_, err := f.machine.Approve(ctx, rctx("bob"), "expense", "dealer", "r1", "")
	wantCode(t, err, model.ErrMutationNotPermitted)

	_, err = f.machine.Approve(ctx, rctx("outsider"), "expense", "dealer", "r1", "")
	wantCode(t, err, model.ErrRowOutOfScope)

	_, err = f.machine.Approve(ctx, rctx("stranger"), "expense", "dealer", "r1", "")
	wantCode(t, err, model.ErrAccessDenied)
}

func TestMachine_RejectRequiresComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "dealer", "r1", model.StatusSubmitted)

	_, err := f.machine.Reject(ctx, rctx("manager"), "expense", "dealer", "r1", "  ")
	wantCode(t, err, model.ErrValidationFailed)

	rec, err := f.machine.Reject(ctx, rctx("manager"), "expense", "dealer", "r1", "missing receipt")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rec.Status != model.StatusRejected {
		t.Errorf("status = %s", rec.Status)
	}
	if f.recorder.approvals[0].Comment != "missing receipt" {
		t.Errorf("comment = %q", f.recorder.approvals[0].Comment)
	}
}

func TestMachine_ApprovalDisabledEntity(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "petty", "p1", model.StatusDraft)

	_, err := f.machine.Submit(context.Background(), rctx("alice"), "expense", "petty", "p1")
	wantCode(t, err, model.ErrMutationNotPermitted)
}

func TestMachine_ConcurrentApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "dealer", "r1", model.StatusSubmitted)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.machine.Approve(ctx, rctx("manager"), "expense", "dealer", "r1", "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.machine.Reject(ctx, rctx("manager"), "expense", "dealer", "r1", "no")
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			wantCode(t, err, model.ErrIllegalTransition)
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("failures = %d, want exactly 1", failures)
	}
}

func TestMachine_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Submit(context.Background(), rctx("alice"), "expense", "dealer", "missing")
	wantCode(t, err, model.ErrNotFound)
}
