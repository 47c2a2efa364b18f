package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/ledgerly/model"
)

// mapResolver serves permissions keyed by subject id.
type mapResolver struct {
	mu    sync.Mutex
	perms map[string]*model.Permission
}

func (m *mapResolver) Resolve(_ context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.perms[rctx.SubjectID]; ok {
		return p.Clone(), nil
	}
	return model.NoPermission(rctx.SubjectID, module, entity), nil
}

func (m *mapResolver) set(subject string, p *model.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms[subject] = p
}

type countingObserver struct {
	mu        sync.Mutex
	counts    map[string]int
	delivered int
	dropped   int
}

func (o *countingObserver) OnSubscribers(room string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[room] = n
}

func (o *countingObserver) OnDelivery(_ model.EventKind, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.delivered++
	} else {
		o.dropped++
	}
}

func viewer(scope model.Scope, hidden ...string) *model.Permission {
	cols := map[string]model.ColumnPermission{}
	for _, k := range hidden {
		cols[k] = model.ColumnPermission{View: false}
	}
	return &model.Permission{Access: true, Scope: scope, Columns: cols}
}

func who(id, dept string, roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: id, Department: dept, Roles: roles, ConnectionID: "conn-" + id}
}

func updatedEvent() *model.Event {
	return &model.Event{
		ID: "e1", Kind: model.EventRecordUpdated, Module: "expense", Entity: "dealer",
		RecordID: "r1", ActorID: "alice", Version: 2,
		Record: &model.Record{
			ID: "r1", Module: "expense", Entity: "dealer", Version: 2,
			Data:      map[string]any{"amount": 150.0, "secret": "s"},
			CreatedBy: "alice", Department: "finance",
		},
		Changed:   []string{"amount", "secret"},
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Events():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message on %s", sub.Room)
		return Message{}
	}
}

func requireNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Events():
		t.Fatalf("unexpected message %+v on %s", msg, sub.Room)
	default:
	}
}

func newTestHub(opts ...Option) (*Hub, *mapResolver) {
	perms := &mapResolver{perms: map[string]*model.Permission{}}
	return NewHub(perms, opts...), perms
}

func TestSubscribe_RequiresAccess(t *testing.T) {
	hub, perms := newTestHub()
	ctx := context.Background()

	_, err := hub.Subscribe(ctx, who("eve", ""), "expense", "dealer")
	require.True(t, model.Is(err, model.ErrAccessDenied))

	perms.set("bob", viewer(model.ScopeAll))
	sub, err := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")
	require.NoError(t, err)
	require.Equal(t, "expense:dealer", sub.Room)
	require.Equal(t, 1, hub.Subscribers("expense:dealer"))

	sub.Close()
	sub.Close()
	require.Equal(t, 0, hub.Subscribers("expense:dealer"))
	_, open := <-sub.Events()
	require.False(t, open)
}

func TestPublish_RedactsPerRecipient(t *testing.T) {
	obs := &countingObserver{counts: map[string]int{}}
	hub, perms := newTestHub(WithObserver(obs))
	ctx := context.Background()
	perms.set("bob", viewer(model.ScopeAll))
	perms.set("carol", viewer(model.ScopeAll, "secret"))

	bob, err := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")
	require.NoError(t, err)
	carol, err := hub.Subscribe(ctx, who("carol", ""), "expense", "dealer")
	require.NoError(t, err)
	require.Equal(t, 2, obs.counts["expense:dealer"])

	ev := updatedEvent()
	hub.Publish(ctx, ev)

	got := receive(t, bob).Event
	require.Equal(t, map[string]any{"amount": 150.0, "secret": "s"}, got.Record.Data)
	require.Equal(t, []string{"amount", "secret"}, got.Changed)

	got = receive(t, carol).Event
	require.Equal(t, map[string]any{"amount": 150.0}, got.Record.Data)
	require.Equal(t, []string{"amount"}, got.Changed)

	require.Contains(t, ev.Record.Data, "secret", "publisher's event must not be modified")
	require.Equal(t, 2, obs.delivered)
}

func TestPublish_RowScope(t *testing.T) {
	hub, perms := newTestHub()
	ctx := context.Background()
	perms.set("dora", viewer(model.ScopeDepartment))
	perms.set("hank", viewer(model.ScopeDepartment))
	perms.set("olga", viewer(model.ScopeOwn))

	dora, _ := hub.Subscribe(ctx, who("dora", "finance"), "expense", "dealer")
	hank, _ := hub.Subscribe(ctx, who("hank", "hr"), "expense", "dealer")
	olga, _ := hub.Subscribe(ctx, who("olga", "finance"), "expense", "dealer")

	hub.Publish(ctx, updatedEvent())

	receive(t, dora)
	requireNothing(t, hank)
	requireNothing(t, olga)
}

func TestPublish_RevokedSubscriberStopsReceiving(t *testing.T) {
	hub, perms := newTestHub()
	ctx := context.Background()
	perms.set("bob", viewer(model.ScopeAll))
	bob, err := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")
	require.NoError(t, err)

	perms.set("bob", model.NoPermission("bob", "expense", "dealer"))
	hub.Publish(ctx, updatedEvent())
	requireNothing(t, bob)
}

func TestPublish_OtherRoomsUnaffected(t *testing.T) {
	hub, perms := newTestHub()
	ctx := context.Background()
	perms.set("bob", viewer(model.ScopeAll))
	other, _ := hub.Subscribe(ctx, who("bob", ""), "expense", "trip")

	hub.Publish(ctx, updatedEvent())
	requireNothing(t, other)
}

func TestPublish_TargetedConflict(t *testing.T) {
	hub, perms := newTestHub()
	ctx := context.Background()
	perms.set("alice", viewer(model.ScopeAll))
	perms.set("bob", viewer(model.ScopeAll))
	admin := who("root", "", "admin")

	alice, _ := hub.Subscribe(ctx, who("alice", ""), "expense", "dealer")
	bob, _ := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")
	mon, err := hub.SubscribeMonitor(admin)
	require.NoError(t, err)

	ev := updatedEvent()
	ev.Kind = model.EventVersionConflict
	ev.Target = "conn-bob"
	hub.Publish(ctx, ev)

	got := receive(t, bob).Event
	require.Equal(t, model.EventVersionConflict, got.Kind)
	require.Equal(t, int64(2), got.Record.Version)
	requireNothing(t, alice)
	requireNothing(t, mon)
}

func TestMonitor_MetadataOnly(t *testing.T) {
	hub, _ := newTestHub(WithMonitorRoles("ops"))
	ctx := context.Background()

	_, err := hub.SubscribeMonitor(who("bob", ""))
	require.True(t, model.Is(err, model.ErrAccessDenied))

	mon, err := hub.SubscribeMonitor(who("root", "", "ops"))
	require.NoError(t, err)

	hub.Publish(ctx, updatedEvent())
	msg := receive(t, mon)
	require.Nil(t, msg.Event)
	require.Equal(t, model.MonitorEvent{
		RecordID: "r1", Module: "expense", Entity: "dealer",
		Kind: model.EventRecordUpdated, ActorID: "alice",
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}, *msg.Monitor)
}

func TestPublish_FullBufferDropsWithoutBlocking(t *testing.T) {
	obs := &countingObserver{counts: map[string]int{}}
	hub, perms := newTestHub(WithBuffer(1), WithObserver(obs))
	ctx := context.Background()
	perms.set("bob", viewer(model.ScopeAll))
	bob, _ := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")

	done := make(chan struct{})
	go func() {
		for range 3 {
			hub.Publish(ctx, updatedEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	receive(t, bob)
	requireNothing(t, bob)
	require.Equal(t, 1, obs.delivered)
	require.Equal(t, 2, obs.dropped)
}

func TestPublish_ConcurrentWithClose(t *testing.T) {
	hub, perms := newTestHub(WithBuffer(4))
	ctx := context.Background()
	perms.set("bob", viewer(model.ScopeAll))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		sub, err := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")
		require.NoError(t, err)
		go func() {
			defer wg.Done()
			for range 20 {
				hub.Publish(ctx, updatedEvent())
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, hub.Subscribers("expense:dealer"))
}

func TestCloseAll_EndsEveryStream(t *testing.T) {
	hub, perms := newTestHub()
	ctx := context.Background()
	perms.set("bob", viewer(model.ScopeAll))

	room, err := hub.Subscribe(ctx, who("bob", ""), "expense", "dealer")
	require.NoError(t, err)
	monitor, err := hub.SubscribeMonitor(who("root", "", "admin"))
	require.NoError(t, err)

	hub.CloseAll()

	for _, sub := range []*Subscription{room, monitor} {
		_, open := <-sub.Events()
		require.False(t, open, "subscription %s should be closed", sub.Room)
		sub.Close()
	}
	require.Zero(t, hub.Subscribers("expense:dealer"))
	require.Zero(t, hub.Subscribers(MonitorRoom))
}
