// Package realtime fans record change events out to subscribers grouped in
// per-entity rooms. Each recipient receives the event as redacted by its
// own permission; administrators may additionally follow a monitoring room
// that carries only event metadata.
package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/model"
)

// PermissionResolver resolves the permission of a subscriber.
type PermissionResolver interface {
	Resolve(ctx context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error)
}

// Observer receives subscriber counts and delivery outcomes. Implementations
// may record metrics.
type Observer interface {
	OnSubscribers(room string, count int)
	OnDelivery(kind model.EventKind, delivered bool)
}

// Message is one item of a subscription stream. Exactly one of Event and
// Monitor is set.
type Message struct {
	Event   *model.Event        `json:"event,omitempty"`
	Monitor *model.MonitorEvent `json:"monitor,omitempty"`
}

// Kind returns the event kind carried by m.
func (m Message) Kind() model.EventKind {
	if m.Event != nil {
		return m.Event.Kind
	}
	if m.Monitor != nil {
		return m.Monitor.Kind
	}
	return ""
}

// Subscription is one connection's membership of a room.
type Subscription struct {
	ID   string
	Room string

	hub     *Hub
	rctx    *model.RequestContext
	module  string
	entity  string
	monitor bool
	ch      chan Message
	once    sync.Once
}

// Events returns the stream of messages. It is closed by Close.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

// Close removes the subscription from its room. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// MonitorRoom is the room key of the monitoring feed.
const MonitorRoom = "_monitor"

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMonitorRoles sets the roles allowed to join the monitoring room.
func WithMonitorRoles(roles ...string) Option {
	return func(h *Hub) { h.monitorRoles = roles }
}

// WithObserver registers an observer.
func WithObserver(obs Observer) Option {
	return func(h *Hub) { h.observers = append(h.observers, obs) }
}

// WithLogger sets the hub logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// Hub holds the rooms of one process. Delivery never blocks a publisher:
// a subscriber whose buffer is full misses the event and is expected to
// re-fetch current state.
type Hub struct {
	perms        PermissionResolver
	buffer       int
	monitorRoles []string
	observers    []Observer
	logger       *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}
}

// NewHub creates a Hub.
func NewHub(perms PermissionResolver, opts ...Option) *Hub {
	h := &Hub{
		perms:        perms,
		buffer:       64,
		monitorRoles: []string{"admin"},
		logger:       zap.NewNop(),
		rooms:        make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe joins the room of (module, entity). It fails with ACCESS_DENIED
// unless the caller has access to the entity.
func (h *Hub) Subscribe(ctx context.Context, rctx *model.RequestContext, module, entity string) (*Subscription, error) {
	perm, err := h.perms.Resolve(ctx, rctx, module, entity)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}
	sub := h.newSubscription(rctx, model.RoomKey(module, entity))
	sub.module, sub.entity = module, entity
	h.add(sub)
	return sub, nil
}

// SubscribeMonitor joins the monitoring room. Only callers holding one of
// the monitor roles may join.
func (h *Hub) SubscribeMonitor(rctx *model.RequestContext) (*Subscription, error) {
	if !rctx.HasAnyRole(h.monitorRoles...) {
		return nil, model.NewAccessDeniedError("", MonitorRoom)
	}
	sub := h.newSubscription(rctx, MonitorRoom)
	sub.monitor = true
	h.add(sub)
	return sub, nil
}

// Subscribers returns the number of members of room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseAll ends every subscription. Streams reading Events see their
// channel closed and return.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Subscription
	for _, members := range h.rooms {
		for sub := range members {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range all {
		sub.Close()
	}
}

func (h *Hub) newSubscription(rctx *model.RequestContext, room string) *Subscription {
	return &Subscription{
		ID:   uuid.NewString(),
		Room: room,
		hub:  h,
		rctx: rctx,
		ch:   make(chan Message, h.buffer),
	}
}

func (h *Hub) add(sub *Subscription) {
	h.mu.Lock()
	members, ok := h.rooms[sub.Room]
	if !ok {
		members = make(map[*Subscription]struct{})
		h.rooms[sub.Room] = members
	}
	members[sub] = struct{}{}
	n := len(members)
	h.mu.Unlock()

	h.logger.Debug("subscription joined",
		zap.String("room", sub.Room),
		zap.String("subject_id", sub.rctx.SubjectID),
		zap.String("subscription_id", sub.ID),
	)
	h.notifySubscribers(sub.Room, n)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	members := h.rooms[sub.Room]
	delete(members, sub)
	n := len(members)
	if n == 0 {
		delete(h.rooms, sub.Room)
	}
	close(sub.ch)
	h.mu.Unlock()

	h.notifySubscribers(sub.Room, n)
}

func (h *Hub) snapshot(room string) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscription, 0, len(h.rooms[room]))
	for sub := range h.rooms[room] {
		out = append(out, sub)
	}
	return out
}

// Publish delivers ev to the members of its room. A targeted event goes
// only to the subscriptions of the target connection and is not mirrored
// to the monitoring room.
func (h *Hub) Publish(ctx context.Context, ev *model.Event) {
	for _, sub := range h.snapshot(ev.Room()) {
		if ev.Target != "" && sub.rctx.ConnectionID != ev.Target {
			continue
		}
		view, ok := h.viewFor(ctx, sub, ev)
		if !ok {
			continue
		}
		h.send(sub, Message{Event: view})
	}

	if ev.Target != "" {
		return
	}
	meta := ev.Monitor()
	for _, sub := range h.snapshot(MonitorRoom) {
		h.send(sub, Message{Monitor: &meta})
	}
}

// viewFor returns the event as sub may see it, or false if sub may not
// see it at all.
func (h *Hub) viewFor(ctx context.Context, sub *Subscription, ev *model.Event) (*model.Event, bool) {
	perm, err := h.perms.Resolve(ctx, sub.rctx, sub.module, sub.entity)
	if err != nil {
		h.logger.Warn("resolving subscriber permission",
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
		return nil, false
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, false
	}
	if ev.Record != nil && !permission.FilterRowScope(perm, ev.Record, sub.rctx) {
		return nil, false
	}

	view := *ev
	view.Record = permission.RedactForView(perm, ev.Record)
	view.Changed = permission.VisibleKeys(perm, ev.Changed)
	return &view, true
}

func (h *Hub) send(sub *Subscription, msg Message) {
	// The read lock keeps remove from closing the channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.rooms[sub.Room][sub]; !ok {
		return
	}

	select {
	case sub.ch <- msg:
		h.notifyDelivery(msg.Kind(), true)
	default:
		h.logger.Debug("subscriber buffer full, event dropped",
			zap.String("room", sub.Room),
			zap.String("subscription_id", sub.ID),
			zap.String("kind", string(msg.Kind())),
		)
		h.notifyDelivery(msg.Kind(), false)
	}
}

func (h *Hub) notifySubscribers(room string, n int) {
	for _, obs := range h.observers {
		obs.OnSubscribers(room, n)
	}
}

func (h *Hub) notifyDelivery(kind model.EventKind, delivered bool) {
	for _, obs := range h.observers {
		obs.OnDelivery(kind, delivered)
	}
}
