package field

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/ledgerly/model"
)

type staticCategories map[string][]string

func (s staticCategories) CategoryIDs(_ context.Context, source string) ([]string, error) {
	return s[source], nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewMemoryStore(), staticCategories{"cc": {"cc-1", "cc-2"}}, nil)
}

func textField(key string) model.FieldDefinition {
	return model.FieldDefinition{
		Module: "expense", Entity: "dealer", Key: key, Label: key,
		Type: model.FieldText, IsEnabled: true, Visible: true,
	}
}

func TestRegistry_Upsert_assignsIDAndOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Upsert(ctx, textField("a"))
	if err != nil {
		t.Fatalf("Upsert(a) error = %v", err)
	}
	b, err := r.Upsert(ctx, textField("b"))
	if err != nil {
		t.Fatalf("Upsert(b) error = %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs = %q, %q", a.ID, b.ID)
	}
	if a.Order != 1 || b.Order != 2 {
		t.Errorf("orders = %d, %d, want 1, 2", a.Order, b.Order)
	}

	a.Label = "Renamed"
	a.Order = 0
	updated, err := r.Upsert(ctx, a)
	if err != nil {
		t.Fatalf("Upsert(update) error = %v", err)
	}
	if updated.ID != a.ID || updated.Order != 1 || updated.Label != "Renamed" {
		t.Errorf("updated = %+v", updated)
	}
}

func TestRegistry_Upsert_rejectsInvalidDefinition(t *testing.T) {
	r := newTestRegistry(t)
	def := textField("")
	def.Type = "blob"
	_, err := r.Upsert(context.Background(), def)
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrValidationFailed {
		t.Fatalf("error = %v, want VALIDATION_FAILED", err)
	}
	if len(env.Details) != 3 {
		t.Errorf("Details = %+v, want key, label and type violations", env.Details)
	}
}

func TestRegistry_systemFieldProtected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	def := textField("amount")
	def.IsSystem = true
	if _, err := r.Upsert(ctx, def); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Disable(ctx, "expense", "dealer", "amount"); !model.Is(err, model.ErrMutationNotPermitted) {
		t.Errorf("Disable(system) error = %v, want MUTATION_NOT_PERMITTED", err)
	}

	def.IsEnabled = false
	if _, err := r.Upsert(ctx, def); !model.Is(err, model.ErrMutationNotPermitted) {
		t.Errorf("Upsert(disable system) error = %v, want MUTATION_NOT_PERMITTED", err)
	}

	def.IsEnabled = true
	def.IsSystem = false
	if _, err := r.Upsert(ctx, def); !model.Is(err, model.ErrMutationNotPermitted) {
		t.Errorf("Upsert(clear system) error = %v, want MUTATION_NOT_PERMITTED", err)
	}

	def.IsSystem = true
	def.Type = model.FieldNumber
	if _, err := r.Upsert(ctx, def); !model.Is(err, model.ErrMutationNotPermitted) {
		t.Errorf("Upsert(change type) error = %v, want MUTATION_NOT_PERMITTED", err)
	}
}

func TestRegistry_Disable_hidesFromDefinitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, _ = r.Upsert(ctx, textField("a"))
	_, _ = r.Upsert(ctx, textField("b"))

	if _, err := r.Disable(ctx, "expense", "dealer", "a"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	defs, err := r.Definitions(ctx, "expense", "dealer", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Key != "b" {
		t.Errorf("enabled defs = %+v, want only b", defs)
	}
	all, _ := r.Definitions(ctx, "expense", "dealer", true)
	if len(all) != 2 {
		t.Errorf("all defs = %d, want 2", len(all))
	}
	if _, err := r.Disable(ctx, "expense", "dealer", "zzz"); !model.Is(err, model.ErrNotFound) {
		t.Errorf("Disable(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestRegistry_Reorder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d"} {
		if _, err := r.Upsert(ctx, textField(k)); err != nil {
			t.Fatal(err)
		}
	}

	defs, err := r.Reorder(ctx, "expense", "dealer", []string{"c", "a"})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	var keys []string
	for _, d := range defs {
		keys = append(keys, d.Key)
	}
	want := []string{"c", "a", "b", "d"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("order = %v, want %v", keys, want)
		}
	}

	_, err = r.Reorder(ctx, "expense", "dealer", []string{"a", "a", "ghost"})
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrValidationFailed || len(env.Details) != 2 {
		t.Errorf("Reorder(bad) error = %v", err)
	}
}

func TestRegistry_Seed_keepsAdminChanges(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	seed := []model.EntityDefinition{{
		Module: "expense", Entity: "dealer",
		Fields: []model.FieldDefinition{
			{Key: "amount", Label: "Amount", Type: model.FieldNumber, IsSystem: true, IsEnabled: true, Visible: true, Order: 1},
		},
	}}
	if err := r.Seed(ctx, seed); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	defs, _ := r.Definitions(ctx, "expense", "dealer", false)
	if len(defs) != 1 || defs[0].ID == "" {
		t.Fatalf("defs = %+v", defs)
	}

	relabel := defs[0]
	relabel.Label = "Total"
	if _, err := r.Upsert(ctx, relabel); err != nil {
		t.Fatal(err)
	}
	if err := r.Seed(ctx, seed); err != nil {
		t.Fatal(err)
	}
	defs, _ = r.Definitions(ctx, "expense", "dealer", false)
	if defs[0].Label != "Total" {
		t.Errorf("Label = %q, want admin change kept", defs[0].Label)
	}
}

func TestRegistry_ResolveCategories(t *testing.T) {
	r := newTestRegistry(t)
	cats, err := r.ResolveCategories(context.Background(), []model.FieldDefinition{
		{Key: "cc", CategorySource: "cc"},
		{Key: "vendor"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cats["cc"]["cc-2"] || cats["cc"]["cc-9"] {
		t.Errorf("categories = %+v", cats)
	}
}

func TestSQLiteStore_roundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	r := NewRegistry(store, nil, nil)

	for _, k := range []string{"a", "b"} {
		if _, err := r.Upsert(ctx, textField(k)); err != nil {
			t.Fatalf("Upsert(%s) error = %v", k, err)
		}
	}
	defs, err := r.Reorder(ctx, "expense", "dealer", []string{"b"})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	if len(defs) != 2 || defs[0].Key != "b" || defs[0].Order != 1 || defs[1].Order != 2 {
		t.Errorf("defs = %+v", defs)
	}
	if _, err := store.Get(ctx, "expense", "dealer", "zzz"); !model.Is(err, model.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
	}
}
