package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/entity"
	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
)

func newTestReloader(t *testing.T, dir string) (*entityReloader, *observability.Metrics) {
	t.Helper()
	entities := entity.NewRegistry(nil)
	policy, err := permission.NewRolePolicy("")
	if err != nil {
		t.Fatalf("NewRolePolicy() error = %v", err)
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return &entityReloader{
		dirs:      []string{dir},
		loader:    entity.NewLoader(),
		validator: entity.NewValidator(),
		entities:  entities,
		fields:    field.NewRegistry(field.NewMemoryStore(), entities, zap.NewNop()),
		policy:    policy,
		resolver:  permission.NewResolver(permission.NewMemoryStore(), policy, 0),
		metrics:   metrics,
		logger:    zap.NewNop(),
	}, metrics
}

func TestEntityReloader_reload(t *testing.T) {
	r, metrics := newTestReloader(t, "../../internal/entity/testdata/expense")
	ctx := context.Background()

	if err := r.reload(ctx); err != nil {
		t.Fatalf("reload() error = %v", err)
	}
	if got := len(r.entities.All()); got != 2 {
		t.Errorf("entities loaded = %d, want 2", got)
	}
	defs, err := r.fields.Definitions(ctx, "expense", "dealer", true)
	if err != nil {
		t.Fatalf("Definitions() error = %v", err)
	}
	if len(defs) != 3 {
		t.Errorf("seeded fields = %d, want 3", len(defs))
	}
	if got := testutil.ToFloat64(metrics.EntitiesLoaded); got != 2 {
		t.Errorf("entities gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.EntityReloadTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("reload success count = %v, want 1", got)
	}
}

func TestEntityReloader_invalidKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	good, err := os.ReadFile("../../internal/entity/testdata/expense/entities.yaml")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "entities.yaml")
	if err := os.WriteFile(path, good, 0o600); err != nil {
		t.Fatal(err)
	}

	r, metrics := newTestReloader(t, dir)
	ctx := context.Background()
	if err := r.reload(ctx); err != nil {
		t.Fatalf("reload() error = %v", err)
	}
	checksum := r.entities.Checksum()

	if err := os.WriteFile(path, []byte("module: expense\nentities:\n  - entity: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.reload(ctx); err == nil {
		t.Fatal("reload() with an invalid file should fail")
	}
	if r.entities.Checksum() != checksum {
		t.Error("failed reload replaced the registry")
	}
	if got := testutil.ToFloat64(metrics.EntityReloadTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("reload failure count = %v, want 1", got)
	}
}
