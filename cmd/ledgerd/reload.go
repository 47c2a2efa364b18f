package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/entity"
	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
)

// entityReloader loads the entity registry files and the role policy, and
// reloads both on SIGHUP. A failed reload keeps the previous state.
type entityReloader struct {
	dirs       []string
	loader     *entity.Loader
	validator  *entity.Validator
	entities   *entity.Registry
	fields     *field.Registry
	policy     *permission.RolePolicy
	policyFile string
	resolver   *permission.Resolver
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func (r *entityReloader) reload(ctx context.Context) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		r.metrics.RecordEntityReload(status)
	}()

	files, err := r.loader.LoadAll(r.dirs)
	if err != nil {
		return err
	}
	if verrs := r.validator.Validate(files); len(verrs) > 0 {
		errs := make([]error, 0, len(verrs))
		for _, ve := range verrs {
			r.logger.Error("entity validation error", zap.String("error", ve.Error()))
			errs = append(errs, ve)
		}
		return fmt.Errorf("entity validation failed: %w", errors.Join(errs...))
	}

	if r.policyFile != "" {
		if err := r.policy.Sync(); err != nil {
			return err
		}
	}

	r.entities.Replace(files)
	if err := r.fields.Seed(ctx, r.entities.All()); err != nil {
		return fmt.Errorf("seed fields: %w", err)
	}
	r.resolver.InvalidateAll()

	n := len(r.entities.All())
	r.metrics.SetEntitiesLoaded(n)
	r.logger.Info("entities loaded",
		zap.Int("files", len(files)),
		zap.Int("entities", n),
		zap.String("checksum", r.entities.Checksum()),
	)
	return nil
}

// watch reloads on every SIGHUP until ctx is cancelled.
func (r *entityReloader) watch(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := r.reload(ctx); err != nil {
				r.logger.Error("entity reload failed, keeping previous entities", zap.Error(err))
			}
		}
	}
}
