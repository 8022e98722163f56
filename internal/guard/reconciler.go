/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/alexandremahdhaoui/netguard/pkg/network"
)

// Registry is the virtualization manager's network registry.
type Registry interface {
	List(ctx context.Context) ([]network.LibvirtNetworkInfo, error)
	Delete(ctx context.Context, name string) error
}

// ReconcileReport summarizes one reconciliation.
type ReconcileReport struct {
	// Deleted lists definitions removed from the registry.
	Deleted []string
	// InUse lists colliding definitions left to the manager because they
	// still have dependents.
	InUse []string
	// Err aggregates the failures, wrapped in ErrManagerReconcile.
	Err error
}

// Reconciler removes the manager's persisted network definitions that would
// recreate a conflict on the next manager start.
type Reconciler struct {
	registry Registry
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. A nil registry turns Reconcile into a
// no-op.
func NewReconciler(registry Registry, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{registry: registry, logger: logger}
}

// Reconcile deletes every definition whose prefix equals the host prefix.
// It is best-effort: failures land in the report and are never returned.
func (r *Reconciler) Reconcile(ctx context.Context, host *network.HostNetworkState) ReconcileReport {
	var report ReconcileReport

	if r.registry == nil {
		return report
	}
	if !host.HasPrefix() {
		r.logger.Info("skipping manager reconcile: host prefix unknown")
		return report
	}

	defs, err := r.registry.List(ctx)
	if err != nil {
		report.Err = fmt.Errorf("%w: listing networks: %v", ErrManagerReconcile, err)
		r.logger.Warn("manager registry unavailable", "error", err)
		return report
	}

	var errs []error
	for _, def := range defs {
		if !def.HasPrefix(host.Prefix) {
			continue
		}

		err := r.registry.Delete(ctx, def.Name)
		switch {
		case err == nil:
			r.logger.Warn("deleted conflicting network definition",
				"network", def.Name, "bridge", def.BridgeName, "addresses", def.Addresses)
			report.Deleted = append(report.Deleted, def.Name)
		case errors.Is(err, network.ErrNetworkInUse):
			r.logger.Info("network definition still in use, leaving it to the manager",
				"network", def.Name, "error", err)
			report.InUse = append(report.InUse, def.Name)
		default:
			r.logger.Error("failed to delete network definition", "network", def.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", def.Name, err))
		}
	}

	if agg := utilerrors.NewAggregate(errs); agg != nil {
		report.Err = fmt.Errorf("%w: %v", ErrManagerReconcile, agg)
	}

	return report
}
