package ftsm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"fleetcomm/store"
)

// runReconciler is the dependency-status reconciler background task, spec
// §4.2.1. It gates on isRunning, then sweeps the declared monitor tree
// against the status collection every backgroundPeriod until the machine
// stops.
func (f *FTSM) runReconciler(ctx context.Context) {
	defer f.doneWG.Done()

	st, err := f.storeFactory(ctx)
	if err != nil {
		log.Printf("[ftsm %s] reconciler: open store: %v", f.name, err)
		return
	}
	defer st.Close()

	for !f.isRunning() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.opts.backgroundPeriod):
		}
	}

	for f.State() != StateStopped {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.sweepDependencies(ctx, st)

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.opts.backgroundPeriod):
		}
	}
}

// sweepDependencies performs one reconciliation pass over the declared
// monitor tree. Entries for distinct monitors are independent; within one
// monitor, the last matching modes entry wins (spec §4.2.1).
func (f *FTSM) sweepDependencies(ctx context.Context, st store.Store) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ftsm %s] reconciler: recovered from panic: %v", f.name, r)
		}
	}()

	for monitorType, deps := range f.spec.DependencyMonitors {
		for depName, monitorSpec := range deps {
			if monitorSpec == monitorSpecNone {
				continue
			}

			emitter, monitorName, ok := splitMonitorSpec(monitorSpec)
			if !ok {
				log.Printf("[ftsm %s] reconciler: malformed monitor spec %q for %s/%s", f.name, monitorSpec, monitorType, depName)
				continue
			}

			doc, err := st.FindOne(ctx, f.opts.statusCollection, map[string]any{"component_id": emitter})
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					log.Printf("[ftsm %s] reconciler: find status for %s: %v", f.name, emitter, err)
				}
				continue // status unknown, skip
			}

			modes, _ := doc["modes"].([]any)
			for _, rawMode := range modes {
				mode, ok := rawMode.(map[string]any)
				if !ok {
					continue
				}
				name, _ := mode["monitorName"].(string)
				if name != monitorName {
					continue
				}
				healthJSON, err := json.Marshal(mode["healthStatus"])
				if err != nil {
					log.Printf("[ftsm %s] reconciler: encode healthStatus for %s: %v", f.name, monitorSpec, err)
					continue
				}
				f.setDependStatus(monitorType, depName, monitorSpec, string(healthJSON))
			}
		}
	}
}

// splitMonitorSpec splits "<emitter_component>/<monitor_name>" on the
// first slash.
func splitMonitorSpec(spec string) (emitter, monitorName string, ok bool) {
	idx := strings.IndexByte(spec, '/')
	if idx < 0 {
		return "", "", false
	}
	return spec[:idx], spec[idx+1:], true
}
