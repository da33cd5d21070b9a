package ftsm

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// LivenessGate is the generalized form of spec §4.2.3's ROS-master
// recovery helper (spec §9: "expose it as a generic 'external-subsystem
// liveness gate' taking a probe function and teardown/setup callbacks").
// It probes once; if already healthy it returns immediately. Otherwise it
// calls tearDown, then polls probe every pollEvery until it reports healthy,
// then calls setup. An error from the first probe is returned before
// tearDown is called; errors from later probes are logged and treated as
// "not yet healthy" so the gate keeps polling rather than asserting failure.
func LivenessGate(ctx context.Context, probe func() (bool, error), tearDown, setup func(), pollEvery time.Duration) error {
	healthy, err := probe()
	if err != nil {
		return err
	}
	if healthy {
		return nil
	}

	if tearDown != nil {
		tearDown()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}

		healthy, err := probe()
		if err != nil {
			log.Printf("liveness gate: probe error: %v", err)
			continue
		}
		if healthy {
			if setup != nil {
				setup()
			}
			return nil
		}
	}
}

type rosMasterStatus struct {
	Status bool `json:"status"`
}

// RecoverFromDeadROSMaster is the ROS-specific helper from spec §4.2.3: a
// thin LivenessGate wiring over dependStatuses.heartbeat.roscore["ros/ros_master_monitor"].
// It is a no-op unless "roscore" is a declared dependency and the heartbeat
// monitor type has been populated.
func (f *FTSM) RecoverFromDeadROSMaster(ctx context.Context) {
	if !containsString(f.spec.Dependencies, rosCoreDependency) {
		return
	}

	f.dependMu.RLock()
	_, hasHeartbeat := f.dependStatuses[MonitorTypeHeartbeat]
	f.dependMu.RUnlock()
	if !hasHeartbeat {
		return
	}

	probe := func() (bool, error) {
		f.dependMu.RLock()
		raw, ok := f.dependStatuses[MonitorTypeHeartbeat][rosCoreDependency][rosMasterMonitorSpec]
		f.dependMu.RUnlock()
		if !ok || raw == "" {
			return false, nil
		}
		var status rosMasterStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return false, err
		}
		return status.Status, nil
	}

	if err := LivenessGate(ctx, probe, f.handlers.TearDownROS, f.handlers.SetupROS, f.opts.rosPollInterval); err != nil {
		log.Printf("[ftsm %s] ros master recovery: %v", f.name, err)
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
