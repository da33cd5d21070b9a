package ftsm

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLivenessGateReturnsImmediatelyWhenHealthy(t *testing.T) {
	var tornDown, setUp int32
	err := LivenessGate(context.Background(),
		func() (bool, error) { return true, nil },
		func() { atomic.StoreInt32(&tornDown, 1) },
		func() { atomic.StoreInt32(&setUp, 1) },
		time.Millisecond,
	)
	require.NoError(t, err)
	require.Zero(t, atomic.LoadInt32(&tornDown))
	require.Zero(t, atomic.LoadInt32(&setUp))
}

func TestLivenessGateTearsDownPollsThenSetsUp(t *testing.T) {
	var tornDown, setUp int32
	var probeCount int32

	probe := func() (bool, error) {
		n := atomic.AddInt32(&probeCount, 1)
		return n >= 3, nil
	}

	err := LivenessGate(context.Background(), probe,
		func() { atomic.StoreInt32(&tornDown, 1) },
		func() { atomic.StoreInt32(&setUp, 1) },
		time.Millisecond,
	)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&tornDown))
	require.Equal(t, int32(1), atomic.LoadInt32(&setUp))
}

func TestLivenessGateStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := LivenessGate(ctx,
		func() (bool, error) { return false, nil },
		nil, nil,
		time.Millisecond,
	)
	require.ErrorIs(t, err, context.Canceled)
}

// TestRecoverFromDeadROSMasterCallsTearDownAndSetup covers S9: ropod's
// ROS-master liveness gate, generalized.
func TestRecoverFromDeadROSMasterCallsTearDownAndSetup(t *testing.T) {
	factory, fs := newFakeStoreFactory()
	fs.put("components", "arm", map[string]any{
		"dependencies": []any{"roscore"},
		"dependency_monitors": map[string]any{
			MonitorTypeHeartbeat: map[string]any{rosCoreDependency: rosMasterMonitorSpec},
		},
	})

	h := &rosHandlers{}
	localSpec := Spec{
		Dependencies: []string{"roscore"},
		DependencyMonitors: map[string]map[string]string{
			MonitorTypeHeartbeat: {rosCoreDependency: rosMasterMonitorSpec},
		},
	}

	f, err := NewFTSM(context.Background(), "arm", localSpec, h, factory, testOpts()...)
	require.NoError(t, err)
	defer f.Close()

	deadJSON, _ := json.Marshal(map[string]any{"status": false})
	f.setDependStatus(MonitorTypeHeartbeat, rosCoreDependency, rosMasterMonitorSpec, string(deadJSON))

	done := make(chan struct{})
	go func() {
		f.RecoverFromDeadROSMaster(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.tornDown))

	aliveJSON, _ := json.Marshal(map[string]any{"status": true})
	f.setDependStatus(MonitorTypeHeartbeat, rosCoreDependency, rosMasterMonitorSpec, string(aliveJSON))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecoverFromDeadROSMaster did not return after ros master recovered")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&h.setUp))
}

func TestRecoverFromDeadROSMasterNoopWithoutDependency(t *testing.T) {
	factory, fs := newFakeStoreFactory()
	fs.put("components", "arm", map[string]any{})

	h := &rosHandlers{}
	f, err := NewFTSM(context.Background(), "arm", Spec{}, h, factory, testOpts()...)
	require.NoError(t, err)
	defer f.Close()

	f.RecoverFromDeadROSMaster(context.Background())
	require.Zero(t, atomic.LoadInt32(&h.tornDown))
	require.Zero(t, atomic.LoadInt32(&h.setUp))
}

type rosHandlers struct {
	tornDown int32
	setUp    int32
}

func (r *rosHandlers) Init() Transition                 { return "" }
func (r *rosHandlers) Configuring() Transition           { return "" }
func (r *rosHandlers) Ready() Transition                 { return "" }
func (r *rosHandlers) Running() Transition               { return "" }
func (r *rosHandlers) Recovering() Transition            { return "" }
func (r *rosHandlers) ProcessDependStatuses() Transition { return "" }
func (r *rosHandlers) SetupROS()                         { atomic.StoreInt32(&r.setUp, 1) }
func (r *rosHandlers) TearDownROS()                      { atomic.StoreInt32(&r.tornDown, 1) }
