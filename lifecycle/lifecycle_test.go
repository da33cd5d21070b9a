package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fleetcomm/ftsm"
	"fleetcomm/lifecycle"
)

// armHandlers is a minimal concrete component: it embeds lifecycle.Defaults
// and supplies only Running/Recovering, the two methods ftsm.Handlers
// leaves without a default.
type armHandlers struct {
	lifecycle.Defaults
	runCount int
}

func (h *armHandlers) Running() ftsm.Transition    { h.runCount++; return ftsm.TransitionContinue }
func (h *armHandlers) Recovering() ftsm.Transition { return ftsm.TransitionRun }

func TestDefaultsSatisfyHandlersWhenEmbedded(t *testing.T) {
	var h ftsm.Handlers = &armHandlers{}
	require.Equal(t, ftsm.TransitionInitialised, h.Init())
	require.Equal(t, ftsm.TransitionDoneConfiguring, h.Configuring())
	require.Equal(t, ftsm.TransitionRun, h.Ready())
	require.Equal(t, ftsm.Transition(""), h.ProcessDependStatuses())
	h.SetupROS()
	h.TearDownROS()
}

func TestConcreteComponentOverridesRunningAndRecovering(t *testing.T) {
	h := &armHandlers{}
	require.Equal(t, ftsm.TransitionContinue, h.Running())
	require.Equal(t, 1, h.runCount)
	require.Equal(t, ftsm.TransitionRun, h.Recovering())
}
