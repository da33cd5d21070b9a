// Package lifecycle provides default phase-method implementations for
// ftsm.Handlers, mirroring the teacher's own pattern of a minimal struct
// embedding shared behavior -- generalized here from the Python original's
// RopodPyre embedding PyreBase.
//
// A concrete component embeds Defaults and supplies only Running and
// Recovering, the two phase methods ftsm.Handlers requires with no
// default.
package lifecycle

import "fleetcomm/ftsm"

// Defaults implements every ftsm.Handlers phase method except Running and
// Recovering, using the defaults stated for the fault-tolerant state
// machine: INIT always reports initialisation complete, CONFIGURING always
// reports configuration complete, READY always starts running, and dependency
// processing/ROS setup/teardown are no-ops until overridden.
type Defaults struct{}

func (Defaults) Init() ftsm.Transition                 { return ftsm.TransitionInitialised }
func (Defaults) Configuring() ftsm.Transition           { return ftsm.TransitionDoneConfiguring }
func (Defaults) Ready() ftsm.Transition                 { return ftsm.TransitionRun }
func (Defaults) ProcessDependStatuses() ftsm.Transition { return "" }
func (Defaults) SetupROS()                              {}
func (Defaults) TearDownROS()                           {}
