package cluster

import (
	"fmt"

	"github.com/cuemby/anvil/pkg/types"
)

// ActionKind names a sub-action of the cluster step relation
type ActionKind string

const (
	ActionAPIServerStep               ActionKind = "ApiServerStep"
	ActionBuiltinControllerStep       ActionKind = "BuiltinControllerStep"
	ActionControllerStep              ActionKind = "ControllerStep"
	ActionScheduleControllerReconcile ActionKind = "ScheduleControllerReconcile"
	ActionExternalStep                ActionKind = "ExternalStep"
	ActionCrashController             ActionKind = "CrashController"
	ActionRestartController           ActionKind = "RestartController"
	ActionDisableCrash                ActionKind = "DisableCrash"
	ActionDropMessage                 ActionKind = "DropMessage"
	ActionDisableDrop                 ActionKind = "DisableDrop"
	ActionDisableBusy                 ActionKind = "DisableBusy"
	ActionPodMonkeyStep               ActionKind = "PodMonkeyStep"
	ActionDisablePodMonkey            ActionKind = "DisablePodMonkey"
	ActionStutter                     ActionKind = "Stutter"
)

// Fair reports whether the chooser must eventually take an action of this
// kind once it stays enabled
func (k ActionKind) Fair() bool {
	switch k {
	case ActionAPIServerStep, ActionBuiltinControllerStep, ActionControllerStep,
		ActionScheduleControllerReconcile, ActionExternalStep, ActionRestartController,
		ActionDisableCrash, ActionDisableDrop, ActionDisableBusy, ActionDisablePodMonkey:
		return true
	}
	return false
}

// Fault reports whether the action injects a failure or does nothing
func (k ActionKind) Fault() bool {
	switch k {
	case ActionCrashController, ActionDropMessage, ActionPodMonkeyStep, ActionStutter:
		return true
	}
	return false
}

// Action is one enabled step of the cluster. It is comparable so the
// chooser can track how long each action has been enabled.
type Action struct {
	Kind         ActionKind
	ControllerID string
	Key          types.ObjectRef
	MessageID    types.MessageID
}

func (a Action) String() string {
	switch a.Kind {
	case ActionAPIServerStep, ActionDropMessage:
		return fmt.Sprintf("%s(#%d)", a.Kind, a.MessageID)
	case ActionExternalStep:
		return fmt.Sprintf("%s(%s, #%d)", a.Kind, a.ControllerID, a.MessageID)
	case ActionControllerStep:
		if a.MessageID != 0 {
			return fmt.Sprintf("%s(%s, #%d, %s)", a.Kind, a.ControllerID, a.MessageID, a.Key)
		}
		return fmt.Sprintf("%s(%s, -, %s)", a.Kind, a.ControllerID, a.Key)
	case ActionScheduleControllerReconcile:
		return fmt.Sprintf("%s(%s, %s)", a.Kind, a.ControllerID, a.Key)
	case ActionCrashController, ActionRestartController, ActionDisableCrash:
		return fmt.Sprintf("%s(%s)", a.Kind, a.ControllerID)
	default:
		return string(a.Kind)
	}
}
