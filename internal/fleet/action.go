package fleet

import (
	"fmt"
	"strings"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Action is a fleet-wide lifecycle action. It determines both the stage
// ordering and the status a node must converge on.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReboot Action = "reboot"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionStart, ActionStop, ActionReboot:
		return a, nil
	}
	return "", fmt.Errorf("action must be 'start', 'stop', or 'reboot', got %q", s)
}

// Verb is the provider lifecycle verb that performs the action.
func (a Action) Verb() compute.Verb {
	return compute.Verb(a)
}

// Reversed reports whether stages run in reverse topology order.
func (a Action) Reversed() bool {
	return a == ActionStop
}

// Gerund returns the capitalised progressive form used in progress output.
func (a Action) Gerund() string {
	switch a {
	case ActionStart:
		return "Starting"
	case ActionStop:
		return "Stopping"
	case ActionReboot:
		return "Rebooting"
	case actionLaunch:
		return "Launching"
	case actionRetype:
		return "Retyping"
	}
	return string(a)
}

// Satisfied reports whether a node in status s needs no transition.
// Terminated nodes are never started.
func (a Action) Satisfied(s compute.Status) bool {
	switch a {
	case ActionStart:
		return s == compute.StatusRunning || s == compute.StatusPending || s == compute.StatusTerminated
	case ActionStop:
		return s == compute.StatusStopped || s == compute.StatusTerminated
	}
	return false
}

// Succeeded reports whether s is the successful end state of the action.
func (a Action) Succeeded(s compute.Status) bool {
	switch a {
	case ActionStart, ActionReboot:
		return s == compute.StatusRunning
	case ActionStop:
		return s == compute.StatusStopped || s == compute.StatusTerminated
	}
	return false
}

// Terminal reports whether polling can stop at status s.
func (a Action) Terminal(s compute.Status) bool {
	if a.Succeeded(s) || s == compute.StatusError {
		return true
	}
	switch a {
	case ActionStart:
		return s == compute.StatusTerminated
	case ActionReboot:
		return s == compute.StatusTerminated || s == compute.StatusStopped
	}
	return false
}
