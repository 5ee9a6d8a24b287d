package agent

import "goa.design/sourced/runtime/fsm"

// LifecycleEvent drives agent lifecycle transitions.
type LifecycleEvent string

const (
	// LifecycleStart activates a stopped agent.
	LifecycleStart LifecycleEvent = "START"
	// LifecyclePause suspends an active agent.
	LifecyclePause LifecycleEvent = "PAUSE"
	// LifecycleResume reactivates a paused agent.
	LifecycleResume LifecycleEvent = "RESUME"
	// LifecycleStop stops an agent from any non-stopped state.
	LifecycleStop LifecycleEvent = "STOP"
	// LifecycleReconfigure applies new configuration, activating the agent.
	LifecycleReconfigure LifecycleEvent = "RECONFIGURE"
	// LifecycleEnterErrorRecovery moves an active agent into recovery.
	LifecycleEnterErrorRecovery LifecycleEvent = "ENTER_ERROR_RECOVERY"
	// LifecycleRecover returns a recovering agent to active.
	LifecycleRecover LifecycleEvent = "RECOVER"
)

// lifecycle is the agent lifecycle machine. Exactly these ten transitions
// are valid; Next returns ok=false for every other pair.
var lifecycle = fsm.DefineEvents(StatusStopped, map[Status]map[LifecycleEvent]Status{
	StatusStopped: {
		LifecycleStart: StatusActive,
	},
	StatusActive: {
		LifecyclePause:              StatusPaused,
		LifecycleStop:               StatusStopped,
		LifecycleEnterErrorRecovery: StatusErrorRecovery,
		LifecycleReconfigure:        StatusActive,
	},
	StatusPaused: {
		LifecycleResume:      StatusActive,
		LifecycleStop:        StatusStopped,
		LifecycleReconfigure: StatusActive,
	},
	StatusErrorRecovery: {
		LifecycleRecover: StatusActive,
		LifecycleStop:    StatusStopped,
	},
})

// commandEvents maps lifecycle command types to lifecycle events. Lookups
// are case-sensitive.
var commandEvents = map[string]LifecycleEvent{
	"StartAgent":       LifecycleStart,
	"PauseAgent":       LifecyclePause,
	"ResumeAgent":      LifecycleResume,
	"StopAgent":        LifecycleStop,
	"ReconfigureAgent": LifecycleReconfigure,
}

// auditTypeForEvent maps lifecycle events to their audit record types.
var auditTypeForEvent = map[LifecycleEvent]AuditType{
	LifecycleStart:              AuditAgentStarted,
	LifecyclePause:              AuditAgentPaused,
	LifecycleResume:             AuditAgentResumed,
	LifecycleStop:               AuditAgentStopped,
	LifecycleReconfigure:        AuditAgentReconfigured,
	LifecycleEnterErrorRecovery: AuditAgentErrorRecoveryStarted,
}

// NextStatus returns the status reached by applying event to from, or
// ok=false when the pair is not one of the ten valid transitions. It never
// panics.
func NextStatus(from Status, event LifecycleEvent) (Status, bool) {
	return lifecycle.Next(from, event)
}

// AssertStatus is the raising variant of NextStatus: invalid pairs return an
// error naming the events valid from the current status.
func AssertStatus(from Status, event LifecycleEvent) (Status, error) {
	return lifecycle.AssertNext(from, event)
}

// ValidLifecycleEvents returns the sorted events accepted in the status.
func ValidLifecycleEvents(from Status) []LifecycleEvent {
	return lifecycle.ValidEvents(from)
}

// EventForCommand maps a lifecycle command type to its event. The match is
// case-sensitive; unknown command types return ok=false.
func EventForCommand(commandType string) (LifecycleEvent, bool) {
	evt, ok := commandEvents[commandType]
	return evt, ok
}
