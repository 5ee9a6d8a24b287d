package agent

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// AuditType names one of the sixteen audit trail record types.
type AuditType string

const (
	AuditPatternDetected           AuditType = "PatternDetected"
	AuditCommandEmitted            AuditType = "CommandEmitted"
	AuditApprovalRequested         AuditType = "ApprovalRequested"
	AuditApprovalGranted           AuditType = "ApprovalGranted"
	AuditApprovalRejected          AuditType = "ApprovalRejected"
	AuditApprovalExpired           AuditType = "ApprovalExpired"
	AuditDeadLetterRecorded        AuditType = "DeadLetterRecorded"
	AuditCheckpointUpdated         AuditType = "CheckpointUpdated"
	AuditAgentCommandRouted        AuditType = "AgentCommandRouted"
	AuditAgentCommandRoutingFailed AuditType = "AgentCommandRoutingFailed"
	AuditAgentStarted              AuditType = "AgentStarted"
	AuditAgentPaused               AuditType = "AgentPaused"
	AuditAgentResumed              AuditType = "AgentResumed"
	AuditAgentStopped              AuditType = "AgentStopped"
	AuditAgentReconfigured         AuditType = "AgentReconfigured"
	AuditAgentErrorRecoveryStarted AuditType = "AgentErrorRecoveryStarted"
)

// NewDecisionID mints a decision identifier of the form dec_{epochMs}_{8hex}.
func NewDecisionID(now time.Time) string {
	return fmt.Sprintf("dec_%d_%08x", now.UnixMilli(), rand.Uint32())
}
