package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/sourced/runtime/command"
)

// Approve grants a pending approval and routes its command through the bus.
// Expiry is checked lazily: an approval past its deadline is transitioned to
// expired and the review fails with ErrApprovalExpired.
func (r *Runtime) Approve(ctx context.Context, approvalID, reviewerID, note string) error {
	pa, err := r.reviewable(ctx, approvalID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	pa.Status = ApprovalApproved
	pa.ReviewerID = reviewerID
	pa.ReviewedAt = &now
	pa.ReviewNote = note
	if err := r.approvals.Update(ctx, pa); err != nil {
		return err
	}
	r.auditRecord(ctx, pa.AgentID, pa.DecisionID, AuditApprovalGranted, map[string]any{
		"approval_id": pa.ApprovalID,
		"reviewer_id": reviewerID,
	})

	var env command.Envelope
	if err := json.Unmarshal(pa.Action.Payload, &env); err != nil {
		return fmt.Errorf("decode approved action: %w", err)
	}
	return r.route(ctx, pa.AgentID, pa.DecisionID, &env)
}

// Reject declines a pending approval. The command is never routed.
func (r *Runtime) Reject(ctx context.Context, approvalID, reviewerID, reason string) error {
	pa, err := r.reviewable(ctx, approvalID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	pa.Status = ApprovalRejected
	pa.ReviewerID = reviewerID
	pa.ReviewedAt = &now
	pa.RejectionReason = reason
	if err := r.approvals.Update(ctx, pa); err != nil {
		return err
	}
	r.auditRecord(ctx, pa.AgentID, pa.DecisionID, AuditApprovalRejected, map[string]any{
		"approval_id": pa.ApprovalID,
		"reviewer_id": reviewerID,
		"reason":      reason,
	})
	return nil
}

// Approval returns one approval record.
func (r *Runtime) Approval(ctx context.Context, approvalID string) (*PendingApproval, error) {
	return r.approvals.Get(ctx, approvalID)
}

// Approvals lists approvals filtered by agent and status. Empty arguments
// match everything.
func (r *Runtime) Approvals(ctx context.Context, agentID string, status ApprovalStatus) ([]*PendingApproval, error) {
	return r.approvals.List(ctx, agentID, status)
}

// SweepExpiredApprovals force-expires every pending approval whose deadline
// has passed and returns how many were expired.
func (r *Runtime) SweepExpiredApprovals(ctx context.Context) (int, error) {
	now := r.now().UTC()
	expirable, err := r.approvals.ListExpirable(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, pa := range expirable {
		if pa.Status != ApprovalPending {
			continue
		}
		if err := r.expire(ctx, pa); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ExpireApproval expires a pending approval regardless of its deadline.
func (r *Runtime) ExpireApproval(ctx context.Context, approvalID string) error {
	pa, err := r.approvals.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	if pa.Status != ApprovalPending {
		return fmt.Errorf("%w: %s is %s", ErrApprovalNotPending, approvalID, pa.Status)
	}
	return r.expire(ctx, pa)
}

// reviewable loads an approval and verifies it can still be reviewed.
func (r *Runtime) reviewable(ctx context.Context, approvalID string) (*PendingApproval, error) {
	pa, err := r.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if pa.Status != ApprovalPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrApprovalNotPending, approvalID, pa.Status)
	}
	if pa.IsExpired(r.now().UTC()) {
		if err := r.expire(ctx, pa); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrApprovalExpired, approvalID)
	}
	return pa, nil
}

func (r *Runtime) expire(ctx context.Context, pa *PendingApproval) error {
	pa.Status = ApprovalExpired
	if err := r.approvals.Update(ctx, pa); err != nil {
		return err
	}
	r.auditRecord(ctx, pa.AgentID, pa.DecisionID, AuditApprovalExpired, map[string]any{
		"approval_id": pa.ApprovalID,
		"expires_at":  pa.ExpiresAt,
	})
	r.metrics.IncCounter("agent.approval_expired", 1, "agent_id", pa.AgentID)
	return nil
}
