package entitlement

import "time"

// RequestStatus is the lifecycle state of a subscription change request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// SubscriptionRequest is a user's petition for an admin-gated tier. Created
// by the client, mutated only by the backend's admin action, and it
// terminates in approved or rejected. At most one pending request may exist
// per user at a time.
type SubscriptionRequest struct {
	RequestID     string        `json:"requestId"`
	UserID        string        `json:"userId"`
	RequestedRole Role          `json:"requestedRole"`
	RequestedTier Tier          `json:"requestedTier"`
	CurrentTier   Tier          `json:"currentTier,omitempty"`
	Status        RequestStatus `json:"status"`
	Note          string        `json:"note,omitempty"`
	RequestDate   time.Time     `json:"requestDate"`
}

// Terminal reports whether the request has left the pending state.
func (r *SubscriptionRequest) Terminal() bool {
	return r.Status == RequestApproved || r.Status == RequestRejected
}
