package billing

import (
	"greenops/internal/gcp"
)

// Resource identifies one independently fetched resource type.
type Resource string

const (
	ResourceBillingAccounts Resource = "billing_accounts"
	ResourceProjects        Resource = "projects"
	ResourceIdentity        Resource = "identity"
)

// Snapshot is the normalized point-in-time result of synchronizing resource
// lists from Google. List ordering follows Google's response order.
type Snapshot struct {
	AccountEmail    string               `json:"accountEmail,omitempty"`
	BillingAccounts []gcp.BillingAccount `json:"billingAccounts"`
	Projects        []gcp.Project        `json:"projects"`
}

// Issue records a sub-fetch failure that degraded the snapshot instead of
// aborting it.
type Issue struct {
	Resource Resource
	Err      error
}

// Result is a snapshot together with per-resource failure annotations. A
// result with a non-empty Issues slice is a partial success: the resources
// that failed are present as empty lists.
type Result struct {
	Snapshot Snapshot
	Issues   []Issue
}

// Partial reports whether any sub-fetch failed.
func (r Result) Partial() bool {
	return len(r.Issues) > 0
}

// IssueFor returns the recorded failure for a resource, or nil.
func (r Result) IssueFor(res Resource) *Issue {
	for i := range r.Issues {
		if r.Issues[i].Resource == res {
			return &r.Issues[i]
		}
	}
	return nil
}
