package domain

import (
	"fmt"
	"time"
)

// TeamQuota is the GPU budget of a team.
type TeamQuota struct {
	Name        string    `json:"name"`
	QuotaAmount float64   `json:"quota_amount"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy of the quota.
func (t *TeamQuota) Clone() *TeamQuota {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// GPUNode is a host with a fixed amount of GPU capacity shared by all jobs scheduled on it.
// Capacity is expressed in device-equivalents and may be fractional.
type GPUNode struct {
	Name      string    `json:"name"`
	Capacity  float64   `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the node.
func (n *GPUNode) Clone() *GPUNode {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// Allocation records a job occupying GPU capacity on a node.
// Team and Node are references by name; the ledger enforces that both exist.
type Allocation struct {
	Job            string    `json:"job"`
	Team           string    `json:"team"`
	Node           string    `json:"node"`
	ConsumedAmount float64   `json:"consumed_amount"`
	LowPriority    bool      `json:"low_priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// Clone returns a copy of the allocation.
func (a *Allocation) Clone() *Allocation {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// NodeFree is the free capacity of a node at a point in time.
type NodeFree struct {
	Node     string  `json:"node"`
	Capacity float64 `json:"capacity"`
	Free     float64 `json:"free"`
}

// TeamExcess is how far a team's consumption is above its quota.
type TeamExcess struct {
	Team   string  `json:"team"`
	Excess float64 `json:"excess"`
}

// ActionType identifies the kind of a JobAction.
type ActionType string

const (
	ActionCreateJob ActionType = "CREATE_JOB"
	ActionDeleteJob ActionType = "DELETE_JOB"
)

// JobAction is a side effect the caller must apply against the real cluster.
// For ActionCreateJob, Node is the target node. For ActionDeleteJob, Node is the node the
// job is removed from.
type JobAction struct {
	Type       ActionType `json:"type"`
	Node       string     `json:"node"`
	Allocation Allocation `json:"allocation"`
}

// CreateJob returns the action placing alloc on its node.
func CreateJob(alloc *Allocation) JobAction {
	return JobAction{Type: ActionCreateJob, Node: alloc.Node, Allocation: *alloc}
}

// DeleteJob returns the action removing alloc from its node.
func DeleteJob(alloc *Allocation) JobAction {
	return JobAction{Type: ActionDeleteJob, Node: alloc.Node, Allocation: *alloc}
}

// Job returns the name of the job the action refers to.
func (a JobAction) Job() string {
	return a.Allocation.Job
}

func (a JobAction) String() string {
	switch a.Type {
	case ActionCreateJob:
		return fmt.Sprintf("CreateJob(%s, %s)", a.Node, a.Allocation.Job)
	case ActionDeleteJob:
		return fmt.Sprintf("DeleteJob(%s)", a.Allocation.Job)
	default:
		return fmt.Sprintf("%s(%s)", a.Type, a.Allocation.Job)
	}
}
