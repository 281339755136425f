package model

import "time"

// RootEntityID is the top of the entity hierarchy. It always exists.
const RootEntityID int64 = 0

// Content is one physical file in the repository.
// Hash is the SHA-512 of the bytes and doubles as the vault key.
type Content struct {
	Hash       string // SHA-512, lowercase hex
	Size       int64
	MimeType   string
	CreatedAt  time.Time
	References int // number of package files pointing at Hash; derived, not stored
}

// Package groups files that are deployed together.
type Package struct {
	ID        string // UUID
	Name      string
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PackageFile associates a logical filename inside a package with stored content.
type PackageFile struct {
	ID               string // UUID
	PackageID        string
	Filename         string
	Hash             string // Foreign key to Content
	P2P              bool
	P2PRetentionDays int
	Uncompress       bool
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Joined from Content on read.
	Size     int64
	MimeType string
}

// Task links packages to the agents that should receive them.
type Task struct {
	ID          string // UUID
	EntityID    int64
	IsRecursive bool
	Name        string
	IsActive    bool
	IsDeleted   bool
	Comment     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Offerable reports whether the task may be handed to agents.
func (t *Task) Offerable() bool {
	return t.IsActive && !t.IsDeleted
}

// TargetType discriminates what a task target points at.
type TargetType string

const (
	TargetAgent TargetType = "agent"
	TargetGroup TargetType = "group"
)

// Target is an agent or a group of agents attached to a task.
type Target struct {
	Type TargetType
	ID   string
}

// Agent is a managed machine that polls for jobs.
type Agent struct {
	ID        string // UUID
	MachineID string // reported by the agent itself
	Name      string
	EntityID  int64
	CreatedAt time.Time
}

// Group is a named set of agents.
type Group struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Entity is a node of the organizational hierarchy.
type Entity struct {
	ID       int64
	ParentID int64 // equal to ID for the root
	Name     string
}

// JobStatus is the latest state an agent reported for a task package.
type JobStatus struct {
	AgentID    string
	TaskID     string
	PackageID  string
	Status     string
	Message    string
	ReportedAt time.Time
}

// Operation is an administrative command recorded in the history.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // "pending", "success" or "error"
}
