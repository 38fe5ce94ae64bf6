// Package foreshadow tracks long-lived narrative obligations: threads planted
// in one chapter that must be advanced or resolved in a later one.
package foreshadow

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPlanted   Status = "planted"
	StatusAdvanced  Status = "advanced"
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
)

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "planted":
		return StatusPlanted, nil
	case "advanced":
		return StatusAdvanced, nil
	case "resolved":
		return StatusResolved, nil
	case "abandoned":
		return StatusAbandoned, nil
	default:
		return "", fmt.Errorf("invalid foreshadow status: %q", s)
	}
}

// Active reports whether the thread still demands narrative attention.
func (s Status) Active() bool {
	return s == StatusPlanted || s == StatusAdvanced
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// CanTransition validates the forward-only lifecycle. Advanced->Advanced is
// allowed because a thread may be touched in several chapters before it
// resolves; everything out of a terminal status is rejected.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPlanted:
		return to == StatusAdvanced || to == StatusResolved || to == StatusAbandoned
	case StatusAdvanced:
		return to == StatusAdvanced || to == StatusResolved || to == StatusAbandoned
	default:
		return false
	}
}

// Advancement is one append-only log entry recording where and how a thread
// was touched.
type Advancement struct {
	Unit        int       `json:"unit"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Record is a single tracked narrative obligation.
type Record struct {
	ID       string `json:"id"`
	NovelID  string `json:"novel_id"`
	BranchID string `json:"branch_id"`
	Content  string `json:"content"`
	Kind     string `json:"kind,omitempty"`

	// PlantedAt is the plot index of the chapter that introduced the thread.
	PlantedAt int `json:"planted_at"`
	// ExpectedResolveAt, when set, is the plot index by which the thread
	// should be resolved. Threads past this index are overdue.
	ExpectedResolveAt *int `json:"expected_resolve_at,omitempty"`

	Status     Status `json:"status"`
	Importance int    `json:"importance"`

	RelatedEntities []string      `json:"related_entities,omitempty"`
	Log             []Advancement `json:"log,omitempty"`

	ResolvedAt *int   `json:"resolved_at,omitempty"`
	Quality    *int   `json:"quality,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
	Reason     string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Overdue reports whether the thread's resolution deadline has passed as of
// currentUnit. Threads without a deadline are never overdue.
func (r *Record) Overdue(currentUnit int) bool {
	if !r.Status.Active() || r.ExpectedResolveAt == nil {
		return false
	}
	return *r.ExpectedResolveAt < currentUnit
}

// DueSoon reports whether the deadline falls inside [currentUnit, currentUnit+lookahead].
func (r *Record) DueSoon(currentUnit, lookahead int) bool {
	if !r.Status.Active() || r.ExpectedResolveAt == nil {
		return false
	}
	due := *r.ExpectedResolveAt
	return currentUnit <= due && due <= currentUnit+lookahead
}
