// Package pattern stores clinical reasoning templates and ranks them
// against the current case.
package pattern

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SharedOwner is the owner id of the shared pattern pool. Patterns with no
// owner belong to the global pool only.
const SharedOwner = "__shared__"

// Role tags a structured node of a pattern.
type Role string

const (
	RoleSymptom   Role = "symptom"
	RoleDiagnosis Role = "diagnosis"
	RoleFormula   Role = "formula"
	RoleBranch    Role = "branch"
)

// ParseRole validates a node role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleSymptom, RoleDiagnosis, RoleFormula, RoleBranch:
		return r, nil
	}
	return "", fmt.Errorf("unknown node role %q", s)
}

// Node is one ordered step of a pattern's reasoning.
type Node struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Pattern is a stored reasoning template.
type Pattern struct {
	ID           string     `json:"id"`
	OwnerID      *string    `json:"owner_id,omitempty"`
	DiseaseLabel string     `json:"disease_label"`
	Narrative    string     `json:"narrative"`
	Nodes        []Node     `json:"nodes"`
	UsageCount   int        `json:"usage_count"`
	SuccessCount int        `json:"success_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SyndromeDescription joins the symptom node contents. It falls back to the
// narrative for patterns authored without symptom nodes.
func (p *Pattern) SyndromeDescription() string {
	var parts []string
	for _, n := range p.Nodes {
		if n.Role == RoleSymptom && strings.TrimSpace(n.Content) != "" {
			parts = append(parts, strings.TrimSpace(n.Content))
		}
	}
	if len(parts) == 0 {
		return p.Narrative
	}
	return strings.Join(parts, "; ")
}

// Content is every node plus the narrative, used for term overlap.
func (p *Pattern) Content() string {
	var b strings.Builder
	for _, n := range p.Nodes {
		b.WriteString(n.Content)
		b.WriteByte('\n')
	}
	b.WriteString(p.Narrative)
	return b.String()
}

// SuccessRatio is successCount/usageCount, 0 when unused.
func (p *Pattern) SuccessRatio() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

// Validate checks the fields an importer must supply.
func (p *Pattern) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("pattern id is required")
	}
	if strings.TrimSpace(p.DiseaseLabel) == "" {
		return fmt.Errorf("pattern %s: disease label is required", p.ID)
	}
	for i, n := range p.Nodes {
		role, err := ParseRole(string(n.Role))
		if err != nil {
			return fmt.Errorf("pattern %s node %d: %w", p.ID, i, err)
		}
		p.Nodes[i].Role = role
	}
	return nil
}

// Feedback is one recorded use of a pattern.
type Feedback struct {
	PatternID string    `json:"pattern_id"`
	Success   bool      `json:"success"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable home of patterns.
type Store interface {
	// ListPatterns returns the patterns owned by *owner, or every pattern
	// when owner is nil.
	ListPatterns(ctx context.Context, owner *string) ([]Pattern, error)
	GetPattern(ctx context.Context, id string) (*Pattern, error)
	// RecordPatternUsage increments the counters in place and records the
	// feedback row in one transaction.
	RecordPatternUsage(ctx context.Context, fb Feedback) error
	// UpsertPattern inserts p or replaces its authored fields, keeping the
	// usage counters of an existing pattern.
	UpsertPattern(ctx context.Context, p *Pattern) error
}
