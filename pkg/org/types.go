// Package org implements the tenancy model: organizations on a
// subscription plan, their team tree, and memberships. Teams form a
// forest inside one organization with no cycles, and settled spend rolls
// up from a team through its ancestors so a parent's budget covers its
// whole subtree.
package org

import (
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/tiers"
)

// Failure codes.
const (
	CodeSlugTaken      = "org_slug_taken"
	CodeMemberExists   = "org_member_exists"
	CodeTeamCycle      = "team_cycle_detected"
	CodeTeamLimit      = "plan_team_limit_reached"
	CodeMemberLimit    = "plan_member_limit_reached"
	CodeInvalidSlug    = "invalid_slug_format"
	CodeInvalidPlan    = "invalid_plan_format"
	CodeInvalidRole    = "invalid_role_format"
	CodeInvalidEmail   = "invalid_billing_email_format"
	CodeForeignParent  = "team_parent_not_in_org"
	CodeForeignTeam    = "team_not_in_org"
	CodeParentNotFound = "parent_team_not_found"
)

// Organization is the root tenant. Slugs are unique platform-wide.
type Organization struct {
	ID           string            `json:"id"`
	Slug         string            `json:"slug"`
	Name         string            `json:"name"`
	Plan         tiers.PlanID      `json:"plan"`
	BillingEmail string            `json:"billing_email"`
	Settings     map[string]string `json:"settings,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (o *Organization) clone() *Organization {
	cp := *o
	if o.Settings != nil {
		cp.Settings = make(map[string]string, len(o.Settings))
		for k, v := range o.Settings {
			cp.Settings[k] = v
		}
	}
	return &cp
}

// Team is a node in an organization's team tree. A zero BudgetLimitMinor
// means the team has no budget cap of its own.
type Team struct {
	ID               string    `json:"id"`
	OrgID            string    `json:"org_id"`
	Name             string    `json:"name"`
	ParentTeamID     string    `json:"parent_team_id,omitempty"`
	BudgetLimitMinor int64     `json:"budget_limit_minor,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (t *Team) clone() *Team {
	cp := *t
	return &cp
}

// Role is what a member may do inside the organization.
type Role string

const (
	RoleOrgAdmin      Role = "org_admin"
	RoleTeamAdmin     Role = "team_admin"
	RolePolicyAdmin   Role = "policy_admin"
	RoleAgentOperator Role = "agent_operator"
	RoleViewer        Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOrgAdmin, RoleTeamAdmin, RolePolicyAdmin, RoleAgentOperator, RoleViewer:
		return true
	}
	return false
}

// Member links a user to an organization with a role and optional team
// assignments. A user holds at most one membership per organization.
type Member struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	TeamIDs   []string  `json:"team_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *Member) clone() *Member {
	cp := *m
	cp.TeamIDs = append([]string(nil), m.TeamIDs...)
	return &cp
}

// Rollup is a team's spend picture: its own bookings plus everything
// recorded under its descendants.
type Rollup struct {
	TeamID           string `json:"team_id"`
	TeamName         string `json:"team_name"`
	DirectMinor      int64  `json:"direct_minor"`
	SubtreeMinor     int64  `json:"subtree_minor"`
	BudgetLimitMinor int64  `json:"budget_limit_minor,omitempty"`
	OverBudget       bool   `json:"over_budget,omitempty"`
}
