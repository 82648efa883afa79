package org_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/org"
	"github.com/Aegis-Labs/aegispay/pkg/tiers"
)

func newDirectory(t *testing.T) *org.Directory {
	t.Helper()
	current := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	return org.NewDirectory(org.NewMemoryStore(), nil).
		WithClock(func() time.Time { return current })
}

func mustOrg(t *testing.T, d *org.Directory, name string, plan tiers.PlanID) *org.Organization {
	t.Helper()
	o, err := d.CreateOrg(context.Background(), org.CreateOrgParams{
		Name:         name,
		Plan:         plan,
		BillingEmail: "billing@example.com",
	})
	require.NoError(t, err)
	return o
}

func mustTeam(t *testing.T, d *org.Directory, orgID, name, parent string) *org.Team {
	t.Helper()
	team, err := d.CreateTeam(context.Background(), org.CreateTeamParams{
		OrgID:        orgID,
		Name:         name,
		ParentTeamID: parent,
	})
	require.NoError(t, err)
	return team
}

func TestCreateOrgDerivesSlug(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	o, err := d.CreateOrg(ctx, org.CreateOrgParams{
		Name:         "Café Crème GmbH",
		Plan:         tiers.PlanPro,
		BillingEmail: "ap@cafe-creme.example",
		Settings:     map[string]string{"default_chain": "base"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cafe-creme-gmbh", o.Slug)
	assert.Equal(t, tiers.PlanPro, o.Plan)

	got, err := d.GetOrgBySlug(ctx, "cafe-creme-gmbh")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, "base", got.Settings["default_chain"])

	// The slug is platform-unique.
	_, err = d.CreateOrg(ctx, org.CreateOrgParams{
		Name: "Cafe Creme GMBH",
		Plan: tiers.PlanFree,
	})
	require.Equal(t, org.CodeSlugTaken, errs.CodeOf(err))
	require.Equal(t, errs.KindState, errs.KindOf(err))
}

func TestCreateOrgValidation(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	_, err := d.CreateOrg(ctx, org.CreateOrgParams{Name: "x", Plan: "platinum"})
	require.Equal(t, org.CodeInvalidPlan, errs.CodeOf(err))

	_, err = d.CreateOrg(ctx, org.CreateOrgParams{Name: "x", Plan: tiers.PlanFree, BillingEmail: "not an address"})
	require.Equal(t, org.CodeInvalidEmail, errs.CodeOf(err))

	_, err = d.CreateOrg(ctx, org.CreateOrgParams{Name: "日本語", Plan: tiers.PlanFree})
	require.Equal(t, org.CodeInvalidSlug, errs.CodeOf(err))

	// An explicit slug must already be canonical.
	_, err = d.CreateOrg(ctx, org.CreateOrgParams{Name: "x", Slug: "Not Canonical", Plan: tiers.PlanFree})
	require.Equal(t, org.CodeInvalidSlug, errs.CodeOf(err))
}

func TestUpdateOrgKeepsZeroFields(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Acme", tiers.PlanFree)

	got, err := d.UpdateOrg(ctx, o.ID, org.UpdateOrgParams{Plan: tiers.PlanEnterprise})
	require.NoError(t, err)
	assert.Equal(t, tiers.PlanEnterprise, got.Plan)
	assert.Equal(t, "billing@example.com", got.BillingEmail)
	assert.Equal(t, "acme", got.Slug)

	_, err = d.UpdateOrg(ctx, o.ID, org.UpdateOrgParams{Plan: "platinum"})
	require.Equal(t, org.CodeInvalidPlan, errs.CodeOf(err))
}

func TestCreateTeamEnforcesPlanLimit(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Acme", tiers.PlanFree) // free allows 3 teams

	for i := 0; i < 3; i++ {
		mustTeam(t, d, o.ID, fmt.Sprintf("team-%d", i), "")
	}
	_, err := d.CreateTeam(ctx, org.CreateTeamParams{OrgID: o.ID, Name: "one-too-many"})
	require.Equal(t, org.CodeTeamLimit, errs.CodeOf(err))
	require.Equal(t, errs.KindPolicy, errs.KindOf(err))

	// Upgrading the plan lifts the cap.
	_, err = d.UpdateOrg(ctx, o.ID, org.UpdateOrgParams{Plan: tiers.PlanEnterprise})
	require.NoError(t, err)
	_, err = d.CreateTeam(ctx, org.CreateTeamParams{OrgID: o.ID, Name: "one-more"})
	require.NoError(t, err)
}

func TestCreateTeamRejectsForeignParent(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	a := mustOrg(t, d, "Org A", tiers.PlanPro)
	b := mustOrg(t, d, "Org B", tiers.PlanPro)
	foreign := mustTeam(t, d, b.ID, "platform", "")

	_, err := d.CreateTeam(ctx, org.CreateTeamParams{
		OrgID:        a.ID,
		Name:         "child",
		ParentTeamID: foreign.ID,
	})
	require.Equal(t, org.CodeParentNotFound, errs.CodeOf(err))
}

func TestMoveTeamRejectsCycles(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Acme", tiers.PlanPro)

	root := mustTeam(t, d, o.ID, "engineering", "")
	mid := mustTeam(t, d, o.ID, "payments", root.ID)
	leaf := mustTeam(t, d, o.ID, "settlement", mid.ID)

	_, err := d.MoveTeam(ctx, root.ID, leaf.ID)
	require.Equal(t, org.CodeTeamCycle, errs.CodeOf(err))

	_, err = d.MoveTeam(ctx, root.ID, root.ID)
	require.Equal(t, org.CodeTeamCycle, errs.CodeOf(err))

	// A legal reparent: leaf moves directly under root.
	moved, err := d.MoveTeam(ctx, leaf.ID, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, moved.ParentTeamID)

	// Detaching to a root is always legal.
	moved, err = d.MoveTeam(ctx, mid.ID, "")
	require.NoError(t, err)
	assert.Empty(t, moved.ParentTeamID)
}

func TestAddMemberUniquePerOrg(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Acme", tiers.PlanPro)
	team := mustTeam(t, d, o.ID, "payments", "")

	m, err := d.AddMember(ctx, org.AddMemberParams{
		OrgID:   o.ID,
		UserID:  "user_1",
		Role:    org.RoleOrgAdmin,
		TeamIDs: []string{team.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, org.RoleOrgAdmin, m.Role)

	_, err = d.AddMember(ctx, org.AddMemberParams{OrgID: o.ID, UserID: "user_1", Role: org.RoleViewer})
	require.Equal(t, org.CodeMemberExists, errs.CodeOf(err))

	_, err = d.AddMember(ctx, org.AddMemberParams{OrgID: o.ID, UserID: "user_2", Role: "superuser"})
	require.Equal(t, org.CodeInvalidRole, errs.CodeOf(err))

	_, err = d.AddMember(ctx, org.AddMemberParams{
		OrgID:   o.ID,
		UserID:  "user_3",
		Role:    org.RoleViewer,
		TeamIDs: []string{"team_unknown"},
	})
	require.Equal(t, org.CodeForeignTeam, errs.CodeOf(err))

	// Same user may join a different organization.
	other := mustOrg(t, d, "Other", tiers.PlanFree)
	_, err = d.AddMember(ctx, org.AddMemberParams{OrgID: other.ID, UserID: "user_1", Role: org.RoleViewer})
	require.NoError(t, err)
}

func TestAddMemberEnforcesPlanLimit(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Tiny", tiers.PlanFree) // free allows 5 members

	for i := 0; i < 5; i++ {
		_, err := d.AddMember(ctx, org.AddMemberParams{
			OrgID:  o.ID,
			UserID: fmt.Sprintf("user_%d", i),
			Role:   org.RoleViewer,
		})
		require.NoError(t, err)
	}
	_, err := d.AddMember(ctx, org.AddMemberParams{OrgID: o.ID, UserID: "user_over", Role: org.RoleViewer})
	require.Equal(t, org.CodeMemberLimit, errs.CodeOf(err))
}

func TestMemberRoleAndTeamUpdates(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Acme", tiers.PlanPro)
	team := mustTeam(t, d, o.ID, "payments", "")

	m, err := d.AddMember(ctx, org.AddMemberParams{OrgID: o.ID, UserID: "user_1", Role: org.RoleViewer})
	require.NoError(t, err)

	m, err = d.UpdateMemberRole(ctx, m.ID, org.RoleTeamAdmin)
	require.NoError(t, err)
	assert.Equal(t, org.RoleTeamAdmin, m.Role)

	m, err = d.AssignTeams(ctx, m.ID, []string{team.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{team.ID}, m.TeamIDs)

	require.NoError(t, d.RemoveMember(ctx, m.ID))
	_, err = d.GetMember(ctx, m.ID)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))

	members, err := d.ListMembers(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSpendRollsUpTheTree(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	o := mustOrg(t, d, "Acme", tiers.PlanPro)

	root, err := d.CreateTeam(ctx, org.CreateTeamParams{
		OrgID: o.ID, Name: "engineering", BudgetLimitMinor: 10_000,
	})
	require.NoError(t, err)
	mid := mustTeam(t, d, o.ID, "payments", root.ID)
	leafA := mustTeam(t, d, o.ID, "settlement", mid.ID)
	leafB := mustTeam(t, d, o.ID, "risk", root.ID)

	require.NoError(t, d.RecordTeamSpend(ctx, o.ID, leafA.ID, 4_000))
	require.NoError(t, d.RecordTeamSpend(ctx, o.ID, mid.ID, 2_000))
	require.NoError(t, d.RecordTeamSpend(ctx, o.ID, leafB.ID, 1_500))
	require.NoError(t, d.RecordTeamSpend(ctx, o.ID, leafA.ID, 1_000))

	rt, err := d.TeamRollup(ctx, o.ID, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rt.DirectMinor)
	assert.Equal(t, int64(8_500), rt.SubtreeMinor)
	assert.False(t, rt.OverBudget)

	rm, err := d.TeamRollup(ctx, o.ID, mid.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), rm.DirectMinor)
	assert.Equal(t, int64(7_000), rm.SubtreeMinor)

	// Another booking pushes the root subtree over its cap.
	require.NoError(t, d.RecordTeamSpend(ctx, o.ID, leafB.ID, 2_000))
	rt, err = d.TeamRollup(ctx, o.ID, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_500), rt.SubtreeMinor)
	assert.True(t, rt.OverBudget)

	report, err := d.SpendReport(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, report, 4)
	// Ordered by team name.
	assert.Equal(t, "engineering", report[0].TeamName)
	assert.Equal(t, "payments", report[1].TeamName)
	assert.Equal(t, "risk", report[2].TeamName)
	assert.Equal(t, "settlement", report[3].TeamName)
}

func TestRecordTeamSpendScopesByOrg(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	a := mustOrg(t, d, "Org A", tiers.PlanPro)
	b := mustOrg(t, d, "Org B", tiers.PlanPro)
	team := mustTeam(t, d, b.ID, "platform", "")

	err := d.RecordTeamSpend(ctx, a.ID, team.ID, 1_000)
	require.Equal(t, org.CodeForeignTeam, errs.CodeOf(err))

	err = d.RecordTeamSpend(ctx, b.ID, team.ID, 0)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
}
