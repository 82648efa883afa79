package org

import (
	"context"
	"log/slog"
	"net/mail"
	"sort"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
	"github.com/Aegis-Labs/aegispay/pkg/tiers"
)

// Store persists organizations, teams, members and per-team spend
// counters. Implementations enforce slug uniqueness on organizations and
// (org, user) uniqueness on members; AddSpend must be an atomic
// increment.
type Store interface {
	CreateOrg(ctx context.Context, o *Organization) error
	GetOrg(ctx context.Context, id string) (*Organization, error)
	GetOrgBySlug(ctx context.Context, slug string) (*Organization, error)
	UpdateOrg(ctx context.Context, o *Organization) error

	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	UpdateTeam(ctx context.Context, t *Team) error
	ListTeams(ctx context.Context, orgID string) ([]*Team, error)

	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id string) (*Member, error)
	UpdateMember(ctx context.Context, m *Member) error
	DeleteMember(ctx context.Context, id string) error
	ListMembers(ctx context.Context, orgID string) ([]*Member, error)

	AddSpend(ctx context.Context, orgID, teamID string, amountMinor int64) error
	SpendByTeam(ctx context.Context, orgID string) (map[string]int64, error)
}

// Directory is the organization service. Check-then-act mutations inside
// one organization (team creation against plan limits, tree moves,
// member adds) serialize on a per-org lock; the store's uniqueness
// constraints back the invariants across instances.
type Directory struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDirectory wires a directory over the given store.
func NewDirectory(store Store, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		store: store,
		log:   log,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the directory's time source.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

func (d *Directory) orgLock(orgID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[orgID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[orgID] = l
	}
	return l
}

// CreateOrgParams describes a new organization. Slug is derived from
// Name when empty.
type CreateOrgParams struct {
	Name         string
	Slug         string
	Plan         tiers.PlanID
	BillingEmail string
	Settings     map[string]string
}

// CreateOrg registers a new organization on the given plan.
func (d *Directory) CreateOrg(ctx context.Context, p CreateOrgParams) (*Organization, error) {
	if p.Name == "" && p.Slug == "" {
		return nil, errs.Validation("missing_org_name_required", "organization name or slug is required")
	}
	if !tiers.Valid(p.Plan) {
		return nil, errs.Validation(CodeInvalidPlan, "plan must be free, pro or enterprise")
	}
	if p.BillingEmail != "" {
		if _, err := mail.ParseAddress(p.BillingEmail); err != nil {
			return nil, errs.Validation(CodeInvalidEmail, "billing email is not a valid address")
		}
	}
	slug := p.Slug
	if slug == "" {
		slug = Slugify(p.Name)
	} else if !ValidSlug(slug) {
		return nil, errs.Newf(errs.KindValidation, CodeInvalidSlug,
			"slug %q is not in canonical form (want %q)", slug, Slugify(slug))
	}
	if slug == "" {
		return nil, errs.Validation(CodeInvalidSlug, "name normalizes to an empty slug")
	}

	now := d.now().UTC()
	o := &Organization{
		ID:           ids.NewOrg(),
		Slug:         slug,
		Name:         p.Name,
		Plan:         p.Plan,
		BillingEmail: p.BillingEmail,
		Settings:     p.Settings,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.CreateOrg(ctx, o); err != nil {
		return nil, err
	}
	d.log.InfoContext(ctx, "organization created",
		"org_id", o.ID, "slug", o.Slug, "plan", string(o.Plan))
	return o.clone(), nil
}

// GetOrg returns an organization by id.
func (d *Directory) GetOrg(ctx context.Context, id string) (*Organization, error) {
	return d.store.GetOrg(ctx, id)
}

// GetOrgBySlug returns an organization by its unique slug.
func (d *Directory) GetOrgBySlug(ctx context.Context, slug string) (*Organization, error) {
	return d.store.GetOrgBySlug(ctx, slug)
}

// UpdateOrgParams carries organization updates. Zero values keep the
// current setting.
type UpdateOrgParams struct {
	Plan         tiers.PlanID
	BillingEmail string
	Settings     map[string]string
}

// UpdateOrg applies the non-zero fields of p to the organization.
func (d *Directory) UpdateOrg(ctx context.Context, orgID string, p UpdateOrgParams) (*Organization, error) {
	if p.Plan != "" && !tiers.Valid(p.Plan) {
		return nil, errs.Validation(CodeInvalidPlan, "plan must be free, pro or enterprise")
	}
	if p.BillingEmail != "" {
		if _, err := mail.ParseAddress(p.BillingEmail); err != nil {
			return nil, errs.Validation(CodeInvalidEmail, "billing email is not a valid address")
		}
	}
	lock := d.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	o, err := d.store.GetOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if p.Plan != "" {
		o.Plan = p.Plan
	}
	if p.BillingEmail != "" {
		o.BillingEmail = p.BillingEmail
	}
	if p.Settings != nil {
		o.Settings = p.Settings
	}
	o.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateOrg(ctx, o); err != nil {
		return nil, err
	}
	return o.clone(), nil
}

// CreateTeamParams describes a new team.
type CreateTeamParams struct {
	OrgID            string
	Name             string
	ParentTeamID     string
	BudgetLimitMinor int64
}

// CreateTeam adds a team to the organization's tree, under the parent
// when one is given. The plan's team limit applies.
func (d *Directory) CreateTeam(ctx context.Context, p CreateTeamParams) (*Team, error) {
	if p.OrgID == "" || p.Name == "" {
		return nil, errs.Validation("missing_team_fields", "org_id and name are required")
	}
	if p.BudgetLimitMinor < 0 {
		return nil, errs.Validation("invalid_budget_limit_format", "budget limit must be non-negative")
	}
	lock := d.orgLock(p.OrgID)
	lock.Lock()
	defer lock.Unlock()

	o, err := d.store.GetOrg(ctx, p.OrgID)
	if err != nil {
		return nil, err
	}
	teams, err := d.store.ListTeams(ctx, p.OrgID)
	if err != nil {
		return nil, err
	}
	if plan := tiers.Get(o.Plan); plan != nil && !tiers.AllowsCount(plan.Limits.MaxTeams, len(teams)) {
		return nil, errs.Newf(errs.KindPolicy, CodeTeamLimit,
			"plan %s allows at most %d teams", o.Plan, plan.Limits.MaxTeams)
	}
	if p.ParentTeamID != "" {
		parent := teamByID(teams, p.ParentTeamID)
		if parent == nil {
			return nil, errs.New(errs.KindValidation, CodeParentNotFound, "parent team does not exist in this organization")
		}
	}

	now := d.now().UTC()
	t := &Team{
		ID:               ids.NewTeam(),
		OrgID:            p.OrgID,
		Name:             p.Name,
		ParentTeamID:     p.ParentTeamID,
		BudgetLimitMinor: p.BudgetLimitMinor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := d.store.CreateTeam(ctx, t); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// GetTeam returns a team by id.
func (d *Directory) GetTeam(ctx context.Context, id string) (*Team, error) {
	return d.store.GetTeam(ctx, id)
}

// ListTeams returns the organization's teams ordered by name.
func (d *Directory) ListTeams(ctx context.Context, orgID string) ([]*Team, error) {
	return d.store.ListTeams(ctx, orgID)
}

// MoveTeam reparents a team. An empty newParentID makes it a root. The
// move is rejected when it would introduce a cycle: a team may not end
// up underneath one of its own descendants, or itself.
func (d *Directory) MoveTeam(ctx context.Context, teamID, newParentID string) (*Team, error) {
	t, err := d.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	lock := d.orgLock(t.OrgID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so concurrent moves serialize.
	t, err = d.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if newParentID == t.ParentTeamID {
		return t.clone(), nil
	}
	if newParentID != "" {
		if newParentID == teamID {
			return nil, errs.New(errs.KindState, CodeTeamCycle, "a team cannot be its own parent")
		}
		teams, err := d.store.ListTeams(ctx, t.OrgID)
		if err != nil {
			return nil, err
		}
		parent := teamByID(teams, newParentID)
		if parent == nil {
			return nil, errs.New(errs.KindValidation, CodeParentNotFound, "parent team does not exist in this organization")
		}
		// Walk from the proposed parent to the root; meeting the moved
		// team means the parent lives in its subtree.
		byID := make(map[string]*Team, len(teams))
		for _, tt := range teams {
			byID[tt.ID] = tt
		}
		for cur := parent; cur != nil; cur = byID[cur.ParentTeamID] {
			if cur.ID == teamID {
				return nil, errs.Newf(errs.KindState, CodeTeamCycle,
					"moving %s under %s would create a cycle", teamID, newParentID)
			}
			if cur.ParentTeamID == "" {
				break
			}
		}
	}

	t.ParentTeamID = newParentID
	t.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTeam(ctx, t); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// SetTeamBudget changes a team's own budget cap. Zero removes it.
func (d *Directory) SetTeamBudget(ctx context.Context, teamID string, limitMinor int64) (*Team, error) {
	if limitMinor < 0 {
		return nil, errs.Validation("invalid_budget_limit_format", "budget limit must be non-negative")
	}
	t, err := d.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	lock := d.orgLock(t.OrgID)
	lock.Lock()
	defer lock.Unlock()

	t, err = d.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	t.BudgetLimitMinor = limitMinor
	t.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateTeam(ctx, t); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// AddMemberParams links a user into an organization.
type AddMemberParams struct {
	OrgID   string
	UserID  string
	Role    Role
	TeamIDs []string
}

// AddMember creates the user's membership. A user holds one membership
// per organization; team assignments must name teams of that
// organization. The plan's member limit applies.
func (d *Directory) AddMember(ctx context.Context, p AddMemberParams) (*Member, error) {
	if p.OrgID == "" || p.UserID == "" {
		return nil, errs.Validation("missing_member_fields", "org_id and user_id are required")
	}
	if !p.Role.Valid() {
		return nil, errs.Validation(CodeInvalidRole, "unknown member role")
	}
	lock := d.orgLock(p.OrgID)
	lock.Lock()
	defer lock.Unlock()

	o, err := d.store.GetOrg(ctx, p.OrgID)
	if err != nil {
		return nil, err
	}
	members, err := d.store.ListMembers(ctx, p.OrgID)
	if err != nil {
		return nil, err
	}
	if plan := tiers.Get(o.Plan); plan != nil && !tiers.AllowsCount(plan.Limits.MaxMembers, len(members)) {
		return nil, errs.Newf(errs.KindPolicy, CodeMemberLimit,
			"plan %s allows at most %d members", o.Plan, plan.Limits.MaxMembers)
	}
	if err := d.checkTeams(ctx, p.OrgID, p.TeamIDs); err != nil {
		return nil, err
	}

	now := d.now().UTC()
	m := &Member{
		ID:        ids.NewMember(),
		OrgID:     p.OrgID,
		UserID:    p.UserID,
		Role:      p.Role,
		TeamIDs:   append([]string(nil), p.TeamIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateMember(ctx, m); err != nil {
		return nil, err
	}
	return m.clone(), nil
}

// checkTeams verifies every id names a team of the organization.
func (d *Directory) checkTeams(ctx context.Context, orgID string, teamIDs []string) error {
	if len(teamIDs) == 0 {
		return nil
	}
	teams, err := d.store.ListTeams(ctx, orgID)
	if err != nil {
		return err
	}
	for _, id := range teamIDs {
		if teamByID(teams, id) == nil {
			return errs.Newf(errs.KindValidation, CodeForeignTeam,
				"team %s does not exist in organization %s", id, orgID)
		}
	}
	return nil
}

// UpdateMemberRole changes a member's role.
func (d *Directory) UpdateMemberRole(ctx context.Context, memberID string, role Role) (*Member, error) {
	if !role.Valid() {
		return nil, errs.Validation(CodeInvalidRole, "unknown member role")
	}
	m, err := d.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	lock := d.orgLock(m.OrgID)
	lock.Lock()
	defer lock.Unlock()

	m, err = d.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	m.Role = role
	m.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateMember(ctx, m); err != nil {
		return nil, err
	}
	return m.clone(), nil
}

// AssignTeams replaces a member's team assignments.
func (d *Directory) AssignTeams(ctx context.Context, memberID string, teamIDs []string) (*Member, error) {
	m, err := d.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	lock := d.orgLock(m.OrgID)
	lock.Lock()
	defer lock.Unlock()

	m, err = d.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if err := d.checkTeams(ctx, m.OrgID, teamIDs); err != nil {
		return nil, err
	}
	m.TeamIDs = append([]string(nil), teamIDs...)
	m.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateMember(ctx, m); err != nil {
		return nil, err
	}
	return m.clone(), nil
}

// GetMember returns a membership by id.
func (d *Directory) GetMember(ctx context.Context, memberID string) (*Member, error) {
	return d.store.GetMember(ctx, memberID)
}

// RemoveMember deletes the membership.
func (d *Directory) RemoveMember(ctx context.Context, memberID string) error {
	return d.store.DeleteMember(ctx, memberID)
}

// ListMembers returns the organization's members.
func (d *Directory) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	return d.store.ListMembers(ctx, orgID)
}

// RecordTeamSpend books settled spend against a team. The amount shows
// up in the team's own rollup and in every ancestor's subtree total.
func (d *Directory) RecordTeamSpend(ctx context.Context, orgID, teamID string, amountMinor int64) error {
	if amountMinor <= 0 {
		return errs.Validation("invalid_amount_format", "spend must be positive")
	}
	t, err := d.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if t.OrgID != orgID {
		return errs.Newf(errs.KindValidation, CodeForeignTeam,
			"team %s does not exist in organization %s", teamID, orgID)
	}
	return d.store.AddSpend(ctx, orgID, teamID, amountMinor)
}

// SpendReport computes every team's rollup: direct spend plus the spend
// of all descendants, compared against the team's own budget cap.
// Results are ordered by team name, then id.
func (d *Directory) SpendReport(ctx context.Context, orgID string) ([]Rollup, error) {
	teams, err := d.store.ListTeams(ctx, orgID)
	if err != nil {
		return nil, err
	}
	direct, err := d.store.SpendByTeam(ctx, orgID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]string, len(teams))
	for _, t := range teams {
		if t.ParentTeamID != "" {
			children[t.ParentTeamID] = append(children[t.ParentTeamID], t.ID)
		}
	}
	memo := make(map[string]int64, len(teams))
	var subtree func(id string) int64
	subtree = func(id string) int64 {
		if v, ok := memo[id]; ok {
			return v
		}
		sum := direct[id]
		for _, child := range children[id] {
			sum += subtree(child)
		}
		memo[id] = sum
		return sum
	}

	out := make([]Rollup, 0, len(teams))
	for _, t := range teams {
		r := Rollup{
			TeamID:           t.ID,
			TeamName:         t.Name,
			DirectMinor:      direct[t.ID],
			SubtreeMinor:     subtree(t.ID),
			BudgetLimitMinor: t.BudgetLimitMinor,
		}
		r.OverBudget = t.BudgetLimitMinor > 0 && r.SubtreeMinor > t.BudgetLimitMinor
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamName != out[j].TeamName {
			return out[i].TeamName < out[j].TeamName
		}
		return out[i].TeamID < out[j].TeamID
	})
	return out, nil
}

// TeamRollup computes one team's rollup.
func (d *Directory) TeamRollup(ctx context.Context, orgID, teamID string) (*Rollup, error) {
	report, err := d.SpendReport(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range report {
		if report[i].TeamID == teamID {
			return &report[i], nil
		}
	}
	return nil, errs.NotFound("team", teamID)
}

func teamByID(teams []*Team, id string) *Team {
	for _, t := range teams {
		if t.ID == id {
			return t
		}
	}
	return nil
}
