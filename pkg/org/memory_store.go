package org

import (
	"context"
	"sort"
	"sync"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// MemoryStore keeps the directory in process memory. Values are cloned
// on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	orgs    map[string]*Organization
	bySlug  map[string]string
	teams   map[string]*Team
	members map[string]*Member
	spend   map[string]int64 // team id -> settled minor units
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:    make(map[string]*Organization),
		bySlug:  make(map[string]string),
		teams:   make(map[string]*Team),
		members: make(map[string]*Member),
		spend:   make(map[string]int64),
	}
}

func (s *MemoryStore) CreateOrg(ctx context.Context, o *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.bySlug[o.Slug]; taken {
		return errs.Newf(errs.KindState, CodeSlugTaken, "slug %q is already in use", o.Slug)
	}
	s.orgs[o.ID] = o.clone()
	s.bySlug[o.Slug] = o.ID
	return nil
}

func (s *MemoryStore) GetOrg(ctx context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, errs.NotFound("organization", id)
	}
	return o.clone(), nil
}

func (s *MemoryStore) GetOrgBySlug(ctx context.Context, slug string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySlug[slug]
	if !ok {
		return nil, errs.NotFound("organization", slug)
	}
	return s.orgs[id].clone(), nil
}

func (s *MemoryStore) UpdateOrg(ctx context.Context, o *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orgs[o.ID]
	if !ok {
		return errs.NotFound("organization", o.ID)
	}
	// Slugs are immutable once issued; ignore attempts to change them.
	cp := o.clone()
	cp.Slug = cur.Slug
	s.orgs[o.ID] = cp
	return nil
}

func (s *MemoryStore) CreateTeam(ctx context.Context, t *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = t.clone()
	return nil
}

func (s *MemoryStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, errs.NotFound("team", id)
	}
	return t.clone(), nil
}

func (s *MemoryStore) UpdateTeam(ctx context.Context, t *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[t.ID]; !ok {
		return errs.NotFound("team", t.ID)
	}
	s.teams[t.ID] = t.clone()
	return nil
}

func (s *MemoryStore) ListTeams(ctx context.Context, orgID string) ([]*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Team
	for _, t := range s.teams {
		if t.OrgID == orgID {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateMember(ctx context.Context, m *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.members {
		if cur.OrgID == m.OrgID && cur.UserID == m.UserID {
			return errs.Newf(errs.KindState, CodeMemberExists,
				"user %s is already a member of organization %s", m.UserID, m.OrgID)
		}
	}
	s.members[m.ID] = m.clone()
	return nil
}

func (s *MemoryStore) GetMember(ctx context.Context, id string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, errs.NotFound("org_member", id)
	}
	return m.clone(), nil
}

func (s *MemoryStore) UpdateMember(ctx context.Context, m *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; !ok {
		return errs.NotFound("org_member", m.ID)
	}
	s.members[m.ID] = m.clone()
	return nil
}

func (s *MemoryStore) DeleteMember(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; !ok {
		return errs.NotFound("org_member", id)
	}
	delete(s.members, id)
	return nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Member
	for _, m := range s.members {
		if m.OrgID == orgID {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AddSpend(ctx context.Context, orgID, teamID string, amountMinor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok || t.OrgID != orgID {
		return errs.NotFound("team", teamID)
	}
	s.spend[teamID] += amountMinor
	return nil
}

func (s *MemoryStore) SpendByTeam(ctx context.Context, orgID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for id, amt := range s.spend {
		if t, ok := s.teams[id]; ok && t.OrgID == orgID {
			out[id] = amt
		}
	}
	return out, nil
}
