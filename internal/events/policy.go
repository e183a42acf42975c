package events

import (
	"fmt"
	"sort"
)

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// RolePolicy describes what one role may see.
type RolePolicy struct {
	Permitted Set
	Defaults  Set
	Clearance Sensitivity
}

// Policy maps roles to their permitted categories, default subscription
// and clearance. Unknown roles are permitted nothing. A Policy is
// read-only after construction.
type Policy struct {
	roles map[Role]RolePolicy
}

// RoleSpec is the configuration form of a RolePolicy.
type RoleSpec struct {
	Categories []string
	Defaults   []string
	Clearance  string
}

// DefaultPolicy returns the built-in role table.
func DefaultPolicy() *Policy {
	all := NewSet(allCategories...)

	operator := all.Clone()
	operator.Remove(AuditLog, SecurityAlert)

	return &Policy{roles: map[Role]RolePolicy{
		RoleAdmin: {
			Permitted: all,
			Defaults:  all.Clone(),
			Clearance: Secret,
		},
		RoleOperator: {
			Permitted: operator,
			Defaults:  NewSet(ZoneCreated, ZoneUpdated, ZoneDeleted, RecordChanged, ForwarderHealth, HealthUpdate),
			Clearance: Internal,
		},
		RoleViewer: {
			Permitted: NewSet(HealthUpdate),
			Defaults:  NewSet(HealthUpdate),
			Clearance: Public,
		},
	}}
}

// NewPolicy builds a policy from the built-in table overlaid with roles.
// Each entry replaces the whole entry for its role.
func NewPolicy(roles map[string]RoleSpec) (*Policy, error) {
	p := DefaultPolicy()
	for name, rs := range roles {
		permitted, err := ParseCategories(rs.Categories)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}
		defaults, err := ParseCategories(rs.Defaults)
		if err != nil {
			return nil, fmt.Errorf("role %s defaults: %w", name, err)
		}
		clearance, err := ParseSensitivity(rs.Clearance)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}

		rp := RolePolicy{
			Permitted: NewSet(permitted...),
			Defaults:  NewSet(defaults...),
			Clearance: clearance,
		}
		for c := range rp.Defaults {
			if !rp.Permitted.Has(c) {
				return nil, fmt.Errorf("role %s: default category %s is not permitted", name, c)
			}
		}
		p.roles[Role(name)] = rp
	}
	return p, nil
}

// Permits reports whether role may see category.
func (p *Policy) Permits(role Role, c Category) bool {
	rp, ok := p.roles[role]
	return ok && rp.Permitted.Has(c)
}

// Default returns a fresh copy of the role's default subscription.
func (p *Policy) Default(role Role) Set {
	rp, ok := p.roles[role]
	if !ok {
		return Set{}
	}
	return rp.Defaults.Clone()
}

// Clearance returns the highest sensitivity role may read.
func (p *Policy) Clearance(role Role) Sensitivity {
	rp, ok := p.roles[role]
	if !ok {
		return Public
	}
	return rp.Clearance
}

// Disallowed returns the requested categories role may not see, sorted.
func (p *Policy) Disallowed(role Role, requested []Category) []Category {
	var out []Category
	seen := make(map[Category]bool, len(requested))
	for _, c := range requested {
		if seen[c] {
			continue
		}
		seen[c] = true
		if !p.Permits(role, c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether role has an entry.
func (p *Policy) Known(role Role) bool {
	_, ok := p.roles[role]
	return ok
}

// Roles returns the configured role names, sorted.
func (p *Policy) Roles() []Role {
	out := make([]Role, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
