// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package perm implements the bitmask permission model attached to a
// share: explicit grants per user and per group, plus the creator,
// default and guest fallback levels.
package perm

// Bits is a combination of the capability bits below.
type Bits int

// The capability bits. The numeric values are a stable wire contract:
// persisted grants must stay readable across migrations.
const (
	Show   Bits = 1
	Read   Bits = 2
	Edit   Bits = 4
	Delete Bits = 8

	All = Show | Read | Edit | Delete
)

// Has reports whether all bits in p are set in b.
func (b Bits) Has(p Bits) bool { return b&p == p }

// Permissions is a pure in-memory value object. Persistence happens
// through the attribute projection of the owning share.
type Permissions struct {
	// Users maps a user id to its granted bits.
	Users map[string]Bits
	// Groups maps a group id to its granted bits.
	Groups map[string]Bits
	// Creator applies to the object's creator, distinct from the owner.
	Creator Bits
	// Default applies to any authenticated actor without an explicit grant.
	Default Bits
	// Guest applies to anonymous actors.
	Guest Bits
}

// New returns an empty permission set.
func New() *Permissions {
	return &Permissions{
		Users:  map[string]Bits{},
		Groups: map[string]Bits{},
	}
}

// Clone returns a deep copy.
func (p *Permissions) Clone() *Permissions {
	c := New()
	for u, b := range p.Users {
		c.Users[u] = b
	}
	for g, b := range p.Groups {
		c.Groups[g] = b
	}
	c.Creator = p.Creator
	c.Default = p.Default
	c.Guest = p.Guest
	return c
}

// GrantUser ORs the given bits into the user's mask. Idempotent.
func (p *Permissions) GrantUser(userID string, b Bits) {
	p.Users[userID] |= b
}

// RevokeUser clears the given bits from the user's mask. Revoking bits
// that were never granted is a no-op; other bits are left untouched.
func (p *Permissions) RevokeUser(userID string, b Bits) {
	p.Users[userID] &^= b
}

// GrantGroup ORs the given bits into the group's mask. Idempotent.
func (p *Permissions) GrantGroup(groupID string, b Bits) {
	p.Groups[groupID] |= b
}

// RevokeGroup clears the given bits from the group's mask.
func (p *Permissions) RevokeGroup(groupID string, b Bits) {
	p.Groups[groupID] &^= b
}

// UserPermissions returns the per-user grants. If filter is non-zero
// only grants carrying all filter bits are returned.
func (p *Permissions) UserPermissions(filter Bits) map[string]Bits {
	return filtered(p.Users, filter)
}

// GroupPermissions returns the per-group grants. If filter is non-zero
// only grants carrying all filter bits are returned.
func (p *Permissions) GroupPermissions(filter Bits) map[string]Bits {
	return filtered(p.Groups, filter)
}

func filtered(grants map[string]Bits, filter Bits) map[string]Bits {
	out := map[string]Bits{}
	for id, b := range grants {
		if filter == 0 || b.Has(filter) {
			out[id] = b
		}
	}
	return out
}

// HasPermission reports whether the given actor holds the requested
// bits. An empty actor id is an anonymous request and only the guest
// level applies. The owner shortcut is the caller's job: this method
// only evaluates the grants it stores. It never fails: unresolvable
// group memberships are passed in as an empty slice and simply do not
// match.
func (p *Permissions) HasPermission(actor string, memberships []string, b Bits, isCreator bool) bool {
	if actor == "" {
		return p.Guest.Has(b)
	}
	if p.Users[actor].Has(b) {
		return true
	}
	for _, g := range memberships {
		if p.Groups[g].Has(b) {
			return true
		}
	}
	if isCreator && p.Creator.Has(b) {
		return true
	}
	return p.Default.Has(b)
}
