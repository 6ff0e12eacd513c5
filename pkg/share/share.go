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

// Package share materializes datatree nodes as shares: an owned, titled
// resource carrying a permission set, managed through a per-application
// Directory.
package share

import (
	"context"
	"sort"
	"strconv"

	"github.com/sharekit/datatree/pkg/appctx"
	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/errtypes"
	"github.com/sharekit/datatree/pkg/perm"
)

// Attribute names of the share projection. The path name of the node
// addresses the share; the "name" attribute is the human title.
const (
	attrOwner = "owner"
	attrTitle = "name"

	permUser    = "userid"
	permGroup   = "groupid"
	permCreator = "creator"
	permDefault = "default"
	permGuest   = "guest"
)

func init() {
	datatree.RegisterKind(datatree.KindShare, func(n *datatree.Node, b *datatree.Bag) datatree.Object {
		return fromBag(n, b)
	})
}

// Share is a datatree node specialized with an owner, a title and a
// permission set. The zero value is useless: shares come from
// Directory.NewShare or from hydration of stored nodes. A Share is not
// safe for concurrent mutation.
type Share struct {
	dir  *Directory
	node *datatree.Node

	pathName string
	owner    string
	title    string
	// fields holds the remaining scalar metadata of the node.
	fields map[string]string
	perms  *perm.Permissions
}

func fromBag(n *datatree.Node, b *datatree.Bag) *Share {
	s := &Share{
		node:     n,
		pathName: n.Name,
		fields:   map[string]string{},
		perms:    perm.New(),
	}
	for field, value := range b.Scalars {
		switch field {
		case attrOwner:
			s.owner = value
		case attrTitle:
			s.title = value
		default:
			s.fields[field] = value
		}
	}
	for grantee, value := range b.Perms[permUser] {
		s.perms.Users[grantee] = parseBits(value)
	}
	for grantee, value := range b.Perms[permGroup] {
		s.perms.Groups[grantee] = parseBits(value)
	}
	s.perms.Creator = parseBits(b.PermScalars[permCreator])
	s.perms.Default = parseBits(b.PermScalars[permDefault])
	s.perms.Guest = parseBits(b.PermScalars[permGuest])
	return s
}

func (s *Share) toBag() *datatree.Bag {
	b := datatree.NewBag()
	for field, value := range s.fields {
		b.Scalars[field] = value
	}
	b.Scalars[attrOwner] = s.owner
	b.Scalars[attrTitle] = s.title
	for grantee, bits := range s.perms.Users {
		if bits != 0 {
			setPerm(b, permUser, grantee, bits)
		}
	}
	for grantee, bits := range s.perms.Groups {
		if bits != 0 {
			setPerm(b, permGroup, grantee, bits)
		}
	}
	if s.perms.Creator != 0 {
		b.PermScalars[permCreator] = formatBits(s.perms.Creator)
	}
	if s.perms.Default != 0 {
		b.PermScalars[permDefault] = formatBits(s.perms.Default)
	}
	if s.perms.Guest != 0 {
		b.PermScalars[permGuest] = formatBits(s.perms.Guest)
	}
	return b
}

func setPerm(b *datatree.Bag, ptype, grantee string, bits perm.Bits) {
	if b.Perms[ptype] == nil {
		b.Perms[ptype] = map[string]string{}
	}
	b.Perms[ptype][grantee] = formatBits(bits)
}

func parseBits(s string) perm.Bits {
	// a grant that does not parse as an integer grants nothing
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return perm.Bits(n)
}

func formatBits(b perm.Bits) string { return strconv.Itoa(int(b)) }

// Node returns the underlying datatree node, nil while the share is
// still unsaved.
func (s *Share) Node() *datatree.Node { return s.node }

// ID returns the node id, 0 while the share is still unsaved.
func (s *Share) ID() int64 {
	if s.node == nil {
		return 0
	}
	return s.node.ID
}

// PathName returns the colon-delimited node path addressing the share.
// Distinct from the title: renames go through the store, not here.
func (s *Share) PathName() string { return s.pathName }

// Owner returns the owning user id.
func (s *Share) Owner() string { return s.owner }

// SetOwner changes the owner in memory. By convention the owner is set
// once before AddShare; changing it later requires an explicit Save.
func (s *Share) SetOwner(owner string) { s.owner = owner }

// Title returns the human-readable title.
func (s *Share) Title() string { return s.title }

// SetTitle changes the title in memory.
func (s *Share) SetTitle(title string) { s.title = title }

// Get returns a scalar metadata field.
func (s *Share) Get(field string) (string, bool) {
	switch field {
	case attrOwner:
		return s.owner, true
	case attrTitle:
		return s.title, true
	}
	v, ok := s.fields[field]
	return v, ok
}

// Set stores a scalar metadata field in memory. Persist with Save.
func (s *Share) Set(field, value string) {
	switch field {
	case attrOwner:
		s.owner = value
	case attrTitle:
		s.title = value
	default:
		s.fields[field] = value
	}
}

// Permissions returns the share's permission set. The returned value is
// live: mutating it and calling Save is equivalent to the grant helpers
// with deferred save.
func (s *Share) Permissions() *perm.Permissions { return s.perms }

// SetPermissions replaces the permission set wholesale. With update set
// the share is saved immediately.
func (s *Share) SetPermissions(ctx context.Context, p *perm.Permissions, update bool) error {
	s.perms = p.Clone()
	if update {
		return s.Save(ctx)
	}
	return nil
}

// GrantUser adds the given bits to the user's grant. Unless deferSave
// is set, a persisted share re-reads its stored grants first and writes
// the mutation through immediately.
func (s *Share) GrantUser(ctx context.Context, userID string, b perm.Bits, deferSave bool) error {
	return s.mutatePermissions(ctx, deferSave, func() {
		s.perms.GrantUser(userID, b)
	})
}

// RevokeUser removes the given bits from the user's grant, leaving
// other bits and other grantees untouched.
func (s *Share) RevokeUser(ctx context.Context, userID string, b perm.Bits, deferSave bool) error {
	return s.mutatePermissions(ctx, deferSave, func() {
		s.perms.RevokeUser(userID, b)
	})
}

// GrantGroup adds the given bits to the group's grant.
func (s *Share) GrantGroup(ctx context.Context, groupID string, b perm.Bits, deferSave bool) error {
	return s.mutatePermissions(ctx, deferSave, func() {
		s.perms.GrantGroup(groupID, b)
	})
}

// RevokeGroup removes the given bits from the group's grant.
func (s *Share) RevokeGroup(ctx context.Context, groupID string, b perm.Bits, deferSave bool) error {
	return s.mutatePermissions(ctx, deferSave, func() {
		s.perms.RevokeGroup(groupID, b)
	})
}

func (s *Share) mutatePermissions(ctx context.Context, deferSave bool, mutate func()) error {
	if !deferSave && s.node != nil {
		// refresh from the store so concurrent grants on other handles
		// are not silently overwritten
		if err := s.refreshPermissions(ctx); err != nil {
			return err
		}
	}
	mutate()
	if deferSave || s.node == nil {
		return nil
	}
	return s.Save(ctx)
}

func (s *Share) refreshPermissions(ctx context.Context) error {
	if s.dir == nil {
		return errtypes.BadRequest("share: not attached to a directory")
	}
	_, b, err := s.dir.store.GetNode(ctx, s.pathName)
	if err != nil {
		return err
	}
	s.perms = fromBag(s.node, b).perms
	return nil
}

// HasPermission reports whether the actor holds the given bits on this
// share. The owner always passes. An empty actor id is anonymous and
// only the guest grant applies. The check never fails: when the group
// memberships cannot be resolved the group grants simply do not match.
func (s *Share) HasPermission(ctx context.Context, actor string, b perm.Bits) bool {
	if actor != "" && actor == s.owner {
		return true
	}
	var memberships []string
	if actor != "" && s.dir != nil {
		var err error
		memberships, err = s.dir.groups.GetMemberships(ctx, actor)
		if err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("actor", actor).
				Msg("share: group membership resolution failed, ignoring group grants")
			memberships = nil
		}
	}
	return s.perms.HasPermission(actor, memberships, b, actor == s.owner)
}

// ListUsers returns the user ids holding a grant, optionally filtered
// to grants carrying all bits of filter.
func (s *Share) ListUsers(filter perm.Bits) []string {
	return sortedKeys(s.perms.UserPermissions(filter))
}

// ListGroups returns the group ids holding a grant, optionally filtered
// to grants carrying all bits of filter.
func (s *Share) ListGroups(filter perm.Bits) []string {
	return sortedKeys(s.perms.GroupPermissions(filter))
}

func sortedKeys(grants map[string]perm.Bits) []string {
	ids := make([]string, 0, len(grants))
	for id := range grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the in-memory state through to the store, replacing the
// node's attributes wholesale.
func (s *Share) Save(ctx context.Context) error {
	if s.dir == nil {
		return errtypes.BadRequest("share: not attached to a directory")
	}
	if s.node == nil {
		return errtypes.BadRequest("share: not persisted, use AddShare")
	}
	if err := s.dir.store.UpdateData(ctx, s.pathName, datatree.ToAttributes(s.toBag())); err != nil {
		return err
	}
	s.dir.invalidate()
	return nil
}

// InheritPermissions copies this share's permission set onto every
// descendant share, overwriting their existing grants wholesale.
func (s *Share) InheritPermissions(ctx context.Context) error {
	if s.dir == nil {
		return errtypes.BadRequest("share: not attached to a directory")
	}
	descendants, err := s.dir.ListAllShares(ctx, s.pathName)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if err := d.SetPermissions(ctx, s.perms, true); err != nil {
			return err
		}
	}
	return nil
}
