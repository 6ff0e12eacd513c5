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

package share

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v2"

	"github.com/sharekit/datatree/pkg/appctx"
	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/errtypes"
	"github.com/sharekit/datatree/pkg/group"
	"github.com/sharekit/datatree/pkg/perm"
	"github.com/sharekit/datatree/pkg/user"
)

const defaultCacheTTL = 2 * time.Minute

// Directory is the per-application share facade over a datatree store
// and a group manager. Construct one per application context and thread
// it through explicitly; there is no process-wide singleton.
//
// Lookups and listings are cached for cacheTTL; any mutation purges the
// caches wholesale.
type Directory struct {
	store  datatree.Store
	groups group.Manager

	// byName caches path name -> *Share, byID caches id -> path name.
	byName   *ttlcache.Cache
	byID     *ttlcache.Cache
	listings *ttlcache.Cache
}

// New returns a Directory over the given store and group manager.
func New(store datatree.Store, groups group.Manager) *Directory {
	d := &Directory{
		store:    store,
		groups:   groups,
		byName:   ttlcache.NewCache(),
		byID:     ttlcache.NewCache(),
		listings: ttlcache.NewCache(),
	}
	_ = d.byName.SetTTL(defaultCacheTTL)
	_ = d.byID.SetTTL(defaultCacheTTL)
	_ = d.listings.SetTTL(defaultCacheTTL)
	return d
}

// Close releases the cache resources. The directory must not be used
// afterwards.
func (d *Directory) Close() {
	_ = d.byName.Close()
	_ = d.byID.Close()
	_ = d.listings.Close()
}

func (d *Directory) invalidate() {
	_ = d.byName.Purge()
	_ = d.byID.Purge()
	_ = d.listings.Purge()
}

// NewShare constructs an in-memory share, not yet persisted. The owner
// defaults to the actor in ctx when one is set.
func (d *Directory) NewShare(ctx context.Context, pathName, title string) (*Share, error) {
	if pathName == "" {
		return nil, errtypes.BadRequest("share: empty path name")
	}
	if title == "" {
		return nil, errtypes.BadRequest("share: empty title")
	}
	s := &Share{
		dir:      d,
		pathName: pathName,
		title:    title,
		fields:   map[string]string{},
		perms:    perm.New(),
	}
	if u, ok := user.ContextGetUser(ctx); ok {
		s.owner = u.ID
	}
	return s, nil
}

// AddShare persists an unsaved share, granting the owner the full
// bitmask before the first write. Returns the new node id.
func (d *Directory) AddShare(ctx context.Context, s *Share) (int64, error) {
	if s == nil {
		return 0, errtypes.BadRequest("share: nil share")
	}
	if s.node != nil {
		return 0, errtypes.BadRequest("share: already persisted")
	}
	if s.owner == "" {
		return 0, errtypes.BadRequest("share: empty owner")
	}
	if s.title == "" {
		return 0, errtypes.BadRequest("share: empty title")
	}

	s.dir = d
	s.perms.GrantUser(s.owner, perm.All)

	id, err := d.store.Add(ctx, s.pathName, datatree.ToAttributes(s.toBag()), -1)
	if err != nil {
		return 0, err
	}
	n, _, err := d.store.GetNode(ctx, s.pathName)
	if err != nil {
		return 0, err
	}
	s.node = n
	d.invalidate()

	appctx.GetLogger(ctx).Debug().Str("name", s.pathName).Int64("id", id).
		Msg("share: added")
	return id, nil
}

// GetShare returns the share stored under the given path name.
func (d *Directory) GetShare(ctx context.Context, pathName string) (*Share, error) {
	if v, err := d.byName.Get(pathName); err == nil {
		return v.(*Share), nil
	}
	o, err := datatree.GetObject(ctx, d.store, pathName, datatree.KindShare)
	if err != nil {
		return nil, err
	}
	return d.adopt(o.(*Share)), nil
}

// GetShareByID returns the share stored under the given node id.
func (d *Directory) GetShareByID(ctx context.Context, id int64) (*Share, error) {
	if v, err := d.byID.Get(idKey(id)); err == nil {
		return d.GetShare(ctx, v.(string))
	}
	o, err := datatree.GetObjectByID(ctx, d.store, id, datatree.KindShare)
	if err != nil {
		return nil, err
	}
	return d.adopt(o.(*Share)), nil
}

// GetShares returns the shares for a batch of node ids, in order.
func (d *Directory) GetShares(ctx context.Context, ids []int64) ([]*Share, error) {
	shares := make([]*Share, 0, len(ids))
	for _, id := range ids {
		s, err := d.GetShareByID(ctx, id)
		if err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, nil
}

func (d *Directory) adopt(s *Share) *Share {
	s.dir = d
	_ = d.byName.Set(s.pathName, s)
	_ = d.byID.Set(idKey(s.ID()), s.pathName)
	return s
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

// Exists reports whether a share is stored under the given path name.
func (d *Directory) Exists(ctx context.Context, pathName string) (bool, error) {
	return d.store.Exists(ctx, pathName)
}

// RemoveShare deletes a persisted share. It refuses with BadRequest
// while the share still has children.
func (d *Directory) RemoveShare(ctx context.Context, s *Share) error {
	if s == nil || s.node == nil {
		return errtypes.BadRequest("share: not persisted")
	}
	n, err := d.store.CountChildren(ctx, s.pathName)
	if err != nil {
		return err
	}
	if n > 0 {
		return errtypes.BadRequest("share: still has children")
	}
	if _, err := d.store.Remove(ctx, s.pathName); err != nil {
		return err
	}
	s.node = nil
	d.invalidate()
	return nil
}

// HasChildren reports whether the share has at least one child node.
func (d *Directory) HasChildren(ctx context.Context, s *Share) (bool, error) {
	n, err := d.CountChildren(ctx, s)
	return n > 0, err
}

// CountChildren returns the number of direct children of the share.
func (d *Directory) CountChildren(ctx context.Context, s *Share) (int, error) {
	return d.store.CountChildren(ctx, s.pathName)
}

// GetParent returns the share's parent share, NotFound for a top-level
// share or when the parent node is not a share.
func (d *Directory) GetParent(ctx context.Context, s *Share) (*Share, error) {
	parent := datatree.ParentName(s.pathName)
	if parent == "" {
		return nil, errtypes.NotFound("share: no parent")
	}
	return d.GetShare(ctx, parent)
}

// ListShares returns the shares under startParent ("" for the whole
// forest) visible to the actor with the given bits: shares the actor
// owns, plus any share granting the bits to the actor directly, via a
// group membership, or via the creator or default levels. An empty
// actor id is anonymous and sees only guest grants. With ownerOnly only
// the ownership branch applies. The result is ordered by title,
// segment by segment along the path.
func (d *Directory) ListShares(ctx context.Context, actor string, b perm.Bits, ownerOnly bool, startParent string, recursive bool) ([]*Share, error) {
	key := listKey(actor, b, ownerOnly, startParent, recursive)
	if v, err := d.listings.Get(key); err == nil {
		return v.([]*Share), nil
	}

	criteria, err := d.listCriteria(ctx, actor, b, ownerOnly)
	if err != nil {
		return nil, err
	}
	shares, err := d.queryShares(ctx, criteria, startParent, recursive)
	if err != nil {
		return nil, err
	}

	appctx.GetLogger(ctx).Debug().Str("actor", actor).Int("bits", int(b)).
		Int("count", len(shares)).Msg("share: listed")
	_ = d.listings.Set(key, shares)
	return shares, nil
}

// ListAllShares returns every share under startParent regardless of
// grants, for administrative tooling. Same ordering as ListShares.
func (d *Directory) ListAllShares(ctx context.Context, startParent string) ([]*Share, error) {
	// every share carries an owner attribute
	return d.queryShares(ctx, datatree.Eq(datatree.FieldName, attrOwner), startParent, true)
}

func listKey(actor string, b perm.Bits, ownerOnly bool, startParent string, recursive bool) string {
	return fmt.Sprintf("%s|%d|%t|%s|%t", actor, b, ownerOnly, startParent, recursive)
}

// listCriteria builds the attribute disjunction matching the shares the
// actor may see. One satisfied branch on a single triple is enough.
func (d *Directory) listCriteria(ctx context.Context, actor string, b perm.Bits, ownerOnly bool) (*datatree.Criteria, error) {
	ownedBy := func(owner string) *datatree.Criteria {
		return datatree.And(
			datatree.Eq(datatree.FieldName, attrOwner),
			datatree.Eq(datatree.FieldValue, owner),
		)
	}

	if ownerOnly {
		if actor == "" {
			return nil, errtypes.BadRequest("share: owner listing for anonymous actor")
		}
		return ownedBy(actor), nil
	}

	if actor == "" {
		return datatree.And(
			datatree.Eq(datatree.FieldName, datatree.PermPrefix+permGuest),
			datatree.MaskSet(datatree.FieldValue, int(b)),
		), nil
	}

	branches := []*datatree.Criteria{
		ownedBy(actor),
		datatree.And(
			datatree.Eq(datatree.FieldName, datatree.PermPrefix+permUser),
			datatree.Eq(datatree.FieldKey, actor),
			datatree.MaskSet(datatree.FieldValue, int(b)),
		),
		datatree.And(
			datatree.Eq(datatree.FieldName, datatree.PermPrefix+permCreator),
			datatree.MaskSet(datatree.FieldValue, int(b)),
		),
		datatree.And(
			datatree.Eq(datatree.FieldName, datatree.PermPrefix+permDefault),
			datatree.MaskSet(datatree.FieldValue, int(b)),
		),
	}

	memberships, err := d.groups.GetMemberships(ctx, actor)
	if err != nil {
		// an unresolved membership must not fail the listing, the
		// group grants just do not match
		appctx.GetLogger(ctx).Warn().Err(err).Str("actor", actor).
			Msg("share: group membership resolution failed, ignoring group grants")
		memberships = nil
	}
	if len(memberships) > 0 {
		branches = append(branches, datatree.And(
			datatree.Eq(datatree.FieldName, datatree.PermPrefix+permGroup),
			datatree.In(datatree.FieldKey, memberships...),
			datatree.MaskSet(datatree.FieldValue, int(b)),
		))
	}
	return datatree.Or(branches...), nil
}

func (d *Directory) queryShares(ctx context.Context, c *datatree.Criteria, startParent string, recursive bool) ([]*Share, error) {
	ids, err := d.store.GetByAttributes(ctx, c, startParent, recursive)
	if err != nil {
		return nil, err
	}
	objects, err := datatree.GetObjects(ctx, d.store, ids, datatree.KindShare)
	if err != nil {
		return nil, err
	}
	shares := make([]*Share, 0, len(objects))
	for _, o := range objects {
		shares = append(shares, d.adopt(o.(*Share)))
	}
	sortShares(shares)
	return shares, nil
}

// sortShares orders shares by title, path segment by path segment: at
// each depth the corresponding ancestor's title decides, so a parent
// sorts right next to its children regardless of the path spelling. An
// ancestor outside the result set falls back to its path segment.
func sortShares(shares []*Share) {
	titles := map[string]string{}
	for _, s := range shares {
		titles[s.pathName] = s.title
	}

	keys := make(map[*Share][]string, len(shares))
	for _, s := range shares {
		keys[s] = titlePath(s.pathName, titles)
	}

	sort.SliceStable(shares, func(i, j int) bool {
		a, b := keys[shares[i]], keys[shares[j]]
		for k := 0; k < len(a) && k < len(b); k++ {
			if c := strings.Compare(strings.ToLower(a[k]), strings.ToLower(b[k])); c != 0 {
				return c < 0
			}
		}
		return len(a) < len(b)
	})
}

func titlePath(pathName string, titles map[string]string) []string {
	segments := strings.Split(pathName, datatree.Separator)
	path := make([]string, len(segments))
	name := ""
	for i, segment := range segments {
		if i == 0 {
			name = segment
		} else {
			name += datatree.Separator + segment
		}
		if title, ok := titles[name]; ok && title != "" {
			path[i] = title
		} else {
			path[i] = segment
		}
	}
	return path
}
