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

package share_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/datatree/manager/memory"
	"github.com/sharekit/datatree/pkg/errtypes"
	"github.com/sharekit/datatree/pkg/group/manager/static"
	"github.com/sharekit/datatree/pkg/perm"
	"github.com/sharekit/datatree/pkg/share"
	"github.com/sharekit/datatree/pkg/user"
)

var _ = Describe("Directory", func() {
	var (
		ctx   context.Context
		store datatree.Store
		dir   *share.Directory

		// fresh returns a directory over the same store with cold
		// caches, to observe what actually got persisted
		fresh func() *share.Directory

		addShare = func(pathName, title, owner string) *share.Share {
			s, err := dir.NewShare(ctx, pathName, title)
			ExpectWithOffset(1, err).ToNot(HaveOccurred())
			s.SetOwner(owner)
			_, err = dir.AddShare(ctx, s)
			ExpectWithOffset(1, err).ToNot(HaveOccurred())
			return s
		}
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		store, err = memory.New(nil)
		Expect(err).ToNot(HaveOccurred())

		groups, err := static.New(map[string]interface{}{
			"groups": map[string][]string{
				"staff": {"carol"},
			},
		})
		Expect(err).ToNot(HaveOccurred())

		dir = share.New(store, groups)
		fresh = func() *share.Directory {
			return share.New(store, groups)
		}
	})

	Describe("NewShare", func() {
		It("rejects an empty path name", func() {
			_, err := dir.NewShare(ctx, "", "Title")
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})

		It("rejects an empty title", func() {
			_, err := dir.NewShare(ctx, "cal", "")
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})

		It("defaults the owner to the actor in the context", func() {
			actx := user.ContextSetUser(ctx, &user.User{ID: "alice"})
			s, err := dir.NewShare(actx, "cal", "Calendar")
			Expect(err).ToNot(HaveOccurred())
			Expect(s.Owner()).To(Equal("alice"))
		})

		It("does not persist anything", func() {
			s, err := dir.NewShare(ctx, "cal", "Calendar")
			Expect(err).ToNot(HaveOccurred())
			Expect(s.ID()).To(BeZero())

			ok, err := dir.Exists(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("AddShare", func() {
		It("rejects a share without an owner", func() {
			s, err := dir.NewShare(ctx, "cal", "Calendar")
			Expect(err).ToNot(HaveOccurred())
			_, err = dir.AddShare(ctx, s)
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})

		It("persists the share and assigns the node id", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.ID()).ToNot(BeZero())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Title()).To(Equal("Calendar"))
			Expect(got.Owner()).To(Equal("alice"))
			Expect(got.ID()).To(Equal(s.ID()))
		})

		It("grants the owner the full bitmask", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.HasPermission(ctx, "alice", perm.Delete)).To(BeTrue())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Permissions().Users["alice"]).To(Equal(perm.All))
		})
	})

	Describe("lookups", func() {
		It("finds a share by id", func() {
			s := addShare("cal", "Calendar", "alice")
			got, err := dir.GetShareByID(ctx, s.ID())
			Expect(err).ToNot(HaveOccurred())
			Expect(got.PathName()).To(Equal("cal"))
		})

		It("propagates not found", func() {
			_, err := dir.GetShare(ctx, "nope")
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
			_, err = dir.GetShareByID(ctx, 12345)
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})

		It("loads a batch of shares in order", func() {
			a := addShare("a", "A", "alice")
			b := addShare("b", "B", "alice")
			shares, err := dir.GetShares(ctx, []int64{b.ID(), a.ID()})
			Expect(err).ToNot(HaveOccurred())
			Expect(shares).To(HaveLen(2))
			Expect(shares[0].PathName()).To(Equal("b"))
			Expect(shares[1].PathName()).To(Equal("a"))
		})
	})

	Describe("metadata", func() {
		It("persists generic fields through Save", func() {
			s := addShare("cal", "Calendar", "alice")
			s.Set("color", "blue")
			Expect(s.Save(ctx)).To(Succeed())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			v, ok := got.Get("color")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("blue"))
		})

		It("persists a title change", func() {
			s := addShare("cal", "Calendar", "alice")
			s.SetTitle("Work Calendar")
			Expect(s.Save(ctx)).To(Succeed())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Title()).To(Equal("Work Calendar"))
		})
	})

	Describe("permissions", func() {
		It("writes a grant through immediately", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.GrantUser(ctx, "bob", perm.Read, false)).To(Succeed())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.HasPermission(ctx, "bob", perm.Read)).To(BeTrue())
			Expect(got.HasPermission(ctx, "bob", perm.Edit)).To(BeFalse())
		})

		It("defers the write when asked to", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.GrantUser(ctx, "bob", perm.Read, true)).To(Succeed())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.HasPermission(ctx, "bob", perm.Read)).To(BeFalse())

			Expect(s.Save(ctx)).To(Succeed())
			got, err = fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.HasPermission(ctx, "bob", perm.Read)).To(BeTrue())
		})

		It("merges concurrent grants made through another handle", func() {
			s := addShare("cal", "Calendar", "alice")
			other, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())

			Expect(other.GrantUser(ctx, "bob", perm.Read, false)).To(Succeed())
			Expect(s.GrantUser(ctx, "carol", perm.Read, false)).To(Succeed())

			got, err := fresh().GetShare(ctx, "cal")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.HasPermission(ctx, "bob", perm.Read)).To(BeTrue())
			Expect(got.HasPermission(ctx, "carol", perm.Read)).To(BeTrue())
		})

		It("grants and revokes idempotently", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.GrantUser(ctx, "bob", perm.Read, false)).To(Succeed())
			Expect(s.GrantUser(ctx, "bob", perm.Read, false)).To(Succeed())
			Expect(s.Permissions().Users["bob"]).To(Equal(perm.Read))

			Expect(s.RevokeUser(ctx, "bob", perm.Read, false)).To(Succeed())
			Expect(s.Permissions().Users["bob"]).To(Equal(perm.Bits(0)))
		})

		It("honors group grants via the membership resolver", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.GrantGroup(ctx, "staff", perm.Read, false)).To(Succeed())

			Expect(s.HasPermission(ctx, "carol", perm.Read)).To(BeTrue())
			Expect(s.HasPermission(ctx, "dave", perm.Read)).To(BeFalse())
		})

		It("applies only the guest grant to anonymous actors", func() {
			s := addShare("cal", "Calendar", "alice")
			s.Permissions().Default = perm.Read
			Expect(s.Save(ctx)).To(Succeed())
			Expect(s.HasPermission(ctx, "", perm.Read)).To(BeFalse())

			s.Permissions().Guest = perm.Show
			Expect(s.Save(ctx)).To(Succeed())
			Expect(s.HasPermission(ctx, "", perm.Show)).To(BeTrue())
		})

		It("lists grantees with a bit filter", func() {
			s := addShare("cal", "Calendar", "alice")
			Expect(s.GrantUser(ctx, "bob", perm.Read, false)).To(Succeed())
			Expect(s.GrantUser(ctx, "carol", perm.Show, false)).To(Succeed())

			Expect(s.ListUsers(0)).To(Equal([]string{"alice", "bob", "carol"}))
			Expect(s.ListUsers(perm.Read)).To(Equal([]string{"alice", "bob"}))
		})
	})

	Describe("ListShares", func() {
		It("returns owned shares and explicit grants, sorted by title", func() {
			addShare("a", "Alpha", "alice")
			b := addShare("b", "Beta", "bob")
			Expect(b.GrantUser(ctx, "alice", perm.Read, false)).To(Succeed())
			addShare("c", "Gamma", "bob")

			shares, err := dir.ListShares(ctx, "alice", perm.Read, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Alpha", "Beta"}))
		})

		It("restricts to ownership with ownerOnly", func() {
			addShare("a", "Alpha", "alice")
			b := addShare("b", "Beta", "bob")
			Expect(b.GrantUser(ctx, "alice", perm.Read, false)).To(Succeed())

			shares, err := dir.ListShares(ctx, "bob", perm.Read, true, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Beta"}))
		})

		It("matches group grants against the actor's memberships", func() {
			s := addShare("a", "Alpha", "alice")
			Expect(s.GrantGroup(ctx, "staff", perm.Read, false)).To(Succeed())
			addShare("b", "Beta", "alice")

			shares, err := dir.ListShares(ctx, "carol", perm.Read, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Alpha"}))
		})

		It("shows anonymous actors only guest-granted shares", func() {
			s := addShare("a", "Alpha", "alice")
			s.Permissions().Guest = perm.Show
			Expect(s.Save(ctx)).To(Succeed())
			addShare("b", "Beta", "alice")

			shares, err := dir.ListShares(ctx, "", perm.Show, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Alpha"}))
		})

		It("requires the listed bits in the grant", func() {
			b := addShare("b", "Beta", "bob")
			Expect(b.GrantUser(ctx, "alice", perm.Show, false)).To(Succeed())

			shares, err := dir.ListShares(ctx, "alice", perm.Edit, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(shares).To(BeEmpty())
		})

		It("scopes the listing to a subtree", func() {
			addShare("top", "Top", "alice")
			addShare("top:inner", "Inner", "alice")
			addShare("elsewhere", "Elsewhere", "alice")

			shares, err := dir.ListShares(ctx, "alice", perm.Read, false, "top", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Inner"}))
		})

		It("orders by the titles along the path, parents first", func() {
			addShare("z", "Zebra", "alice")
			addShare("z:a", "Apple", "alice")
			addShare("m", "Middle", "alice")

			shares, err := dir.ListShares(ctx, "alice", perm.Read, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Middle", "Zebra", "Apple"}))
		})

		It("reflects additions after a cached listing", func() {
			addShare("a", "Alpha", "alice")
			shares, err := dir.ListShares(ctx, "alice", perm.Read, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(shares).To(HaveLen(1))

			addShare("b", "Beta", "alice")
			shares, err = dir.ListShares(ctx, "alice", perm.Read, false, "", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Alpha", "Beta"}))
		})
	})

	Describe("ListAllShares", func() {
		It("ignores grants entirely", func() {
			addShare("a", "Alpha", "alice")
			addShare("b", "Beta", "bob")

			shares, err := dir.ListAllShares(ctx, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(titles(shares)).To(Equal([]string{"Alpha", "Beta"}))
		})
	})

	Describe("hierarchy", func() {
		It("guards removal while children exist", func() {
			root := addShare("root", "Root", "alice")
			child := addShare("root:child", "Child", "alice")

			has, err := dir.HasChildren(ctx, root)
			Expect(err).ToNot(HaveOccurred())
			Expect(has).To(BeTrue())
			n, err := dir.CountChildren(ctx, root)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))

			Expect(dir.RemoveShare(ctx, root)).To(BeAssignableToTypeOf(errtypes.BadRequest("")))

			Expect(dir.RemoveShare(ctx, child)).To(Succeed())
			has, err = dir.HasChildren(ctx, root)
			Expect(err).ToNot(HaveOccurred())
			Expect(has).To(BeFalse())
			Expect(dir.RemoveShare(ctx, root)).To(Succeed())

			ok, err := dir.Exists(ctx, "root")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("resolves the parent share", func() {
			addShare("root", "Root", "alice")
			child := addShare("root:child", "Child", "alice")

			parent, err := dir.GetParent(ctx, child)
			Expect(err).ToNot(HaveOccurred())
			Expect(parent.Title()).To(Equal("Root"))

			_, err = dir.GetParent(ctx, parent)
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})
	})

	Describe("InheritPermissions", func() {
		It("overwrites the descendants' grants wholesale", func() {
			root := addShare("root", "Root", "alice")
			child := addShare("root:child", "Child", "alice")
			Expect(child.GrantUser(ctx, "eve", perm.All, false)).To(Succeed())

			Expect(root.GrantUser(ctx, "dave", perm.Read, false)).To(Succeed())
			Expect(root.InheritPermissions(ctx)).To(Succeed())

			got, err := fresh().GetShare(ctx, "root:child")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.HasPermission(ctx, "dave", perm.Read)).To(BeTrue())
			Expect(got.HasPermission(ctx, "eve", perm.Read)).To(BeFalse())
		})
	})
})

func titles(shares []*share.Share) []string {
	out := make([]string, 0, len(shares))
	for _, s := range shares {
		out = append(out, s.Title())
	}
	return out
}
