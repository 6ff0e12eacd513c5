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

package sql_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sharekit/datatree/pkg/datatree"
	sqlmanager "github.com/sharekit/datatree/pkg/datatree/manager/sql"
	"github.com/sharekit/datatree/pkg/errtypes"
)

var _ = Describe("SQL store", func() {
	var (
		store  datatree.Store
		ctx    context.Context
		db     *sql.DB
		tmpdir string

		add = func(name string, attrs []datatree.Attribute) int64 {
			id, err := store.Add(ctx, name, attrs, -1)
			ExpectWithOffset(1, err).ToNot(HaveOccurred())
			return id
		}
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpdir, err = os.MkdirTemp("", "sqlstore-test")
		Expect(err).ToNot(HaveOccurred())

		db, err = sql.Open("sqlite3", filepath.Join(tmpdir, "datatree.db"))
		Expect(err).ToNot(HaveOccurred())

		store, err = sqlmanager.New("sqlite3", db, "shares-test")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		db.Close()
		os.RemoveAll(tmpdir)
	})

	Describe("Add", func() {
		It("assigns increasing ids and appends to the sibling order", func() {
			add("p", nil)
			aID := add("p:a", nil)
			bID := add("p:b", nil)
			Expect(bID).To(BeNumerically(">", aID))

			children, err := store.Children(ctx, "p")
			Expect(err).ToNot(HaveOccurred())
			Expect(children).To(HaveLen(2))
			Expect(children[0].Name).To(Equal("p:a"))
			Expect(children[0].Order).To(Equal(0))
			Expect(children[1].Name).To(Equal("p:b"))
			Expect(children[1].Order).To(Equal(1))
		})

		It("rejects duplicate names", func() {
			add("p", nil)
			_, err := store.Add(ctx, "p", nil, -1)
			Expect(err).To(BeAssignableToTypeOf(errtypes.AlreadyExists("")))
		})

		It("rejects nodes without an existing parent", func() {
			_, err := store.Add(ctx, "ghost:child", nil, -1)
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})

		It("inserts at an explicit order and shifts the later siblings", func() {
			add("p", nil)
			add("p:a", nil)
			add("p:b", nil)
			_, err := store.Add(ctx, "p:first", nil, 0)
			Expect(err).ToNot(HaveOccurred())

			children, err := store.Children(ctx, "p")
			Expect(err).ToNot(HaveOccurred())
			Expect(children[0].Name).To(Equal("p:first"))
			Expect(children[1].Name).To(Equal("p:a"))
			Expect(children[2].Name).To(Equal("p:b"))
		})
	})

	Describe("Remove", func() {
		It("compacts the sibling order", func() {
			add("p", nil)
			add("p:a", nil)
			add("p:b", nil)
			add("p:c", nil)
			add("p:d", nil)

			_, err := store.Remove(ctx, "p:b")
			Expect(err).ToNot(HaveOccurred())

			children, err := store.Children(ctx, "p")
			Expect(err).ToNot(HaveOccurred())
			Expect(children).To(HaveLen(3))
			for i, c := range children {
				Expect(c.Order).To(Equal(i))
			}
			Expect(children[0].Name).To(Equal("p:a"))
			Expect(children[1].Name).To(Equal("p:c"))
			Expect(children[2].Name).To(Equal("p:d"))
		})

		It("refuses to remove a node with children", func() {
			add("root", nil)
			add("root:child", nil)
			_, err := store.Remove(ctx, "root")
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))

			_, err = store.Remove(ctx, "root:child")
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Remove(ctx, "root")
			Expect(err).ToNot(HaveOccurred())
		})

		It("returns not found for unknown names", func() {
			_, err := store.Remove(ctx, "nope")
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})
	})

	Describe("Rename", func() {
		It("keeps the id and rewrites descendant paths", func() {
			add("parent", nil)
			id := add("parent:y", nil)
			add("parent:y:leaf", nil)

			Expect(store.Rename(ctx, "parent:y", "parent:z")).To(Succeed())

			got, err := store.GetID(ctx, "parent:z")
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(id))

			ok, err := store.Exists(ctx, "parent:z:leaf")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("rejects sibling collisions and leaves both nodes unchanged", func() {
			add("parent", nil)
			xID := add("parent:x", nil)
			yID := add("parent:y", nil)

			err := store.Rename(ctx, "parent:y", "parent:x")
			Expect(err).To(BeAssignableToTypeOf(errtypes.AlreadyExists("")))

			got, err := store.GetID(ctx, "parent:x")
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(xID))
			got, err = store.GetID(ctx, "parent:y")
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(yID))
		})
	})

	Describe("Move", func() {
		It("re-parents a subtree", func() {
			add("a", nil)
			add("a:sub", nil)
			add("a:sub:deep", nil)
			bID := add("b", nil)

			Expect(store.Move(ctx, "a:sub", "b")).To(Succeed())

			pid, err := store.GetParent(ctx, "b:sub")
			Expect(err).ToNot(HaveOccurred())
			Expect(pid).To(Equal(bID))

			ok, err := store.Exists(ctx, "b:sub:deep")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("appends the moved node to the destination sibling order", func() {
			add("a", nil)
			add("a:sub", nil)
			add("b", nil)
			add("b:c1", nil)

			Expect(store.Move(ctx, "a:sub", "b")).To(Succeed())

			children, err := store.Children(ctx, "b")
			Expect(err).ToNot(HaveOccurred())
			Expect(children).To(HaveLen(2))
			Expect(children[0].Name).To(Equal("b:c1"))
			Expect(children[0].Order).To(Equal(0))
			Expect(children[1].Name).To(Equal("b:sub"))
			Expect(children[1].Order).To(Equal(1))

			add("b:c2", nil)
			children, err = store.Children(ctx, "b")
			Expect(err).ToNot(HaveOccurred())
			Expect(children).To(HaveLen(3))
			for i, c := range children {
				Expect(c.Order).To(Equal(i))
			}
			Expect(children[1].Name).To(Equal("b:sub"))
			Expect(children[2].Name).To(Equal("b:c2"))
		})

		It("moves to the root when no parent is given", func() {
			add("a", nil)
			add("a:sub", nil)
			Expect(store.Move(ctx, "a:sub", "")).To(Succeed())

			pid, err := store.GetParent(ctx, "sub")
			Expect(err).ToNot(HaveOccurred())
			Expect(pid).To(Equal(datatree.RootID))
		})

		It("rejects moving a node under its own descendant", func() {
			add("a", nil)
			add("a:b", nil)
			err := store.Move(ctx, "a", "a:b")
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})
	})

	Describe("UpdateData", func() {
		It("replaces the attributes wholesale", func() {
			add("s", []datatree.Attribute{
				{Name: "owner", Value: "alice"},
				{Name: "perm_userid", Key: "bob", Value: "2"},
			})

			Expect(store.UpdateData(ctx, "s", []datatree.Attribute{
				{Name: "owner", Value: "alice"},
				{Name: "perm_userid", Key: "bob", Value: "6"},
			})).To(Succeed())

			_, bag, err := store.GetNode(ctx, "s")
			Expect(err).ToNot(HaveOccurred())
			Expect(bag.Scalars["owner"]).To(Equal("alice"))
			Expect(bag.Perms["userid"]["bob"]).To(Equal("6"))
		})
	})

	Describe("GetByAttributes", func() {
		BeforeEach(func() {
			add("shares", nil)
			add("shares:alpha", []datatree.Attribute{
				{Name: "owner", Value: "alice"},
			})
			add("shares:beta", []datatree.Attribute{
				{Name: "owner", Value: "bob"},
				{Name: "perm_userid", Key: "alice", Value: "2"},
			})
			add("shares:beta:gamma", []datatree.Attribute{
				{Name: "owner", Value: "bob"},
				{Name: "perm_groupid", Key: "staff", Value: "3"},
			})
		})

		It("matches the owner criteria", func() {
			ids, err := store.GetByAttributes(ctx,
				datatree.And(
					datatree.Eq(datatree.FieldName, "owner"),
					datatree.Eq(datatree.FieldValue, "bob"),
				), "shares", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(HaveLen(2))
		})

		It("evaluates the bitmask op against the triple value", func() {
			ids, err := store.GetByAttributes(ctx,
				datatree.And(
					datatree.Eq(datatree.FieldName, "perm_userid"),
					datatree.Eq(datatree.FieldKey, "alice"),
					datatree.MaskSet(datatree.FieldValue, 2),
				), "shares", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(HaveLen(1))

			ids, err = store.GetByAttributes(ctx,
				datatree.And(
					datatree.Eq(datatree.FieldName, "perm_userid"),
					datatree.MaskSet(datatree.FieldValue, 8),
				), "shares", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(BeEmpty())
		})

		It("evaluates set membership", func() {
			ids, err := store.GetByAttributes(ctx,
				datatree.And(
					datatree.Eq(datatree.FieldName, "perm_groupid"),
					datatree.In(datatree.FieldKey, "staff", "crew"),
					datatree.MaskSet(datatree.FieldValue, 1),
				), "shares", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(HaveLen(1))
		})

		It("respects the non-recursive scope", func() {
			criteria := datatree.And(
				datatree.Eq(datatree.FieldName, "owner"),
				datatree.Eq(datatree.FieldValue, "bob"),
			)
			ids, err := store.GetByAttributes(ctx, criteria, "shares", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(HaveLen(1))
		})

		It("combines branches with OR", func() {
			ids, err := store.GetByAttributes(ctx,
				datatree.Or(
					datatree.And(
						datatree.Eq(datatree.FieldName, "owner"),
						datatree.Eq(datatree.FieldValue, "alice"),
					),
					datatree.And(
						datatree.Eq(datatree.FieldName, "perm_userid"),
						datatree.Eq(datatree.FieldKey, "alice"),
						datatree.MaskSet(datatree.FieldValue, 2),
					),
				), "shares", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(HaveLen(2))
		})

		It("rejects malformed criteria", func() {
			_, err := store.GetByAttributes(ctx, &datatree.Criteria{}, "", true)
			Expect(err).To(BeAssignableToTypeOf(errtypes.BadRequest("")))
		})
	})

	Describe("trees", func() {
		It("does not leak nodes between forests", func() {
			add("only-here", nil)

			other, err := sqlmanager.New("sqlite3", db, "other-tree")
			Expect(err).ToNot(HaveOccurred())

			ok, err := other.Exists(ctx, "only-here")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})
