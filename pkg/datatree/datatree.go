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

// Package datatree defines the hierarchical object store: a forest of
// named, ordered nodes carrying a bag of attributes, addressed by
// colon-delimited path names like "calendar:jdoe:work".
package datatree

import (
	"context"
	"strings"

	"github.com/sharekit/datatree/pkg/errtypes"
)

// RootID is the sentinel parent id of top-level nodes. The root always
// exists without being a stored node.
const RootID int64 = -1

// Separator joins the segments of a node's path name.
const Separator = ":"

// Node is one entry of the forest. Name is the full path; its prefix
// segments denote the names of the node's ancestors.
type Node struct {
	ID       int64
	Name     string
	ParentID int64
	// Order is the position among siblings; compacted on removal.
	Order int
}

// Store is the interface a datatree driver implements. All lookups on
// a nonexistent name or id return errtypes.NotFound, never a crash.
type Store interface {
	// Add inserts a node with the given attributes. The parent is
	// derived from the path name and must already exist. A negative
	// order appends at the end of the sibling list. Returns the new id
	// or errtypes.AlreadyExists when the name is taken.
	Add(ctx context.Context, name string, attrs []Attribute, order int) (int64, error)

	// Remove deletes the node and its attributes, compacting the order
	// of the later siblings. Returns the removed id. Removing a node
	// that still has children fails with errtypes.BadRequest.
	Remove(ctx context.Context, name string) (int64, error)

	// Move re-parents the node under newParent ("" means the root) and
	// rewrites the path prefixes of the node and all its descendants.
	// Moving a node under itself or one of its descendants fails with
	// errtypes.BadRequest.
	Move(ctx context.Context, name, newParent string) error

	// Rename mutates the node's path name in place, preserving id,
	// parent and order, and rewrites the descendants' path prefixes.
	// The new name must denote the same parent and fails with
	// errtypes.AlreadyExists when a sibling already carries it.
	Rename(ctx context.Context, oldName, newName string) error

	Exists(ctx context.Context, name string) (bool, error)
	GetID(ctx context.Context, name string) (int64, error)
	GetName(ctx context.Context, id int64) (string, error)
	GetParent(ctx context.Context, name string) (int64, error)

	// GetNode and GetNodeByID load a node together with its attribute
	// bag.
	GetNode(ctx context.Context, name string) (*Node, *Bag, error)
	GetNodeByID(ctx context.Context, id int64) (*Node, *Bag, error)

	// Children returns the direct children ordered by their order
	// field, ties broken by case-insensitive name.
	Children(ctx context.Context, name string) ([]*Node, error)
	CountChildren(ctx context.Context, name string) (int, error)

	// UpdateData replaces the node's attributes wholesale. Drivers
	// perform the read-modify-write atomically with respect to other
	// UpdateData calls on the same node.
	UpdateData(ctx context.Context, name string, attrs []Attribute) error

	// GetByAttributes returns the ids of the nodes under startParent
	// ("" means the whole forest) whose attribute triples satisfy the
	// criteria. With recursive false only direct children of
	// startParent are considered.
	GetByAttributes(ctx context.Context, c *Criteria, startParent string, recursive bool) ([]int64, error)
}

// ParentName returns the path name of the node's parent, or the empty
// string for a top-level node.
func ParentName(name string) string {
	if i := strings.LastIndex(name, Separator); i >= 0 {
		return name[:i]
	}
	return ""
}

// Parents returns the names of all ancestors of the given path,
// root-most last: Parents("a:b:c") is ["a:b", "a"].
func Parents(name string) []string {
	var parents []string
	for p := ParentName(name); p != ""; p = ParentName(p) {
		parents = append(parents, p)
	}
	return parents
}

// IsAncestor reports whether ancestor lies on the path from the root
// to name, name itself excluded.
func IsAncestor(ancestor, name string) bool {
	return strings.HasPrefix(name, ancestor+Separator)
}

// Kind selects the concrete type a node materializes as. The set is
// closed: every kind registers its factory at package init time.
type Kind int

const (
	// KindGeneric materializes a plain node plus its bag.
	KindGeneric Kind = iota
	// KindShare materializes a share; the factory lives in pkg/share.
	KindShare
)

// Object is a materialized node of some kind.
type Object interface {
	Node() *Node
}

// Factory builds an Object of one kind from a loaded node and bag.
type Factory func(n *Node, b *Bag) Object

var factories = map[Kind]Factory{}

func init() {
	RegisterKind(KindGeneric, func(n *Node, b *Bag) Object {
		return &GenericObject{node: n, Data: b}
	})
}

// RegisterKind registers the factory for a kind.
// Not safe for concurrent use. Safe for use from package init.
func RegisterKind(k Kind, f Factory) {
	factories[k] = f
}

// GenericObject is the materialization of KindGeneric.
type GenericObject struct {
	node *Node
	Data *Bag
}

// Node returns the underlying node.
func (o *GenericObject) Node() *Node { return o.node }

// GetObject loads the named node from the store and materializes it as
// the given kind.
func GetObject(ctx context.Context, s Store, name string, k Kind) (Object, error) {
	n, b, err := s.GetNode(ctx, name)
	if err != nil {
		return nil, err
	}
	return newObject(k, n, b)
}

// GetObjectByID is like GetObject but addresses the node by id.
func GetObjectByID(ctx context.Context, s Store, id int64, k Kind) (Object, error) {
	n, b, err := s.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return newObject(k, n, b)
}

// GetObjects loads and materializes a batch of nodes by id, preserving
// the order of the ids.
func GetObjects(ctx context.Context, s Store, ids []int64, k Kind) ([]Object, error) {
	objects := make([]Object, 0, len(ids))
	for _, id := range ids {
		o, err := GetObjectByID(ctx, s, id, k)
		if err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, nil
}

func newObject(k Kind, n *Node, b *Bag) (Object, error) {
	f, ok := factories[k]
	if !ok {
		return nil, errtypes.BadRequest("datatree: no factory registered for kind")
	}
	return f(n, b), nil
}
