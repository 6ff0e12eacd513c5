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

// Package memory provides an in-memory datatree store. Nothing is
// persisted; each instance holds its own forest.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/datatree/manager/registry"
	"github.com/sharekit/datatree/pkg/errtypes"
)

func init() {
	registry.Register("memory", New)
}

// New returns a new in-memory store. The configuration is unused.
func New(m map[string]interface{}) (datatree.Store, error) {
	return &mgr{
		byName: map[string]*node{},
		byID:   map[int64]*node{},
	}, nil
}

type node struct {
	datatree.Node
	attrs []datatree.Attribute
}

type mgr struct {
	sync.Mutex
	nextID int64
	byName map[string]*node
	byID   map[int64]*node
}

func (m *mgr) Add(ctx context.Context, name string, attrs []datatree.Attribute, order int) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}

	m.Lock()
	defer m.Unlock()

	if _, ok := m.byName[name]; ok {
		return 0, errtypes.AlreadyExists(name)
	}
	parentID, err := m.parentID(name)
	if err != nil {
		return 0, err
	}

	siblings := m.children(parentID)
	if order < 0 || order > len(siblings) {
		order = len(siblings)
	} else {
		for _, s := range siblings {
			if s.Order >= order {
				s.Order++
			}
		}
	}

	m.nextID++
	n := &node{
		Node: datatree.Node{
			ID:       m.nextID,
			Name:     name,
			ParentID: parentID,
			Order:    order,
		},
		attrs: append([]datatree.Attribute(nil), attrs...),
	}
	m.byName[name] = n
	m.byID[n.ID] = n
	return n.ID, nil
}

func (m *mgr) Remove(ctx context.Context, name string) (int64, error) {
	m.Lock()
	defer m.Unlock()

	n, ok := m.byName[name]
	if !ok {
		return 0, errtypes.NotFound(name)
	}
	if len(m.children(n.ID)) > 0 {
		return 0, errtypes.BadRequest("memory: node still has children: " + name)
	}

	for _, s := range m.children(n.ParentID) {
		if s.Order > n.Order {
			s.Order--
		}
	}
	delete(m.byName, name)
	delete(m.byID, n.ID)
	return n.ID, nil
}

func (m *mgr) Move(ctx context.Context, name, newParent string) error {
	m.Lock()
	defer m.Unlock()

	n, ok := m.byName[name]
	if !ok {
		return errtypes.NotFound(name)
	}

	newParentID := datatree.RootID
	if newParent != "" {
		if newParent == name || datatree.IsAncestor(name, newParent) {
			return errtypes.BadRequest("memory: cannot move a node under itself: " + name)
		}
		p, ok := m.byName[newParent]
		if !ok {
			return errtypes.NotFound(newParent)
		}
		newParentID = p.ID
	}

	newName := leaf(name)
	if newParent != "" {
		newName = newParent + datatree.Separator + leaf(name)
	}
	if other, ok := m.byName[newName]; ok && other != n {
		return errtypes.AlreadyExists(newName)
	}

	for _, s := range m.children(n.ParentID) {
		if s.Order > n.Order {
			s.Order--
		}
	}
	siblings := len(m.children(newParentID))
	if newParentID == n.ParentID {
		// the node itself was just compacted out of the count
		siblings--
	}
	n.ParentID = newParentID
	n.Order = siblings
	m.rewritePaths(n, newName)
	return nil
}

func (m *mgr) Rename(ctx context.Context, oldName, newName string) error {
	if err := validName(newName); err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	n, ok := m.byName[oldName]
	if !ok {
		return errtypes.NotFound(oldName)
	}
	if datatree.ParentName(newName) != datatree.ParentName(oldName) {
		return errtypes.BadRequest("memory: rename may not change the parent: " + newName)
	}
	if _, ok := m.byName[newName]; ok {
		return errtypes.AlreadyExists(newName)
	}
	m.rewritePaths(n, newName)
	return nil
}

func (m *mgr) Exists(ctx context.Context, name string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	_, ok := m.byName[name]
	return ok, nil
}

func (m *mgr) GetID(ctx context.Context, name string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byName[name]
	if !ok {
		return 0, errtypes.NotFound(name)
	}
	return n.ID, nil
}

func (m *mgr) GetName(ctx context.Context, id int64) (string, error) {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return "", errtypes.NotFound("memory: no node with the given id")
	}
	return n.Name, nil
}

func (m *mgr) GetParent(ctx context.Context, name string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byName[name]
	if !ok {
		return 0, errtypes.NotFound(name)
	}
	return n.ParentID, nil
}

func (m *mgr) GetNode(ctx context.Context, name string) (*datatree.Node, *datatree.Bag, error) {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byName[name]
	if !ok {
		return nil, nil, errtypes.NotFound(name)
	}
	return copyNode(n), datatree.FromAttributes(n.attrs), nil
}

func (m *mgr) GetNodeByID(ctx context.Context, id int64) (*datatree.Node, *datatree.Bag, error) {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, nil, errtypes.NotFound("memory: no node with the given id")
	}
	return copyNode(n), datatree.FromAttributes(n.attrs), nil
}

func (m *mgr) Children(ctx context.Context, name string) ([]*datatree.Node, error) {
	m.Lock()
	defer m.Unlock()

	id := datatree.RootID
	if name != "" {
		n, ok := m.byName[name]
		if !ok {
			return nil, errtypes.NotFound(name)
		}
		id = n.ID
	}
	children := m.children(id)
	out := make([]*datatree.Node, 0, len(children))
	for _, c := range children {
		out = append(out, copyNode(c))
	}
	return out, nil
}

func (m *mgr) CountChildren(ctx context.Context, name string) (int, error) {
	children, err := m.Children(ctx, name)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

func (m *mgr) UpdateData(ctx context.Context, name string, attrs []datatree.Attribute) error {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byName[name]
	if !ok {
		return errtypes.NotFound(name)
	}
	n.attrs = append([]datatree.Attribute(nil), attrs...)
	return nil
}

func (m *mgr) GetByAttributes(ctx context.Context, c *datatree.Criteria, startParent string, recursive bool) ([]int64, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	parentID := datatree.RootID
	if startParent != "" {
		p, ok := m.byName[startParent]
		if !ok {
			return nil, errtypes.NotFound(startParent)
		}
		parentID = p.ID
	}

	var ids []int64
	for _, n := range m.byID {
		if !m.inScope(n, startParent, parentID, recursive) {
			continue
		}
		if c.MatchesNode(n.attrs) {
			ids = append(ids, n.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mgr) inScope(n *node, startParent string, parentID int64, recursive bool) bool {
	if !recursive {
		return n.ParentID == parentID
	}
	if startParent == "" {
		return true
	}
	return datatree.IsAncestor(startParent, n.Name)
}

// children returns the direct children of the given id sorted by
// order, ties broken by case-insensitive name. Callers hold the lock.
func (m *mgr) children(parentID int64) []*node {
	var children []*node
	for _, n := range m.byID {
		if n.ParentID == parentID {
			children = append(children, n)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].Order != children[j].Order {
			return children[i].Order < children[j].Order
		}
		return strings.ToLower(children[i].Name) < strings.ToLower(children[j].Name)
	})
	return children
}

// rewritePaths renames n and updates the path prefix of all its
// descendants. Callers hold the lock.
func (m *mgr) rewritePaths(n *node, newName string) {
	oldName := n.Name
	delete(m.byName, oldName)
	n.Name = newName
	m.byName[newName] = n

	prefix := oldName + datatree.Separator
	var descendants []*node
	for name, d := range m.byName {
		if strings.HasPrefix(name, prefix) {
			descendants = append(descendants, d)
		}
	}
	for _, d := range descendants {
		delete(m.byName, d.Name)
		d.Name = newName + datatree.Separator + strings.TrimPrefix(d.Name, prefix)
		m.byName[d.Name] = d
	}
}

func (m *mgr) parentID(name string) (int64, error) {
	parent := datatree.ParentName(name)
	if parent == "" {
		return datatree.RootID, nil
	}
	p, ok := m.byName[parent]
	if !ok {
		return 0, errtypes.NotFound(parent)
	}
	return p.ID, nil
}

func copyNode(n *node) *datatree.Node {
	c := n.Node
	return &c
}

func leaf(name string) string {
	if i := strings.LastIndex(name, datatree.Separator); i >= 0 {
		return name[i+1:]
	}
	return name
}

func validName(name string) error {
	if name == "" {
		return errtypes.BadRequest("memory: empty node name")
	}
	for _, seg := range strings.Split(name, datatree.Separator) {
		if seg == "" {
			return errtypes.BadRequest("memory: empty path segment in name: " + name)
		}
	}
	return nil
}
