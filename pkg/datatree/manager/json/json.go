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

// Package json provides a datatree store persisted to a single json
// file. Every mutation rewrites the whole file under the store lock,
// so concurrent writers of the same file are last-writer-wins at file
// granularity.
package json

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/datatree/manager/registry"
	"github.com/sharekit/datatree/pkg/errtypes"
	"github.com/sharekit/datatree/pkg/utils/cfg"
)

func init() {
	registry.Register("json", New)
}

type config struct {
	File string `mapstructure:"file"`
}

func (c *config) ApplyDefaults() {
	if c.File == "" {
		c.File = "/var/tmp/datatree/nodes.json"
	}
}

// New returns a store that keeps the forest in a json file.
func New(m map[string]interface{}) (datatree.Store, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "json: error creating a new store")
	}

	model, err := loadOrCreate(c.File)
	if err != nil {
		return nil, errors.Wrap(err, "json: error loading the nodes file")
	}

	mgr := &mgr{c: &c, model: model}
	mgr.reindex()
	return mgr, nil
}

type node struct {
	ID         int64                `json:"id"`
	Name       string               `json:"name"`
	ParentID   int64                `json:"parent_id"`
	Order      int                  `json:"order"`
	Attributes []datatree.Attribute `json:"attributes,omitempty"`
}

type model struct {
	file   string
	NextID int64   `json:"next_id"`
	Nodes  []*node `json:"nodes"`
}

func loadOrCreate(file string) (*model, error) {
	info, err := os.Stat(file)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return nil, errors.Wrap(err, "error creating the directory of: "+file)
		}
		if err := os.WriteFile(file, []byte("{}"), 0o600); err != nil {
			return nil, errors.Wrap(err, "error creating the file: "+file)
		}
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "error reading the file: "+file)
	}

	m := &model{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "error decoding data from json")
	}
	m.file = file
	return m, nil
}

func (m *model) save() error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "error encoding to json")
	}
	if err := os.WriteFile(m.file, data, 0o600); err != nil {
		return errors.Wrap(err, "error writing to file: "+m.file)
	}
	return nil
}

type mgr struct {
	sync.Mutex
	c      *config
	model  *model
	byName map[string]*node
	byID   map[int64]*node
}

// reindex rebuilds the lookup maps from the model. Callers hold the
// lock (or run before the store is shared).
func (m *mgr) reindex() {
	m.byName = map[string]*node{}
	m.byID = map[int64]*node{}
	for _, n := range m.model.Nodes {
		m.byName[n.Name] = n
		m.byID[n.ID] = n
	}
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

	parentID := datatree.RootID
	if parent := datatree.ParentName(name); parent != "" {
		p, ok := m.byName[parent]
		if !ok {
			return 0, errtypes.NotFound(parent)
		}
		parentID = p.ID
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

	m.model.NextID++
	n := &node{
		ID:         m.model.NextID,
		Name:       name,
		ParentID:   parentID,
		Order:      order,
		Attributes: append([]datatree.Attribute(nil), attrs...),
	}
	m.model.Nodes = append(m.model.Nodes, n)
	m.byName[name] = n
	m.byID[n.ID] = n

	if err := m.model.save(); err != nil {
		return 0, err
	}
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
		return 0, errtypes.BadRequest("json: node still has children: " + name)
	}

	for _, s := range m.children(n.ParentID) {
		if s.Order > n.Order {
			s.Order--
		}
	}
	for i, e := range m.model.Nodes {
		if e == n {
			m.model.Nodes = append(m.model.Nodes[:i], m.model.Nodes[i+1:]...)
			break
		}
	}
	delete(m.byName, name)
	delete(m.byID, n.ID)

	if err := m.model.save(); err != nil {
		return 0, err
	}
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
	newName := leaf(name)
	if newParent != "" {
		if newParent == name || datatree.IsAncestor(name, newParent) {
			return errtypes.BadRequest("json: cannot move a node under itself: " + name)
		}
		p, ok := m.byName[newParent]
		if !ok {
			return errtypes.NotFound(newParent)
		}
		newParentID = p.ID
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
	return m.model.save()
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
		return errtypes.BadRequest("json: rename may not change the parent: " + newName)
	}
	if _, ok := m.byName[newName]; ok {
		return errtypes.AlreadyExists(newName)
	}
	m.rewritePaths(n, newName)
	return m.model.save()
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
		return "", errtypes.NotFound("json: no node with the given id")
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
	return toNode(n), datatree.FromAttributes(n.Attributes), nil
}

func (m *mgr) GetNodeByID(ctx context.Context, id int64) (*datatree.Node, *datatree.Bag, error) {
	m.Lock()
	defer m.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, nil, errtypes.NotFound("json: no node with the given id")
	}
	return toNode(n), datatree.FromAttributes(n.Attributes), nil
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
		out = append(out, toNode(c))
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
	n.Attributes = append([]datatree.Attribute(nil), attrs...)
	return m.model.save()
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
	for _, n := range m.model.Nodes {
		if !inScope(n, startParent, parentID, recursive) {
			continue
		}
		if c.MatchesNode(n.Attributes) {
			ids = append(ids, n.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func inScope(n *node, startParent string, parentID int64, recursive bool) bool {
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
	for _, n := range m.model.Nodes {
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
	for _, d := range m.model.Nodes {
		if strings.HasPrefix(d.Name, prefix) {
			delete(m.byName, d.Name)
			d.Name = newName + datatree.Separator + strings.TrimPrefix(d.Name, prefix)
			m.byName[d.Name] = d
		}
	}
}

func toNode(n *node) *datatree.Node {
	return &datatree.Node{ID: n.ID, Name: n.Name, ParentID: n.ParentID, Order: n.Order}
}

func leaf(name string) string {
	if i := strings.LastIndex(name, datatree.Separator); i >= 0 {
		return name[i+1:]
	}
	return name
}

func validName(name string) error {
	if name == "" {
		return errtypes.BadRequest("json: empty node name")
	}
	for _, seg := range strings.Split(name, datatree.Separator) {
		if seg == "" {
			return errtypes.BadRequest("json: empty path segment in name: " + name)
		}
	}
	return nil
}
