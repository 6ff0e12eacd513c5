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

package datatree

import (
	"sort"
	"strings"
)

// Attribute is the flattened persistence unit of one scalar field or
// one map entry of a node's bag. Scalar fields carry an empty key.
type Attribute struct {
	Name  string
	Key   string
	Value string
}

// PermPrefix marks the attribute names that belong to the nested
// permission map of a bag.
const PermPrefix = "perm_"

// Bag is a node's attribute data: plain scalar fields plus the nested
// permission grants, kept apart because they flatten differently.
type Bag struct {
	// Scalars maps a field name to its value.
	Scalars map[string]string
	// Perms maps a map-valued permission type ("userid", "groupid") to
	// its grantee -> value entries.
	Perms map[string]map[string]string
	// PermScalars maps a scalar-valued permission type ("creator",
	// "default", "guest") to its value.
	PermScalars map[string]string
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{
		Scalars:     map[string]string{},
		Perms:       map[string]map[string]string{},
		PermScalars: map[string]string{},
	}
}

// ToAttributes flattens a bag into attribute triples. The order of the
// result is deterministic but carries no meaning.
func ToAttributes(b *Bag) []Attribute {
	var attrs []Attribute
	for field, value := range b.Scalars {
		attrs = append(attrs, Attribute{Name: field, Value: value})
	}
	for ptype, grants := range b.Perms {
		for grantee, value := range grants {
			attrs = append(attrs, Attribute{Name: PermPrefix + ptype, Key: grantee, Value: value})
		}
	}
	for ptype, value := range b.PermScalars {
		attrs = append(attrs, Attribute{Name: PermPrefix + ptype, Value: value})
	}
	sort.Slice(attrs, func(i, j int) bool {
		if attrs[i].Name != attrs[j].Name {
			return attrs[i].Name < attrs[j].Name
		}
		return attrs[i].Key < attrs[j].Key
	})
	return attrs
}

// FromAttributes is the inverse of ToAttributes. Triple order is
// irrelevant: FromAttributes(ToAttributes(b)) reconstructs b.
func FromAttributes(attrs []Attribute) *Bag {
	b := NewBag()
	for _, a := range attrs {
		if strings.HasPrefix(a.Name, PermPrefix) {
			ptype := strings.TrimPrefix(a.Name, PermPrefix)
			if a.Key == "" {
				b.PermScalars[ptype] = a.Value
				continue
			}
			if b.Perms[ptype] == nil {
				b.Perms[ptype] = map[string]string{}
			}
			b.Perms[ptype][a.Key] = a.Value
			continue
		}
		b.Scalars[a.Name] = a.Value
	}
	return b
}
