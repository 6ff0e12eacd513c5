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
	"strconv"

	"github.com/sharekit/datatree/pkg/errtypes"
)

// Field selects which part of an attribute triple a match inspects.
type Field int

// The triple fields.
const (
	FieldName Field = iota
	FieldKey
	FieldValue
)

// Op is the comparison a match performs.
type Op int

const (
	// OpEqual is string equality.
	OpEqual Op = iota
	// OpMask is the bitwise permission test: the field parsed as an
	// integer ANDed with the mask must be non-zero.
	OpMask
	// OpIn is set membership.
	OpIn
)

// Match is a leaf predicate on a single attribute triple.
type Match struct {
	Field  Field
	Op     Op
	Value  string   // OpEqual operand
	Values []string // OpIn operand
	Mask   int      // OpMask operand
}

// Criteria is a boolean tree over leaf matches. A node matches the
// tree when at least one of its attribute triples satisfies it, so an
// All group constrains the fields of one and the same triple.
// Exactly one of All, Any and Match must be set.
type Criteria struct {
	All   []*Criteria
	Any   []*Criteria
	Match *Match
}

// And returns the conjunction of the given criteria.
func And(cs ...*Criteria) *Criteria { return &Criteria{All: cs} }

// Or returns the disjunction of the given criteria.
func Or(cs ...*Criteria) *Criteria { return &Criteria{Any: cs} }

// Eq returns an equality leaf.
func Eq(f Field, value string) *Criteria {
	return &Criteria{Match: &Match{Field: f, Op: OpEqual, Value: value}}
}

// MaskSet returns a permission-test leaf.
func MaskSet(f Field, mask int) *Criteria {
	return &Criteria{Match: &Match{Field: f, Op: OpMask, Mask: mask}}
}

// In returns a set-membership leaf.
func In(f Field, values ...string) *Criteria {
	return &Criteria{Match: &Match{Field: f, Op: OpIn, Values: values}}
}

// Validate checks the shape of the tree.
func (c *Criteria) Validate() error {
	if c == nil {
		return errtypes.BadRequest("datatree: nil criteria")
	}
	set := 0
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if c.Match != nil {
		set++
	}
	if set != 1 {
		return errtypes.BadRequest("datatree: criteria must be exactly one of all, any or match")
	}
	for _, sub := range c.All {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range c.Any {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if m := c.Match; m != nil {
		switch m.Op {
		case OpEqual:
		case OpMask:
			if m.Mask == 0 {
				return errtypes.BadRequest("datatree: mask match without bits")
			}
		case OpIn:
			if len(m.Values) == 0 {
				return errtypes.BadRequest("datatree: in match without values")
			}
		default:
			return errtypes.BadRequest("datatree: unknown match op")
		}
	}
	return nil
}

// MatchesTriple evaluates the tree against a single attribute triple.
func (c *Criteria) MatchesTriple(a Attribute) bool {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !sub.MatchesTriple(a) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if sub.MatchesTriple(a) {
				return true
			}
		}
		return false
	case c.Match != nil:
		return c.Match.matches(a)
	}
	return false
}

// MatchesNode reports whether any of the node's triples satisfies the
// tree. Drivers without a query language evaluate criteria with this.
func (c *Criteria) MatchesNode(attrs []Attribute) bool {
	for _, a := range attrs {
		if c.MatchesTriple(a) {
			return true
		}
	}
	return false
}

func (m *Match) matches(a Attribute) bool {
	var field string
	switch m.Field {
	case FieldName:
		field = a.Name
	case FieldKey:
		field = a.Key
	case FieldValue:
		field = a.Value
	}

	switch m.Op {
	case OpEqual:
		return field == m.Value
	case OpMask:
		v, err := strconv.Atoi(field)
		if err != nil {
			return false
		}
		return v&m.Mask != 0
	case OpIn:
		for _, v := range m.Values {
			if field == v {
				return true
			}
		}
	}
	return false
}
