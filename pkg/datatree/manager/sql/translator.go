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

package sql

import (
	"fmt"
	"strings"

	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/errtypes"
)

// translateCriteria turns a validated criteria tree into a WHERE
// fragment over the joined attributes table, plus its parameters.
func translateCriteria(driver string, c *datatree.Criteria) (string, []interface{}, error) {
	switch {
	case len(c.All) > 0:
		return translateGroup(driver, c.All, " AND ")
	case len(c.Any) > 0:
		return translateGroup(driver, c.Any, " OR ")
	case c.Match != nil:
		return translateMatch(driver, c.Match)
	}
	return "", nil, errtypes.BadRequest("sql: empty criteria")
}

func translateGroup(driver string, subs []*datatree.Criteria, sep string) (string, []interface{}, error) {
	fragments := make([]string, 0, len(subs))
	var params []interface{}
	for _, sub := range subs {
		f, p, err := translateCriteria(driver, sub)
		if err != nil {
			return "", nil, err
		}
		fragments = append(fragments, f)
		params = append(params, p...)
	}
	return "(" + strings.Join(fragments, sep) + ")", params, nil
}

func translateMatch(driver string, m *datatree.Match) (string, []interface{}, error) {
	col, err := column(m.Field)
	if err != nil {
		return "", nil, err
	}

	switch m.Op {
	case datatree.OpEqual:
		return col + " = ?", []interface{}{m.Value}, nil
	case datatree.OpMask:
		// the cast keyword differs between the dialects
		intType := "SIGNED"
		if driver == "sqlite3" {
			intType = "INTEGER"
		}
		return fmt.Sprintf("(CAST(%s AS %s) & ?) > 0", col, intType), []interface{}{m.Mask}, nil
	case datatree.OpIn:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(m.Values)), ",")
		params := make([]interface{}, 0, len(m.Values))
		for _, v := range m.Values {
			params = append(params, v)
		}
		return col + " IN (" + placeholders + ")", params, nil
	}
	return "", nil, errtypes.BadRequest("sql: unknown match op")
}

func column(f datatree.Field) (string, error) {
	switch f {
	case datatree.FieldName:
		return "a.attr_name", nil
	case datatree.FieldKey:
		return "a.attr_key", nil
	case datatree.FieldValue:
		return "a.attr_value", nil
	}
	return "", errtypes.BadRequest("sql: unknown match field")
}

// likePrefix escapes name for use as `LIKE ? ESCAPE '#'` and appends
// the subtree wildcard. The '#' escape char is used because a literal
// backslash inside a string is a dialect minefield.
func likePrefix(name string) string {
	r := strings.NewReplacer(`#`, `##`, `%`, `#%`, `_`, `#_`)
	return r.Replace(name+datatree.Separator) + "%"
}
