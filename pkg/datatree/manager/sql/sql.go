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

// Package sql provides a datatree store backed by a SQL database:
// mysql in production, sqlite3 in tests. One nodes table holds the
// forest, one attributes table holds the flattened triples. Multi-step
// mutations run inside a transaction so concurrent writers of the same
// node cannot lose each other's attribute updates.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Provides mysql drivers.
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/sharekit/datatree/pkg/appctx"
	"github.com/sharekit/datatree/pkg/datatree"
	"github.com/sharekit/datatree/pkg/datatree/manager/registry"
	"github.com/sharekit/datatree/pkg/errtypes"
	"github.com/sharekit/datatree/pkg/utils/cfg"
)

func init() {
	registry.Register("sql", NewMysql)
}

type config struct {
	DBUsername string `mapstructure:"db_username"`
	DBPassword string `mapstructure:"db_password"`
	DBHost     string `mapstructure:"db_host"`
	DBPort     int    `mapstructure:"db_port"`
	DBName     string `mapstructure:"db_name" validate:"required"`
	// Tree scopes this store to one forest inside the shared tables.
	Tree string `mapstructure:"tree"`
}

func (c *config) ApplyDefaults() {
	if c.DBPort == 0 {
		c.DBPort = 3306
	}
	if c.Tree == "" {
		c.Tree = "default"
	}
}

type mgr struct {
	driver string
	db     *sql.DB
	tree   string
}

// NewMysql returns a new datatree store connected to a mysql database.
func NewMysql(m map[string]interface{}) (datatree.Store, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBName))
	if err != nil {
		return nil, errors.Wrap(err, "sql: error opening the database")
	}

	return New("mysql", db, c.Tree)
}

// New returns a store on the given sql.DB, creating the tables if they
// do not exist yet.
func New(driver string, db *sql.DB, tree string) (datatree.Store, error) {
	if _, ok := schemas[driver]; !ok {
		return nil, errtypes.NotSupported("sql: unsupported driver: " + driver)
	}
	if err := ensureSchema(context.Background(), driver, db); err != nil {
		return nil, errors.Wrap(err, "sql: error creating the schema")
	}
	return &mgr{driver: driver, db: db, tree: tree}, nil
}

type row struct {
	id       int64
	name     string
	parentID int64
	order    int
}

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (m *mgr) nodeByName(ctx context.Context, q querier, name string) (*row, error) {
	var r row
	err := q.QueryRowContext(ctx,
		"SELECT node_id, node_name, parent_id, node_order FROM datatree_nodes WHERE tree_name = ? AND node_name = ?",
		m.tree, name).Scan(&r.id, &r.name, &r.parentID, &r.order)
	if err == sql.ErrNoRows {
		return nil, errtypes.NotFound(name)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *mgr) nodeByID(ctx context.Context, q querier, id int64) (*row, error) {
	var r row
	err := q.QueryRowContext(ctx,
		"SELECT node_id, node_name, parent_id, node_order FROM datatree_nodes WHERE tree_name = ? AND node_id = ?",
		m.tree, id).Scan(&r.id, &r.name, &r.parentID, &r.order)
	if err == sql.ErrNoRows {
		return nil, errtypes.NotFound("sql: no node with the given id")
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// inTx runs f inside a transaction, committing when it returns nil.
func (m *mgr) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sql: error starting a transaction")
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			appctx.GetLogger(ctx).Error().Err(rbErr).Msg("error rolling back transaction")
		}
		return err
	}
	return tx.Commit()
}

func (m *mgr) Add(ctx context.Context, name string, attrs []datatree.Attribute, order int) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}

	var id int64
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := m.nodeByName(ctx, tx, name); err == nil {
			return errtypes.AlreadyExists(name)
		} else if _, ok := err.(errtypes.NotFound); !ok {
			return err
		}

		parentID := datatree.RootID
		if parent := datatree.ParentName(name); parent != "" {
			p, err := m.nodeByName(ctx, tx, parent)
			if err != nil {
				return err
			}
			parentID = p.id
		}

		siblings, err := m.countChildrenOf(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if order < 0 || order > siblings {
			order = siblings
		} else {
			_, err := tx.ExecContext(ctx,
				"UPDATE datatree_nodes SET node_order = node_order + 1 WHERE tree_name = ? AND parent_id = ? AND node_order >= ?",
				m.tree, parentID, order)
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO datatree_nodes (tree_name, node_name, parent_id, node_order) VALUES (?, ?, ?, ?)",
			m.tree, name, parentID, order)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return m.insertAttributes(ctx, tx, id, attrs)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (m *mgr) Remove(ctx context.Context, name string) (int64, error) {
	var id int64
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		n, err := m.nodeByName(ctx, tx, name)
		if err != nil {
			return err
		}
		children, err := m.countChildrenOf(ctx, tx, n.id)
		if err != nil {
			return err
		}
		if children > 0 {
			return errtypes.BadRequest("sql: node still has children: " + name)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM datatree_attributes WHERE node_id = ?", n.id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM datatree_nodes WHERE node_id = ?", n.id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE datatree_nodes SET node_order = node_order - 1 WHERE tree_name = ? AND parent_id = ? AND node_order > ?",
			m.tree, n.parentID, n.order)
		if err != nil {
			return err
		}
		id = n.id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (m *mgr) Move(ctx context.Context, name, newParent string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		n, err := m.nodeByName(ctx, tx, name)
		if err != nil {
			return err
		}

		newParentID := datatree.RootID
		newName := leaf(name)
		if newParent != "" {
			if newParent == name || datatree.IsAncestor(name, newParent) {
				return errtypes.BadRequest("sql: cannot move a node under itself: " + name)
			}
			p, err := m.nodeByName(ctx, tx, newParent)
			if err != nil {
				return err
			}
			newParentID = p.id
			newName = newParent + datatree.Separator + leaf(name)
		}
		if other, err := m.nodeByName(ctx, tx, newName); err == nil && other.id != n.id {
			return errtypes.AlreadyExists(newName)
		} else if err != nil {
			if _, ok := err.(errtypes.NotFound); !ok {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE datatree_nodes SET node_order = node_order - 1 WHERE tree_name = ? AND parent_id = ? AND node_order > ?",
			m.tree, n.parentID, n.order)
		if err != nil {
			return err
		}
		siblings, err := m.countChildrenOf(ctx, tx, newParentID)
		if err != nil {
			return err
		}
		if newParentID == n.parentID {
			// the node itself was just compacted out of the count
			siblings--
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE datatree_nodes SET parent_id = ?, node_order = ? WHERE node_id = ?",
			newParentID, siblings, n.id)
		if err != nil {
			return err
		}
		return m.rewritePaths(ctx, tx, n.name, newName)
	})
}

func (m *mgr) Rename(ctx context.Context, oldName, newName string) error {
	if err := validName(newName); err != nil {
		return err
	}
	if datatree.ParentName(newName) != datatree.ParentName(oldName) {
		return errtypes.BadRequest("sql: rename may not change the parent: " + newName)
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := m.nodeByName(ctx, tx, oldName); err != nil {
			return err
		}
		if _, err := m.nodeByName(ctx, tx, newName); err == nil {
			return errtypes.AlreadyExists(newName)
		} else if _, ok := err.(errtypes.NotFound); !ok {
			return err
		}
		return m.rewritePaths(ctx, tx, oldName, newName)
	})
}

// rewritePaths renames a node and the path prefix of its descendants.
func (m *mgr) rewritePaths(ctx context.Context, tx *sql.Tx, oldName, newName string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE datatree_nodes SET node_name = ? WHERE tree_name = ? AND node_name = ?",
		newName, m.tree, oldName); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT node_id, node_name FROM datatree_nodes WHERE tree_name = ? AND node_name LIKE ? ESCAPE '#'`,
		m.tree, likePrefix(oldName))
	if err != nil {
		return err
	}
	defer rows.Close()

	type rename struct {
		id   int64
		name string
	}
	var renames []rename
	prefix := oldName + datatree.Separator
	for rows.Next() {
		var r rename
		if err := rows.Scan(&r.id, &r.name); err != nil {
			return err
		}
		r.name = newName + datatree.Separator + strings.TrimPrefix(r.name, prefix)
		renames = append(renames, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range renames {
		if _, err := tx.ExecContext(ctx,
			"UPDATE datatree_nodes SET node_name = ? WHERE node_id = ?", r.name, r.id); err != nil {
			return err
		}
	}
	return nil
}

func (m *mgr) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.nodeByName(ctx, m.db, name)
	if err != nil {
		if _, ok := err.(errtypes.NotFound); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *mgr) GetID(ctx context.Context, name string) (int64, error) {
	n, err := m.nodeByName(ctx, m.db, name)
	if err != nil {
		return 0, err
	}
	return n.id, nil
}

func (m *mgr) GetName(ctx context.Context, id int64) (string, error) {
	n, err := m.nodeByID(ctx, m.db, id)
	if err != nil {
		return "", err
	}
	return n.name, nil
}

func (m *mgr) GetParent(ctx context.Context, name string) (int64, error) {
	n, err := m.nodeByName(ctx, m.db, name)
	if err != nil {
		return 0, err
	}
	return n.parentID, nil
}

func (m *mgr) GetNode(ctx context.Context, name string) (*datatree.Node, *datatree.Bag, error) {
	n, err := m.nodeByName(ctx, m.db, name)
	if err != nil {
		return nil, nil, err
	}
	return m.withAttributes(ctx, n)
}

func (m *mgr) GetNodeByID(ctx context.Context, id int64) (*datatree.Node, *datatree.Bag, error) {
	n, err := m.nodeByID(ctx, m.db, id)
	if err != nil {
		return nil, nil, err
	}
	return m.withAttributes(ctx, n)
}

func (m *mgr) withAttributes(ctx context.Context, n *row) (*datatree.Node, *datatree.Bag, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT attr_name, attr_key, attr_value FROM datatree_attributes WHERE node_id = ?", n.id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var attrs []datatree.Attribute
	for rows.Next() {
		var a datatree.Attribute
		if err := rows.Scan(&a.Name, &a.Key, &a.Value); err != nil {
			return nil, nil, err
		}
		attrs = append(attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return &datatree.Node{ID: n.id, Name: n.name, ParentID: n.parentID, Order: n.order},
		datatree.FromAttributes(attrs), nil
}

func (m *mgr) Children(ctx context.Context, name string) ([]*datatree.Node, error) {
	parentID := datatree.RootID
	if name != "" {
		n, err := m.nodeByName(ctx, m.db, name)
		if err != nil {
			return nil, err
		}
		parentID = n.id
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT node_id, node_name, parent_id, node_order FROM datatree_nodes WHERE tree_name = ? AND parent_id = ? ORDER BY node_order, LOWER(node_name)",
		m.tree, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []*datatree.Node
	for rows.Next() {
		n := &datatree.Node{}
		if err := rows.Scan(&n.ID, &n.Name, &n.ParentID, &n.Order); err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	return children, rows.Err()
}

func (m *mgr) CountChildren(ctx context.Context, name string) (int, error) {
	parentID := datatree.RootID
	if name != "" {
		n, err := m.nodeByName(ctx, m.db, name)
		if err != nil {
			return 0, err
		}
		parentID = n.id
	}
	return m.countChildrenOf(ctx, m.db, parentID)
}

func (m *mgr) countChildrenOf(ctx context.Context, q querier, parentID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM datatree_nodes WHERE tree_name = ? AND parent_id = ?",
		m.tree, parentID).Scan(&count)
	return count, err
}

func (m *mgr) UpdateData(ctx context.Context, name string, attrs []datatree.Attribute) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		n, err := m.nodeByName(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM datatree_attributes WHERE node_id = ?", n.id); err != nil {
			return err
		}
		return m.insertAttributes(ctx, tx, n.id, attrs)
	})
}

func (m *mgr) insertAttributes(ctx context.Context, tx *sql.Tx, id int64, attrs []datatree.Attribute) error {
	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO datatree_attributes (node_id, attr_name, attr_key, attr_value) VALUES (?, ?, ?, ?)",
			id, a.Name, a.Key, a.Value); err != nil {
			return err
		}
	}
	return nil
}

func (m *mgr) GetByAttributes(ctx context.Context, c *datatree.Criteria, startParent string, recursive bool) ([]int64, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	query := "SELECT DISTINCT n.node_id FROM datatree_nodes n JOIN datatree_attributes a ON a.node_id = n.node_id WHERE n.tree_name = ?"
	params := []interface{}{m.tree}

	switch {
	case startParent == "" && recursive:
		// whole forest
	case startParent == "":
		query += " AND n.parent_id = ?"
		params = append(params, datatree.RootID)
	default:
		p, err := m.nodeByName(ctx, m.db, startParent)
		if err != nil {
			return nil, err
		}
		if recursive {
			query += ` AND n.node_name LIKE ? ESCAPE '#'`
			params = append(params, likePrefix(startParent))
		} else {
			query += " AND n.parent_id = ?"
			params = append(params, p.id)
		}
	}

	fragment, fragmentParams, err := translateCriteria(m.driver, c)
	if err != nil {
		return nil, err
	}
	query += " AND " + fragment + " ORDER BY n.node_id"
	params = append(params, fragmentParams...)

	rows, err := m.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func leaf(name string) string {
	if i := strings.LastIndex(name, datatree.Separator); i >= 0 {
		return name[i+1:]
	}
	return name
}

func validName(name string) error {
	if name == "" {
		return errtypes.BadRequest("sql: empty node name")
	}
	for _, seg := range strings.Split(name, datatree.Separator) {
		if seg == "" {
			return errtypes.BadRequest("sql: empty path segment in name: " + name)
		}
	}
	return nil
}
