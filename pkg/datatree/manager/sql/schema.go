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
	"context"
	"database/sql"
)

var schemas = map[string][]string{
	"mysql": {
		`CREATE TABLE IF NOT EXISTS datatree_nodes (
			node_id BIGINT NOT NULL AUTO_INCREMENT,
			tree_name VARCHAR(64) NOT NULL,
			node_name VARCHAR(255) NOT NULL,
			parent_id BIGINT NOT NULL,
			node_order INT NOT NULL,
			PRIMARY KEY (node_id),
			UNIQUE KEY uniq_tree_node (tree_name, node_name),
			KEY idx_tree_parent (tree_name, parent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS datatree_attributes (
			node_id BIGINT NOT NULL,
			attr_name VARCHAR(255) NOT NULL,
			attr_key VARCHAR(255) NOT NULL DEFAULT '',
			attr_value TEXT,
			KEY idx_attr_node (node_id),
			KEY idx_attr_name (attr_name)
		)`,
	},
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS datatree_nodes (
			node_id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_name TEXT NOT NULL,
			node_name TEXT NOT NULL,
			parent_id INTEGER NOT NULL,
			node_order INTEGER NOT NULL,
			UNIQUE (tree_name, node_name)
		)`,
		`CREATE TABLE IF NOT EXISTS datatree_attributes (
			node_id INTEGER NOT NULL,
			attr_name TEXT NOT NULL,
			attr_key TEXT NOT NULL DEFAULT '',
			attr_value TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attr_node ON datatree_attributes (node_id)`,
	},
}

func ensureSchema(ctx context.Context, driver string, db *sql.DB) error {
	for _, stmt := range schemas[driver] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
