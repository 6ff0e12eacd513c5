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

// Package json provides a group manager that reads the group
// memberships from a json file.
package json

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/sharekit/datatree/pkg/group"
	"github.com/sharekit/datatree/pkg/group/manager/registry"
	"github.com/sharekit/datatree/pkg/utils/cfg"
)

func init() {
	registry.Register("json", New)
}

type config struct {
	// Groups holds a path to a file containing json conforming to []Group.
	Groups string `mapstructure:"groups" validate:"required"`
}

// Group is the on-disk representation of one group.
type Group struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

type manager struct {
	groups []*Group
}

// New returns a group manager implementation that reads a json file to
// provide group memberships.
func New(m map[string]interface{}) (group.Manager, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}

	f, err := os.ReadFile(c.Groups)
	if err != nil {
		return nil, errors.Wrap(err, "json: error reading the groups file")
	}

	groups := []*Group{}
	if err := json.Unmarshal(f, &groups); err != nil {
		return nil, errors.Wrap(err, "json: error decoding the groups file")
	}

	return &manager{groups: groups}, nil
}

func (m *manager) GetMemberships(ctx context.Context, userID string) ([]string, error) {
	var gids []string
	for _, g := range m.groups {
		for _, member := range g.Members {
			if member == userID {
				gids = append(gids, g.ID)
				break
			}
		}
	}
	return gids, nil
}
