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

// Package static provides a group manager with the memberships
// declared inline in the configuration. Mostly useful for tests and
// small deployments.
package static

import (
	"context"

	"github.com/sharekit/datatree/pkg/group"
	"github.com/sharekit/datatree/pkg/group/manager/registry"
	"github.com/sharekit/datatree/pkg/utils/cfg"
)

func init() {
	registry.Register("static", New)
}

type config struct {
	// Groups maps a group id to the ids of its members.
	Groups map[string][]string `mapstructure:"groups"`
}

type manager struct {
	// memberships maps a user id to the ids of the groups it belongs to.
	memberships map[string][]string
}

// New returns a group manager that serves the memberships found in the
// driver configuration.
func New(m map[string]interface{}) (group.Manager, error) {
	var c config
	if err := cfg.Decode(m, &c); err != nil {
		return nil, err
	}

	memberships := map[string][]string{}
	for gid, members := range c.Groups {
		for _, uid := range members {
			memberships[uid] = append(memberships[uid], gid)
		}
	}
	return &manager{memberships: memberships}, nil
}

func (m *manager) GetMemberships(ctx context.Context, userID string) ([]string, error) {
	return m.memberships[userID], nil
}
