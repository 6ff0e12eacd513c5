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

// Package cfg decodes the free-form map configuration of a store or
// group driver into its typed config struct.
package cfg

import (
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Setter is the interface a config struct may implement
// to fill in default values after decoding.
type Setter interface {
	ApplyDefaults()
}

var validate = validator.New()

// Decode decodes the given raw configuration into the target config
// struct, applies defaults if the struct implements the Setter
// interface and validates the `validate` tags.
func Decode(input map[string]interface{}, c interface{}) error {
	if err := mapstructure.Decode(input, c); err != nil {
		return errors.Wrap(err, "cfg: error decoding configuration")
	}
	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "cfg: invalid configuration")
	}
	return nil
}
