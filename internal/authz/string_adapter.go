// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package authz

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
)

// stringAdapter is a read-only Casbin adapter that loads policy rules
// from an in-memory CSV string instead of a file path, so the default
// policy can ship embedded in the binary.
type stringAdapter struct {
	policy string
}

func newStringAdapter(policy string) *stringAdapter {
	return &stringAdapter{policy: policy}
}

func (a *stringAdapter) LoadPolicy(m model.Model) error {
	for _, line := range strings.Split(a.policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		persist.LoadPolicyLine(line, m)
	}
	return nil
}

func (a *stringAdapter) SavePolicy(m model.Model) error {
	return fmt.Errorf("authz: embedded policy adapter is read-only")
}

func (a *stringAdapter) AddPolicy(sec, ptype string, rule []string) error {
	return fmt.Errorf("authz: embedded policy adapter is read-only")
}

func (a *stringAdapter) RemovePolicy(sec, ptype string, rule []string) error {
	return fmt.Errorf("authz: embedded policy adapter is read-only")
}

func (a *stringAdapter) RemoveFilteredPolicy(sec, ptype string, fieldIndex int, fieldValues ...string) error {
	return fmt.Errorf("authz: embedded policy adapter is read-only")
}

var _ persist.Adapter = (*stringAdapter)(nil)
