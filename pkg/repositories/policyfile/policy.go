// Package policyfile loads access policies from YAML files.
package policyfile

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
)

// Policy is the file form of a complete access policy. Role-scoped rules
// name their role in subject.
type Policy struct {
	Roles []repositories.Role     `yaml:"roles"`
	Users []User                  `yaml:"users"`
	Rules []models.DataAccessRule `yaml:"rules"`
}

// User binds a user id to role names.
type User struct {
	ID    string   `yaml:"id" validate:"required"`
	Roles []string `yaml:"roles" validate:"dive,required"`
}

// Load reads and validates the policy file at path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidRequest, "failed to read policy file %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy. Unknown keys are rejected.
// Rules without an id get a random one.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "failed to parse policy")
	}

	for i := range p.Rules {
		if p.Rules[i].ID == "" {
			p.Rules[i].ID = uuid.NewString()
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every definition and the references between them.
func (p *Policy) Validate() error {
	roles := make(map[string]struct{}, len(p.Roles))
	for _, role := range p.Roles {
		if err := repositories.ValidateRole(role); err != nil {
			return err
		}
		if _, dup := roles[role.Name]; dup {
			return errors.Newf(errors.CodeInvalidRequest, "role %q defined twice", role.Name)
		}
		roles[role.Name] = struct{}{}
	}

	for _, user := range p.Users {
		if user.ID == "" {
			return errors.New(errors.CodeInvalidRequest, "user id is required")
		}
		for _, name := range user.Roles {
			if _, ok := roles[name]; !ok {
				return errors.Newf(errors.CodeInvalidRequest, "user %q has unknown role %q", user.ID, name)
			}
		}
	}

	ids := make(map[string]struct{}, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if err := repositories.ValidateRule(rule); err != nil {
			return err
		}
		if _, dup := ids[rule.ID]; dup {
			return errors.Newf(errors.CodeInvalidRule, "rule id %q used twice", rule.ID)
		}
		ids[rule.ID] = struct{}{}
		if rule.Scope == models.ScopeRole {
			if _, ok := roles[rule.SubjectID]; !ok {
				return errors.Newf(errors.CodeInvalidRule, "rule %q references unknown role %q", rule.ID, rule.SubjectID)
			}
		}
	}
	return nil
}

// ApplyTo writes the policy into w: roles first, then assignments, then rules.
func (p *Policy) ApplyTo(ctx context.Context, w repositories.PolicyWriter) error {
	for _, role := range p.Roles {
		if _, err := w.CreateRole(ctx, role); err != nil {
			return err
		}
	}
	for _, user := range p.Users {
		for _, name := range user.Roles {
			if err := w.AssignRole(ctx, user.ID, name); err != nil {
				return err
			}
		}
	}
	for i := range p.Rules {
		rule := p.Rules[i]
		if err := w.SaveRule(ctx, &rule); err != nil {
			return err
		}
	}
	return nil
}
