package repositories

import (
	"github.com/go-playground/validator/v10"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Stored rules must carry patterns the engine can compile.
	_ = validate.RegisterValidation("rulepattern", func(fl validator.FieldLevel) bool {
		return models.ParsePattern(fl.Field().String()).Kind != models.PatternInvalid
	})
}

// ValidateRule checks a rule definition before it is stored.
func ValidateRule(rule *models.DataAccessRule) error {
	if rule == nil {
		return errors.New(errors.CodeInvalidRule, "rule is nil")
	}
	if err := validate.Struct(rule); err != nil {
		return errors.Wrap(err, errors.CodeInvalidRule, "invalid data access rule").
			WithDetail("rule_id", rule.ID)
	}
	return nil
}

// ValidateRole checks a role definition before it is stored.
func ValidateRole(role Role) error {
	if err := validate.Struct(role); err != nil {
		return errors.Wrap(err, errors.CodeInvalidRequest, "invalid role").
			WithDetail("role", role.Name)
	}
	return nil
}
