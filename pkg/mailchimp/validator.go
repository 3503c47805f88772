package mailchimp

import (
	"github.com/go-playground/validator/v10"
)

// EmailValidator decides whether a string is a syntactically valid email
// address.
type EmailValidator interface {
	ValidEmail(email string) bool
}

// EmailValidatorFunc adapts a plain function to EmailValidator.
type EmailValidatorFunc func(email string) bool

func (f EmailValidatorFunc) ValidEmail(email string) bool {
	return f(email)
}

type playgroundValidator struct {
	validate *validator.Validate
}

// NewEmailValidator returns the default validator, backed by the
// go-playground "email" rule.
func NewEmailValidator() EmailValidator {
	return &playgroundValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *playgroundValidator) ValidEmail(email string) bool {
	return v.validate.Var(email, "required,email") == nil
}
