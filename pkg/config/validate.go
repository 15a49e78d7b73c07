package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterValidation("sizestr", validateSize)
	validate.RegisterValidation("regexpattern", validateRegex)
}

func validateSize(fl validator.FieldLevel) bool {
	_, err := ParseSize(fl.Field().String())
	return err == nil
}

func validateRegex(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// Validator exposes the shared validator so request types outside this package
// are checked with the same rules.
func Validator() *validator.Validate { return validate }

// Validate checks every option. Failures are reported as ErrConfigInvalid listing
// each offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", executor.ErrConfigInvalid, describe(err))
	}
	if _, err := c.HostAddresses(); err != nil {
		return err
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}
