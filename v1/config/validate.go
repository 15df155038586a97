package config

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks s against its `validate` struct tags. Failures wrap
// ErrInvalidConfig and name every offending field.
func Validate(s any) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stdErrors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			if fe.Param() != "" {
				fields = append(fields, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			} else {
				fields = append(fields, fmt.Sprintf("%s must satisfy %s", fe.Namespace(), fe.Tag()))
			}
		}
		return fmt.Errorf("%w: %s", opserrors.ErrInvalidConfig, strings.Join(fields, "; "))
	}
	return fmt.Errorf("%w: %v", opserrors.ErrInvalidConfig, err)
}
