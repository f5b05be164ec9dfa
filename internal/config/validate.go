package config

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fgeck/gosync-homelab/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their command line argument names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("arg"); name != "" {
			return name
		}
		return fld.Name
	})

	return v
}

// Validate checks the loaded configuration for missing and malformed values.
// Every missing required argument is reported before any malformed one.
func Validate(cfg *models.RunConfig) error {
	if cfg == nil {
		return models.NewRunError(models.CodeMissingArgument, "configuration is nil", nil)
	}

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return models.NewRunError(models.CodeInvalidArgument, "invalid configuration", err)
	}

	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			return models.NewRunError(models.CodeMissingArgument,
				fmt.Sprintf("missing required argument: %s", fe.Field()), nil)
		}
	}

	for _, fe := range fieldErrs {
		if fe.Tag() == "http_url" {
			return models.NewRunError(models.CodeInvalidURL,
				fmt.Sprintf("invalid webhook URL %q: must start with http:// or https://", cfg.Webhook.URL), nil)
		}
	}

	fe := fieldErrs[0]
	return models.NewRunError(models.CodeInvalidArgument,
		fmt.Sprintf("invalid value %v for %s (%s)", fe.Value(), fe.Field(), describeTag(fe)), nil)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "mac":
		return "must be a MAC address"
	case "ip":
		return "must be an IP address"
	default:
		return fe.Tag()
	}
}
