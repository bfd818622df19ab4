package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct checks the validate tags on a request struct and flattens
// the failures into one user-facing message.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var msgs []string
	for _, fe := range err.(validator.ValidationErrors) {
		field := strings.ToLower(fe.Field())
		param := fe.Param()

		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+param)
		case "max":
			msgs = append(msgs, field+" must be at most "+param)
		case "gt":
			msgs = append(msgs, field+" must be greater than "+param)
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "url":
			msgs = append(msgs, field+" must be a valid URL")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return errors.New(strings.Join(msgs, ", "))
}
