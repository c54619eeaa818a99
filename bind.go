package uploadguard

// JSON request binding with struct tag validation using go-playground/validator/v10.
// Used by the admin endpoints. Pair with MaxBodySize to bound the body.

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	_ = validate.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), ":")
	})
}

// BindJSON decodes the request body into dest and validates it.
// Returns true on success. On failure the error response has already been set
// and the handler should return.
//
// Under MaxBodySize an oversized body yields 413 instead of 400.
func BindJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			SetError(w, r, ErrPayloadTooLarge.With("Request body too large"))
		} else {
			SetError(w, r, ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}

	if err := validateStruct(dest); err != nil {
		SetError(w, r, NewValidationError(translateErrors(err)))
		return false
	}
	return true
}

func validateStruct(v any) error {
	return validate.Struct(v)
}

func formatTag(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "category":
		return "must not contain ':'"
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

func translateErrors(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{Code: "validation", Message: err.Error()}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatTag(e.Tag(), e.Param()),
		}
	}
	return result
}
