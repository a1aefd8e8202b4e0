package http

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// ValidationError describes one rejected field of a request.
type ValidationError struct {
	Code    string                 `json:"code,omitempty"`
	Field   string                 `json:"field,omitempty"`
	Message string                 `json:"message,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

var (
	validate     = validator.New()
	resourceName = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

func init() {
	_ = validate.RegisterValidation("resourcename", func(fl validator.FieldLevel) bool {
		return resourceName.MatchString(fl.Field().String())
	})
}

// ReadAndValidateRequest binds the body into req, fills defaults and validates it. The
// result is nil or a []ValidationError ready to be rendered.
func ReadAndValidateRequest(c echo.Context, req interface{}) interface{} {
	if err := c.Bind(req); err != nil {
		return describe(err)
	}
	return ValidateStruct(c.Request().Context(), req)
}

// ValidateStruct is ReadAndValidateRequest without the binding step. v must be a pointer.
func ValidateStruct(ctx context.Context, v interface{}) interface{} {
	if err := defaults.Set(v); err != nil {
		return describe(err)
	}
	if err := validate.StructCtx(ctx, v); err != nil {
		return describe(err)
	}
	return nil
}

func describe(err error) []ValidationError {
	var fes validator.ValidationErrors
	if errors.As(err, &fes) {
		out := make([]ValidationError, len(fes))
		for i, fe := range fes {
			out[i] = ValidationError{
				Code:    "ERR_" + strings.ToUpper(fe.Tag()),
				Field:   fe.Field(),
				Message: fe.Field() + " " + rule(fe),
				Params:  ruleParams(fe),
			}
		}
		return out
	}
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	return []ValidationError{{Code: "ERR_UNKNOWN", Message: msg}}
}

var comparisons = map[string]string{
	"gt":  "greater than",
	"gte": "greater than or equal to",
	"lt":  "less than",
	"lte": "less than or equal to",
}

func rule(fe validator.FieldError) string {
	tag, p := fe.Tag(), fe.Param()
	if cmp, ok := comparisons[tag]; ok {
		return fmt.Sprintf("must be %s %s", cmp, p)
	}
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	}
	switch tag {
	case "required":
		return "is required"
	case "resourcename":
		return "must be 1-63 lowercase letters, digits or hyphens"
	case "min":
		return "must be at least " + p + unit
	case "max":
		return "must be at most " + p + unit
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(p), ", ")
	}
	return "failed validation: " + tag
}

func ruleParams(fe validator.FieldError) map[string]interface{} {
	switch fe.Tag() {
	case "min", "gte":
		return map[string]interface{}{"min": fe.Param()}
	case "max", "lte":
		return map[string]interface{}{"max": fe.Param()}
	case "gt", "lt":
		return map[string]interface{}{"value": fe.Param()}
	case "oneof":
		return map[string]interface{}{"options": strings.Fields(fe.Param())}
	}
	return nil
}
