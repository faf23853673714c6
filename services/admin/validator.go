package admin

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/presbrey/ircservices/services"
)

// requestValidator implements echo.Validator. Errors name fields by their
// JSON keys and add the account, channel and hostmask tags.
type requestValidator struct {
	validator *validator.Validate
}

func newValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) > 1 && (s[0] == '#' || s[0] == '&') && !strings.ContainsAny(s, " ,\a")
	})
	_ = v.RegisterValidation("account", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), " ,!@#*?")
	})
	_ = v.RegisterValidation("hostmask", func(fl validator.FieldLevel) bool {
		return services.ValidHostmask(fl.Field().String())
	})
	return &requestValidator{validator: v}
}

func (rv *requestValidator) Validate(i interface{}) error {
	if err := rv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
