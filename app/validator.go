package roomchat

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

// translations of the tags used by Config.
var translations = map[string]string{
	"required":      "{0} is a required field",
	"required_with": "{0} is required when {1} is set",
	"port":          "{0} must be a valid port number",
	"oneof":         "{0} must be one of [{1}]",
	"gte":           "{0} must be {1} or greater",
}

func init() {
	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// lowercase the field name so errors use the config key
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.ToLower(field.Name)
	})

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		if !ok {
			return false
		}
		return port > 0 && port <= 65535
	})

	for tag, text := range translations {
		validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field(), strings.ToLower(fe.Param()))
			return t
		})
	}
}
