package nostd

import (
	"errors"
	"fmt"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zhTranslations "github.com/go-playground/validator/v10/translations/zh"
)

// CustomValidator echo请求参数校验器，错误信息使用中文
type CustomValidator struct {
	Validator *validator.Validate
	trans     ut.Translator
}

func (cv *CustomValidator) TransInit() error {
	zhT := zh.New()
	enT := en.New()
	uni := ut.New(enT, zhT, enT)

	trans, ok := uni.GetTranslator("zh")
	if !ok {
		return fmt.Errorf("failed to get zh translator")
	}
	cv.trans = trans

	return zhTranslations.RegisterDefaultTranslations(cv.Validator, trans)
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.Validator.Struct(i); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			for _, e := range errs {
				return errors.New(e.Translate(cv.trans))
			}
		}
		return err
	}
	return nil
}
