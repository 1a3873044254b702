package expense

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/shopspring/decimal"
)

// Draft is caller-submitted expense data pending validation. Fields hold the
// raw form values so an invalid submission can be echoed back unchanged.
type Draft struct {
	// ID optionally repeats the target id of an edit.
	ID string `form:"id"`
	// UserID is accepted for form compatibility and always ignored.
	UserID      string `form:"user_id"`
	Description string `form:"description" validate:"notblank"`
	Amount      string `form:"amount" validate:"required,money"`
	Category    string `form:"category" validate:"notblank"`
	// Date is optional; empty means "now" on create and "unchanged" on edit.
	Date string `form:"date" validate:"omitempty,datetime_any"`
	// Version is the row version the form was rendered from.
	Version string `form:"version"`
}

// dateLayouts lists the accepted date input formats, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

var messages = map[string]string{
	"notblank":     "is required",
	"required":     "is required",
	"money":        "must be a valid amount, e.g. 12.34",
	"datetime_any": "must be a date like 2024-01-31 or 2024-01-31T13:45",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("form")
	})
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		_, err := ParseAmount(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("datetime_any", func(fl validator.FieldLevel) bool {
		_, err := ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// validate checks the draft and converts validator output into field messages.
func validate(v *validator.Validate, d Draft) error {
	err := v.Struct(d)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	ve := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		ve.Fields[fe.Field()] = msg
	}
	return ve
}

var (
	// plainAmount is an optional sign, digits and at most one "." or ","
	// fraction. Exponents are not accepted.
	plainAmount = regexp.MustCompile(`^[+-]?\d+([.,]\d+)?$`)
	// groupedAmount is an en-US amount with "," thousands separators and a "."
	// fraction, e.g. 1,234.56.
	groupedAmount = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+\.\d+$`)

	// maxAmount bounds amounts to 16 integer digits, the decimal(18,2) column.
	maxAmount = decimal.New(1, 16)
)

// ParseAmount parses a monetary value and rounds it to two fractional digits.
// A lone "," is read as the decimal separator; alongside a "." it groups
// thousands. Sign is not restricted.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return decimal.Decimal{}, errors.New("empty amount")
	case groupedAmount.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case plainAmount.MatchString(s):
		s = strings.Replace(s, ",", ".", 1)
	default:
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", s)
	}

	d, err := decimal.NewFromString(strings.TrimPrefix(s, "+"))
	if err != nil {
		return decimal.Decimal{}, err
	}
	d = d.Round(2)
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return decimal.Decimal{}, fmt.Errorf("amount %s out of range", s)
	}
	return d, nil
}

// ParseDate parses a date in any of the accepted input layouts. Values without
// a zone are interpreted as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
