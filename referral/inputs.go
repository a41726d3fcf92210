package referral

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS - validated primitive values supplied by the presentation layer
// =============================================================================

type ReferrerInput struct {
	Name           string `validate:"required,max=100"`
	Phone          string `validate:"max=32"`
	Gender         string `validate:"max=16"`
	Category       string `validate:"max=64"`
	CommissionRate *decimal.Decimal
	Status         ReferrerStatus `validate:"omitempty,oneof=active inactive"`
	Notes          string
}

type PatientInput struct {
	Name         string `validate:"required,max=100"`
	Phone        string `validate:"max=32"`
	Gender       string `validate:"max=16"`
	Age          *int   `validate:"omitempty,min=0,max=150"`
	ReferrerID   *ReferrerID
	ReferralDate time.Time // zero = today
	Treatment    string
	Spend        decimal.Decimal
	Converted    bool
	Notes        string
}

// PayInput settles a pending reward. Exactly one of Amount or GiftID is
// normally set; with neither, the pending amount is paid in cash.
type PayInput struct {
	Type     RewardType `validate:"max=32"`
	Amount   *decimal.Decimal
	GiftID   *GiftID
	Quantity int `validate:"min=0"`
	Date     time.Time // zero = today
	Notes    string
}

// GrantInput records a reward that isn't tied to a specific conversion.
type GrantInput struct {
	ReferrerID ReferrerID `validate:"required"`
	Type       RewardType `validate:"max=32"`
	Amount     *decimal.Decimal
	GiftID     *GiftID
	Quantity   int `validate:"min=0"`
	Date       time.Time
	Notes      string
}

type GiftInput struct {
	Name      string `validate:"required,max=100"`
	Category  string `validate:"max=64"`
	Cost      decimal.Decimal
	GiftValue *decimal.Decimal // nil or zero = cost
	Stock     int   `validate:"min=0"`
	Active    *bool // nil = active
	Notes     string
}

// =============================================================================
// VALIDATION
// =============================================================================

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// checkStruct runs tag validation and converts the first failure.
func checkStruct(v *validator.Validate, in any) error {
	err := v.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalid(snake(fe.Field()), "failed %q check", fe.Tag())
	}
	return &ValidationError{Message: err.Error()}
}

func checkNonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return invalid(field, "must not be negative")
	}
	return nil
}

func checkPercentage(field string, d *decimal.Decimal) error {
	if d == nil {
		return nil
	}
	if d.IsNegative() || d.GreaterThan(hundred) {
		return invalid(field, "must be between 0 and 100")
	}
	return nil
}

func (in *ReferrerInput) check(v *validator.Validate) error {
	in.Name = strings.TrimSpace(in.Name)
	if err := checkStruct(v, in); err != nil {
		return err
	}
	return checkPercentage("commission_rate", in.CommissionRate)
}

func (in *PatientInput) check(v *validator.Validate) error {
	in.Name = strings.TrimSpace(in.Name)
	if err := checkStruct(v, in); err != nil {
		return err
	}
	return checkNonNegative("spend", in.Spend)
}

func (in *GiftInput) check(v *validator.Validate) error {
	in.Name = strings.TrimSpace(in.Name)
	if err := checkStruct(v, in); err != nil {
		return err
	}
	if err := checkNonNegative("cost", in.Cost); err != nil {
		return err
	}
	if in.GiftValue != nil {
		return checkNonNegative("gift_value", *in.GiftValue)
	}
	return nil
}

func checkPayment(v *validator.Validate, in any, amount *decimal.Decimal, gift *GiftID) error {
	if err := checkStruct(v, in); err != nil {
		return err
	}
	if amount != nil && gift != nil {
		return invalid("amount", "cannot be combined with a gift")
	}
	if amount != nil {
		return checkNonNegative("amount", *amount)
	}
	return nil
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
