package checkout

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vibethread/storefront/internal/common"
)

// Details is the customer and delivery address form.
type Details struct {
	Name     string `json:"name" validate:"required,safetext"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"deliveryPhone" validate:"required,phone10"`
	Flat     string `json:"flat" validate:"required,safetext"`
	Street   string `json:"street" validate:"omitempty,safetext"`
	Landmark string `json:"landmark" validate:"omitempty,safetext"`
	City     string `json:"city" validate:"required,safetext"`
	State    string `json:"state" validate:"required,safetext"`
	Pincode  string `json:"pincode" validate:"required,pincode6"`
}

// forbiddenChars may not appear in any free-text field. Email addresses are exempt
// since they need the dot.
const forbiddenChars = `.'"\;`

var (
	phonePattern   = regexp.MustCompile(`^[0-9]{10}$`)
	pincodePattern = regexp.MustCompile(`^[0-9]{6}$`)

	detailsValidator = newDetailsValidator()

	detailMessages = map[string]string{
		"safetext": `must not contain any of . ' " \ ;`,
		"phone10":  "must be exactly 10 digits",
		"pincode6": "must be exactly 6 digits",
	}
)

func newDetailsValidator() *validator.Validate {
	v := common.NewValidator()
	_ = v.RegisterValidation("safetext", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), forbiddenChars)
	})
	_ = v.RegisterValidation("phone10", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("pincode6", func(fl validator.FieldLevel) bool {
		return pincodePattern.MatchString(fl.Field().String())
	})
	return v
}

// Normalize trims every field.
func (d Details) Normalize() Details {
	return Details{
		Name:     strings.TrimSpace(d.Name),
		Email:    strings.TrimSpace(d.Email),
		Phone:    strings.TrimSpace(d.Phone),
		Flat:     strings.TrimSpace(d.Flat),
		Street:   strings.TrimSpace(d.Street),
		Landmark: strings.TrimSpace(d.Landmark),
		City:     strings.TrimSpace(d.City),
		State:    strings.TrimSpace(d.State),
		Pincode:  strings.TrimSpace(d.Pincode),
	}
}

// Validate runs the local field checks and returns a *common.ValidationError listing
// every failing field.
func (d Details) Validate() error {
	return common.ValidationErrorFrom(detailsValidator.Struct(d.Normalize()), detailMessages)
}

// Address is the single-line address the backend stores.
func (d Details) Address() string {
	parts := []string{d.Flat, d.Street, d.Landmark, d.City, d.State, d.Pincode}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
