package gateway

import (
	"regexp"
	"strings"
)

// phonePattern matches Rwandan MTN (078, 079) and Airtel (072, 073) numbers in national format.
var phonePattern = regexp.MustCompile(`^07[2389]\d{7}$`)

// ValidateCashin checks a cash-in request against the gateway's rules.
func ValidateCashin(phoneNumber string, amount, minAmount float64) error {
	if !(amount >= minAmount) {
		return &ValidationError{Field: "amount", Message: "amount too small"}
	}
	if !phonePattern.MatchString(strings.TrimSpace(phoneNumber)) {
		return &ValidationError{Field: "phone_number", Message: "bad phone format"}
	}
	return nil
}
