package security

import "strings"

// MaskCardNumber keeps the last four characters of a card number for logs.
func MaskCardNumber(cardNumber string) string {
	const visible = 4
	if len(cardNumber) <= visible {
		return strings.Repeat("*", len(cardNumber))
	}
	return strings.Repeat("*", len(cardNumber)-visible) + cardNumber[len(cardNumber)-visible:]
}
