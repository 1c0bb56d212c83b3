package cloudapi

import "strings"

const defaultCountryCode = "91"

// FormatPhone strips everything but digits and adds the default country
// code to bare 10-digit numbers
func FormatPhone(phone string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	if len(cleaned) == 10 && !strings.HasPrefix(cleaned, defaultCountryCode) {
		cleaned = defaultCountryCode + cleaned
	}
	return cleaned
}

// ValidPhone accepts 10-digit local numbers and 12-digit numbers with the country code
func ValidPhone(phone string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch len(cleaned) {
	case 10:
		return true
	case 12:
		return strings.HasPrefix(cleaned, defaultCountryCode)
	}
	return false
}
