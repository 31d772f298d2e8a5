package client

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidDestination = errors.New("invalid destination")

const minDigits = 8

// NormalizePhone reduces a destination to international digits (E.164
// without the plus). A number without an international prefix is read in the
// region of countryCode; if it is not valid there but is valid as an
// international number, it keeps its own country code.
func NormalizePhone(raw, countryCode string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	digits := digitsOnly(trimmed)
	international := strings.HasPrefix(trimmed, "+") || strings.HasPrefix(digits, "00")

	if len(strings.TrimLeft(digits, "0")) < minDigits {
		return "", ErrInvalidDestination
	}

	if international {
		num, err := phonenumbers.Parse("+"+strings.TrimLeft(digits, "0"), "")
		if err != nil {
			return "", ErrInvalidDestination
		}
		return e164Digits(num), nil
	}

	region := regionFor(countryCode)
	if region == "" {
		return strings.TrimLeft(digits, "0"), nil
	}

	national, err := phonenumbers.Parse(digits, region)
	if err == nil && phonenumbers.IsValidNumberForRegion(national, region) {
		return e164Digits(national), nil
	}
	if num, ierr := phonenumbers.Parse("+"+digits, ""); ierr == nil && phonenumbers.IsValidNumber(num) {
		return e164Digits(num), nil
	}
	if err == nil && phonenumbers.IsPossibleNumber(national) {
		return e164Digits(national), nil
	}
	return "", ErrInvalidDestination
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func regionFor(countryCode string) string {
	cc, err := strconv.Atoi(strings.TrimPrefix(countryCode, "+"))
	if err != nil || cc <= 0 {
		return ""
	}
	region := phonenumbers.GetRegionCodeForCountryCode(cc)
	if region == "ZZ" {
		return ""
	}
	return region
}

func e164Digits(num *phonenumbers.PhoneNumber) string {
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
}
