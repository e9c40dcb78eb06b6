// Package phone normalizes Mexican phone numbers into WhatsApp addresses.
package phone

import (
	"errors"
	"strings"
)

// Address suffixes
const (
	// UserSuffix is the WhatsApp server for regular user JIDs.
	UserSuffix = "s.whatsapp.net"
	// LegacyUserSuffix is the "c.us" form used by web clients.
	LegacyUserSuffix = "c.us"

	// CountryCode is the default country code for 10-digit national numbers.
	CountryCode = "52"
	// mobilePrefix is the "1" WhatsApp keeps after 52 for Mexican mobiles.
	mobilePrefix = "521"
)

// ErrEmptyNumber is returned when a number contains no digits.
var ErrEmptyNumber = errors.New("phone number has no digits")

// Digits strips everything except ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Clean keeps only digits and prefixes the country code to 10-digit numbers.
func Clean(s string) string {
	d := Digits(s)
	if len(d) == 10 {
		d = CountryCode + d
	}
	return d
}

// Canonicalize returns the digits WhatsApp expects for a Mexican number:
// 52XXXXXXXXXX becomes 521XXXXXXXXXX, a bare 10-digit number gets 521 and a
// 12-digit number starting with 1 gets 52.
func Canonicalize(s string) (string, error) {
	tel := Digits(s)
	if tel == "" {
		return "", ErrEmptyNumber
	}
	switch {
	case strings.HasPrefix(tel, CountryCode):
		if !strings.HasPrefix(tel, mobilePrefix) {
			tel = mobilePrefix + tel[len(CountryCode):]
		}
	case len(tel) == 10:
		tel = mobilePrefix + tel
	case len(tel) == 12 && strings.HasPrefix(tel, "1"):
		tel = CountryCode + tel
	}
	return tel, nil
}

// FormatWhatsAppNumber returns "<digits>@<suffix>", or "" when s has no digits.
func FormatWhatsAppNumber(s, suffix string) string {
	tel, err := Canonicalize(s)
	if err != nil {
		return ""
	}
	return tel + "@" + suffix
}

// NumberOnly strips the "@server" part of an address.
func NumberOnly(address string) string {
	user, _, _ := strings.Cut(address, "@")
	return user
}
