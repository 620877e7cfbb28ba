// Package identity canonicalizes the heterogeneous principal identifiers
// that arrive from transports (raw phone strings, Telegram numeric ids)
// into a single owner token used as the tenancy key everywhere downstream.
package identity

import (
	"strings"
)

// DefaultOwner is the fallback token for empty, short, or unparseable
// input — the system-owner/self-chat context.
const DefaultOwner = "default"

// TelegramPrefix marks a principal string as a passthrough Telegram id
// rather than a phone number.
const TelegramPrefix = "telegram:"

// Canonical normalizes an arbitrary principal string to its canonical
// owner token:
//   - strings beginning with "telegram:" pass through unchanged
//   - digits are stripped of everything else; an 11-digit string
//     beginning with "1" has the leading 1 dropped
//   - anything that isn't exactly 10 digits after that falls back to
//     DefaultOwner
//
// Canonical is idempotent: Canonical(Canonical(x)) == Canonical(x).
func Canonical(raw string) string {
	if strings.HasPrefix(raw, TelegramPrefix) {
		return raw
	}

	digits := onlyDigits(raw)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return DefaultOwner
	}
	return digits
}

// IsTelegram reports whether an owner token is a Telegram passthrough id.
func IsTelegram(owner string) bool {
	return strings.HasPrefix(owner, TelegramPrefix)
}

// TelegramID extracts the numeric id from a "telegram:<id>" owner token.
// Returns "" if owner is not a Telegram token.
func TelegramID(owner string) string {
	if !IsTelegram(owner) {
		return ""
	}
	return strings.TrimPrefix(owner, TelegramPrefix)
}

// E164 renders a canonical 10-digit owner token in E.164 form
// ("+1##########"). Returns "" if owner is not a valid 10-digit phone
// (e.g. it is "default" or a Telegram token).
func E164(owner string) string {
	if len(owner) != 10 || !allDigits(owner) {
		return ""
	}
	return "+1" + owner
}

// ElevenDigit renders a canonical 10-digit owner token with the leading
// country digit restored ("1##########"), the form some transports
// expect. Returns "" if owner is not a valid 10-digit phone.
func ElevenDigit(owner string) string {
	if len(owner) != 10 || !allDigits(owner) {
		return ""
	}
	return "1" + owner
}

// onlyDigits strips every non-digit rune from s.
func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
