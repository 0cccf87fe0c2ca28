// Package phone collapses the phone representations reported by the payment
// provider and the WhatsApp gateway onto one digit string per subscriber.
package phone

import (
	"log/slog"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const (
	countryBR    = "55"
	miscodedBR   = "57"
	mobilePrefix = "9"
	region       = "BR"
)

// Brazilian DDD (area) codes accepted by the normalizer. Closed list.
var knownDDD = map[string]struct{}{
	"11": {}, "12": {}, "13": {}, "14": {}, "15": {}, "16": {}, "17": {}, "18": {}, "19": {},
	"21": {}, "22": {}, "24": {}, "27": {}, "28": {},
	"31": {}, "32": {}, "33": {}, "34": {}, "35": {}, "37": {}, "38": {},
	"41": {}, "42": {}, "43": {}, "44": {}, "45": {}, "46": {}, "47": {}, "48": {}, "49": {},
	"51": {}, "53": {}, "54": {}, "55": {},
	"61": {}, "62": {}, "63": {}, "64": {}, "65": {}, "66": {}, "67": {}, "68": {}, "69": {},
	"71": {}, "73": {}, "74": {}, "75": {}, "77": {}, "79": {},
	"81": {}, "82": {}, "83": {}, "84": {}, "85": {}, "86": {}, "87": {}, "88": {}, "89": {},
	"91": {}, "92": {}, "93": {}, "94": {}, "95": {}, "96": {}, "97": {}, "98": {}, "99": {},
}

// KnownDDD reports whether code is a two-digit Brazilian area code.
func KnownDDD(code string) bool {
	_, ok := knownDDD[code]
	return ok
}

// Digits drops every character that is not an ASCII digit.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Normalize maps raw onto the canonical 55+DDD+subscriber form when one of the
// known shapes matches, and otherwise returns the bare digits untouched.
func Normalize(raw string) string {
	digits := Digits(raw)
	if digits == "" {
		return ""
	}

	out, rule := normalize(digits)
	slog.Debug("[phone] normalized", "raw", raw, "digits", digits, "result", out, "rule", rule)
	return out
}

func normalize(d string) (string, string) {
	// Upstream gateway sometimes reports 57 (Colombia) for Brazilian numbers.
	if strings.HasPrefix(d, miscodedBR) && len(d) >= 12 && KnownDDD(d[2:4]) {
		return countryBR + d[2:], "ddi_57_corrected"
	}

	switch {
	case len(d) == 13 && strings.HasPrefix(d, countryBR):
		return d, "canonical"
	case len(d) == 11 && KnownDDD(d[:2]):
		return countryBR + d, "ddi_added"
	case len(d) == 10 && KnownDDD(d[:2]):
		return countryBR + d[:2] + mobilePrefix + d[2:], "mobile_nine_added"
	}
	return d, "unchanged"
}

// StripJID removes a messaging-network suffix such as "@s.whatsapp.net".
func StripJID(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

// Valid reports whether libphonenumber accepts n as a Brazilian number.
// It is informational and never gates normalization.
func Valid(n string) bool {
	num, err := phonenumbers.Parse(withPlus(n), region)
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(num)
}

// Pretty formats n in international notation, or returns n when it cannot be parsed.
func Pretty(n string) string {
	if n == "" {
		return n
	}
	num, err := phonenumbers.Parse(withPlus(n), region)
	if err != nil {
		return n
	}
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}

func withPlus(n string) string {
	if strings.HasPrefix(n, countryBR) && len(n) >= 12 {
		return "+" + n
	}
	return n
}
