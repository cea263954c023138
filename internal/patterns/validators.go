package patterns

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

func digitsOnly(s string) string {
	var b strings.Builder

	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}

	return b.String()
}

// luhnCheck performs Luhn algorithm validation.
func luhnCheck(number string) bool {
	cleaned := digitsOnly(number)
	if len(cleaned) < 13 || len(cleaned) > 19 {
		return false
	}

	sum := 0
	alternate := false

	for i := len(cleaned) - 1; i >= 0; i-- {
		digit := int(cleaned[i] - '0')

		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		alternate = !alternate
	}

	return sum%10 == 0
}

// validateSSN rejects area, group and serial numbers that are never issued.
func validateSSN(s string) bool {
	cleaned := digitsOnly(s)
	if len(cleaned) != 9 {
		return false
	}

	area := cleaned[:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}

	return cleaned[3:5] != "00" && cleaned[5:] != "0000"
}

// validateIBAN checks the ISO 13616 mod-97 checksum.
func validateIBAN(iban string) bool {
	cleaned := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(cleaned) < 15 || len(cleaned) > 34 {
		return false
	}

	rearranged := cleaned[4:] + cleaned[:4]

	// Fold digits into the remainder one at a time; letters expand to two
	// digits (A=10 ... Z=35).
	rem := 0

	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}

	return rem == 1
}

// validateRoutingNumber validates a US ABA routing number checksum.
func validateRoutingNumber(routingNumber string) bool {
	cleaned := digitsOnly(routingNumber)
	if len(cleaned) != 9 {
		return false
	}

	weights := []int{3, 7, 1, 3, 7, 1, 3, 7, 1}

	sum := 0
	for i, w := range weights {
		sum += int(cleaned[i]-'0') * w
	}

	return sum%10 == 0
}

// looksRandom filters out long identifiers that are plain words, such as
// snake_case names, by requiring both letters and digits.
func looksRandom(s string) bool {
	var letters, digits int

	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			letters++
		}
	}

	return letters > 0 && digits >= 4
}

// validateJWT accepts only tokens whose header and claims decode and whose
// header names a known signing algorithm. The signature is not checked.
func validateJWT(s string) bool {
	token, _, err := jwt.NewParser().ParseUnverified(s, jwt.MapClaims{})
	if err != nil {
		return false
	}

	alg, ok := token.Header["alg"].(string)

	return ok && alg != ""
}
