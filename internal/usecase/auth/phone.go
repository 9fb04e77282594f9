package auth

import (
	"fmt"
	"regexp"
	"strings"

	"ussd-service/internal/domain"
)

type country struct {
	ISO            string
	DialCode       string
	NationalDigits int
}

var supportedCountries = []country{
	{ISO: "KE", DialCode: "254", NationalDigits: 9},
	{ISO: "UG", DialCode: "256", NationalDigits: 9},
	{ISO: "TZ", DialCode: "255", NationalDigits: 9},
	{ISO: "RW", DialCode: "250", NationalDigits: 9},
	{ISO: "NG", DialCode: "234", NationalDigits: 10},
}

var (
	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	phonePattern    = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
)

func countryByISO(iso string) (country, bool) {
	for _, c := range supportedCountries {
		if c.ISO == strings.ToUpper(iso) {
			return c, true
		}
	}
	return country{}, false
}

// ValidatePhoneNumber normalizes raw into E.164 for a supported country.
// Local numbers with a leading 0, or bare national numbers, are read in the
// default country.
func ValidatePhoneNumber(raw, defaultCountry string) (*domain.PhoneNumber, error) {
	s := phoneSeparators.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if !phonePattern.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPhoneFormat, raw)
	}
	digits := strings.TrimPrefix(s, "+")

	for _, c := range supportedCountries {
		if strings.HasPrefix(digits, c.DialCode) && len(digits) == len(c.DialCode)+c.NationalDigits {
			if national := digits[len(c.DialCode):]; national[0] != '0' {
				return newPhone(c, national), nil
			}
		}
	}

	if strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: unsupported country in %q", domain.ErrInvalidPhoneFormat, raw)
	}

	c, ok := countryByISO(defaultCountry)
	if !ok {
		return nil, fmt.Errorf("%w: no default country", domain.ErrInvalidPhoneFormat)
	}
	national := strings.TrimPrefix(digits, "0")
	if len(national) != c.NationalDigits || national[0] == '0' {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPhoneFormat, raw)
	}
	return newPhone(c, national), nil
}

func newPhone(c country, national string) *domain.PhoneNumber {
	return &domain.PhoneNumber{
		Normalized:  "+" + c.DialCode + national,
		CountryCode: "+" + c.DialCode,
		Country:     c.ISO,
	}
}
