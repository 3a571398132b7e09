package types

import (
	"errors"
	"fmt"
	"log/slog"
)

// MPRNLength is the number of digits in a Meter Point Reference Number.
const MPRNLength = 11

// Credentials are the portal login and the meter the data is downloaded for.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	MPRN     string `json:"mprn"`
}

// Validate checks that the credentials are complete and the MPRN is well
// formed.
func (c Credentials) Validate() error {
	if c.Username == "" {
		return errors.New("missing username")
	}
	if c.Password == "" {
		return errors.New("missing password")
	}
	return ValidateMPRN(c.MPRN)
}

// ValidateMPRN returns an error unless mprn is exactly 11 ASCII digits.
func ValidateMPRN(mprn string) error {
	if len(mprn) != MPRNLength {
		return fmt.Errorf("mprn must be %d digits, got %d characters", MPRNLength, len(mprn))
	}
	for _, r := range mprn {
		if r < '0' || r > '9' {
			return fmt.Errorf("mprn must be numeric: %q", mprn)
		}
	}
	return nil
}

// String omits the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, MPRN: %q}", c.Username, c.MPRN)
}

// LogValue implements slog.LogValuer and omits the password.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("mprn", c.MPRN),
	)
}
