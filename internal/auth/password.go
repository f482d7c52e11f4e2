package auth

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/haven/backend/internal/core"
)

// ValidatePassword enforces the account password policy: at least 8
// characters with upper case, lower case, a digit, and a special character.
func ValidatePassword(pw string) error {
	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if len(pw) < 8 || !upper || !lower || !digit || !special {
		return core.NewError(core.CodeWeakPassword,
			"password needs 8+ characters with upper case, lower case, a digit, and a special character")
	}
	return nil
}

// HashPassword bcrypt-hashes pw. Cost below 12 is raised to 12.
func HashPassword(pw string, cost int) (string, error) {
	if cost < 12 {
		cost = 12
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether pw matches the stored bcrypt hash.
func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
