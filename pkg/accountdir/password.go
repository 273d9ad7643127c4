package accountdir

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/GehirnInc/crypt"
	"github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/bcrypt"
)

// HashScheme picks the crypt(3) format written for plaintext passwords.
type HashScheme string

const (
	// SchemeSHA512 is glibc's "$6$" format, readable by every libcrypt.
	SchemeSHA512 HashScheme = "sha512"
	// SchemeBcrypt writes "$2a$" hashes; only some libcrypt builds verify them.
	SchemeBcrypt HashScheme = "bcrypt"
)

/* bcrypt cost used when the caller does not pick one */
const DefaultHashCost = bcrypt.DefaultCost

const (
	saltLen      = 16
	saltAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// HashPassword turns a plaintext password into a hash for the shadow hash
// field. An empty scheme means SchemeSHA512. cost only applies to bcrypt;
// outside bcrypt's range it falls back to DefaultHashCost.
func HashPassword(plain string, scheme HashScheme, cost int) (string, error) {
	if plain == "" {
		return "", &ValidationError{Field: "password", Reason: "must not be empty"}
	}
	switch scheme {
	case "", SchemeSHA512:
		salt, err := newSalt()
		if err != nil {
			return "", ioErr("salt", "", err)
		}
		h, err := crypt.SHA512.New().Generate([]byte(plain), []byte(sha512_crypt.MagicPrefix+salt))
		if err != nil {
			return "", &ValidationError{Field: "password", Reason: err.Error()}
		}
		return h, nil
	case SchemeBcrypt:
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			cost = DefaultHashCost
		}
		h, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
		if err != nil {
			return "", &ValidationError{Field: "password", Reason: err.Error()}
		}
		return string(h), nil
	default:
		return "", &ValidationError{Field: "hash scheme", Reason: "unknown scheme " + string(scheme)}
	}
}

// VerifyPassword reports whether plain matches a "$6$" or bcrypt hash.
// Locked hashes never match.
func VerifyPassword(hash, plain string) bool {
	switch {
	case strings.HasPrefix(hash, sha512_crypt.MagicPrefix):
		return crypt.SHA512.New().Verify(hash, []byte(plain)) == nil
	case strings.HasPrefix(hash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
	default:
		return false
	}
}

func newSalt() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(saltAlphabet)))
	for i := 0; i < saltLen; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(saltAlphabet[n.Int64()])
	}
	return b.String(), nil
}
