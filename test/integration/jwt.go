package integration

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintToken signs a test bearer token for the given subject.
func MintToken(sub string) string {
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		panic(err)
	}
	return signed
}
