// Package token generates the opaque identifiers used for rooms, admin
// secrets and messages.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	roomIDLength = 10
	roomIDChars  = "abcdefghijkmnpqrstuvwxyz23456789"
	secretLength = 32
)

var charsetLen = big.NewInt(int64(len(roomIDChars)))

// RoomID returns a short, url-safe, unguessable room id (50 bits).
func RoomID() (string, error) {
	var sb strings.Builder
	sb.Grow(roomIDLength)

	for i := 0; i < roomIDLength; i++ {
		n, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", err
		}
		sb.WriteByte(roomIDChars[n.Int64()])
	}

	return sb.String(), nil
}

// AdminSecret returns a 256-bit secret encoded for use in headers and URLs.
func AdminSecret() (string, error) {
	b := make([]byte, secretLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func MessageID() string {
	return uuid.NewString()
}

// Equal compares two secrets without branching on the first differing byte.
// An empty expected secret never matches.
func Equal(expected, given string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}
