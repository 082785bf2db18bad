package oidcclient

import (
	"crypto/rand"
	"encoding/base64"
)

// randomToken returns 32 bytes of crypto randomness, base64url encoded.
func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("oidcclient: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
