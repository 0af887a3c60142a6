package store

import (
	"crypto/rand"
	"math/big"
)

const (
	referralCodeLength   = 8
	referralCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxReferralAttempts  = 5
)

// ReferralCodeGenerator produces candidate referral codes. Uniqueness is
// enforced by the store, which retries on collision.
type ReferralCodeGenerator func() (string, error)

// GenerateReferralCode returns an 8 character uppercase base-36 code.
func GenerateReferralCode() (string, error) {
	max := big.NewInt(int64(len(referralCodeAlphabet)))
	code := make([]byte, referralCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = referralCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
