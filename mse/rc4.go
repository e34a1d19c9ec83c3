package mse

import (
	"crypto/rc4"
	"crypto/sha1"
)

// deriveKeys computes keyA = SHA1("keyA"||S||SKEY) and
// keyB = SHA1("keyB"||S||SKEY).
func deriveKeys(s, skey []byte) (keyA, keyB [20]byte) {
	keyA = sha1.Sum(concat([]byte("keyA"), s, skey))
	keyB = sha1.Sum(concat([]byte("keyB"), s, skey))
	return
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// newDiscardedCipher builds an RC4 stream keyed by key, having already
// discarded the first 1024 bytes of keystream, per the MSE/PE convention.
func newDiscardedCipher(key [20]byte) (*rc4.Cipher, error) {
	c, err := rc4.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	discard := make([]byte, 1024)
	c.XORKeyStream(discard, discard)
	return c, nil
}
