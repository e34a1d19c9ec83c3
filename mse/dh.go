// Package mse implements Message Stream Encryption / Protocol Encryption,
// the BitTorrent de facto standard for obfuscating the wire protocol
// against naive deep-packet inspection: small files grouped by concern
// (dh.go, rc4.go, handshake.go), exported constructor functions, errors
// as package-level vars.
package mse

import (
	"crypto/rand"
	"math/big"
)

// dhPrime is the fixed 768-bit MSE Diffie-Hellman prime (Oakley Group 1),
// generator 2.
var dhPrime = mustPrime("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF")

var dhGenerator = big.NewInt(2)

func mustPrime(hex string) *big.Int {
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("mse: invalid embedded DH prime")
	}
	return n
}

// keyPair is one side's ephemeral Diffie-Hellman exponent/public value.
type keyPair struct {
	private *big.Int
	public  *big.Int
}

// newKeyPair picks a 160-bit private exponent, matching the key strength
// real-world MSE implementations use despite the larger 768-bit group.
func newKeyPair() (keyPair, error) {
	priv, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 160))
	if err != nil {
		return keyPair{}, err
	}
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return keyPair{private: priv, public: pub}, nil
}

// publicKeyLen is the wire width of Ya/Yb: 768 bits.
const publicKeyLen = 96

func (kp keyPair) publicBytes() []byte {
	return leftPad(kp.public.Bytes(), publicKeyLen)
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// sharedSecret computes S = theirPublic^ourPrivate mod P.
func (kp keyPair) sharedSecret(theirPublic []byte) []byte {
	y := new(big.Int).SetBytes(theirPublic)
	s := new(big.Int).Exp(y, kp.private, dhPrime)
	return leftPad(s.Bytes(), publicKeyLen)
}
