package adb

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// KeyBits is the RSA modulus size adbd accepts.
const KeyBits = 2048

const keyWords = KeyBits / 32

// KeyStore loads and persists the RSA key used to authenticate with adbd.
// Load returns ErrNoKey when nothing has been stored yet.
type KeyStore interface {
	Load() (*rsa.PrivateKey, error)
	Save(key *rsa.PrivateKey) error
}

// ErrNoKey is returned by KeyStore.Load when no key exists.
var ErrNoKey = errors.New("adb: no key stored")

// LoadOrGenerate returns the stored key, generating and saving a new one the
// first time.
func LoadOrGenerate(ks KeyStore) (*rsa.PrivateKey, bool, error) {
	key, err := ks.Load()
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, false, fmt.Errorf("load adb key: %w", err)
	}
	key, err = rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, false, fmt.Errorf("generate adb key: %w", err)
	}
	if err := ks.Save(key); err != nil {
		return nil, false, fmt.Errorf("save adb key: %w", err)
	}
	return key, true, nil
}

// Signer answers adbd AUTH challenges with one fixed key.
type Signer struct {
	key  *rsa.PrivateKey
	name string
}

// NewSigner returns a Signer. name is appended to the public key and shows
// up in the device's "Allow USB debugging?" dialog.
func NewSigner(key *rsa.PrivateKey, name string) (*Signer, error) {
	if key.N.BitLen() != KeyBits {
		return nil, fmt.Errorf("adb key must be %d bits, got %d", KeyBits, key.N.BitLen())
	}
	return &Signer{key: key, name: name}, nil
}

// Sign signs an AUTH token. adbd treats the token as an already hashed
// SHA-1 digest.
func (s *Signer) Sign(token []byte) ([]byte, error) {
	if len(token) != crypto.SHA1.Size() {
		return nil, protocolErrorf("auth token is %d bytes, want %d", len(token), crypto.SHA1.Size())
	}
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, token)
}

// PublicKey returns the AUTH(RSAPUBLICKEY) payload: base64 of the Android
// key encoding, a space, the key name and a trailing NUL.
func (s *Signer) PublicKey() []byte {
	return append([]byte(FormatPublicKey(&s.key.PublicKey, s.name)), 0)
}

// FormatPublicKey renders pub the way adb writes adbkey.pub.
func FormatPublicKey(pub *rsa.PublicKey, name string) string {
	return base64.StdEncoding.EncodeToString(encodeAndroidKey(pub)) + " " + name
}

// encodeAndroidKey lays out pub as the RSAPublicKey struct from
// system/core/libcrypto_utils: word count, -1/n[0] mod 2^32, n, R^2 mod n and
// the exponent, all little endian.
func encodeAndroidKey(pub *rsa.PublicKey) []byte {
	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, r32)
	n0inv := new(big.Int).ModInverse(n0, r32)
	n0inv.Sub(r32, n0inv)

	rr := new(big.Int).Lsh(big.NewInt(1), KeyBits*2)
	rr.Mod(rr, pub.N)

	out := make([]byte, 0, 4+4+keyWords*4*2+4)
	out = binary.LittleEndian.AppendUint32(out, keyWords)
	out = binary.LittleEndian.AppendUint32(out, uint32(n0inv.Uint64()))
	out = appendWords(out, pub.N)
	out = appendWords(out, rr)
	out = binary.LittleEndian.AppendUint32(out, uint32(pub.E))
	return out
}

func appendWords(out []byte, v *big.Int) []byte {
	be := v.FillBytes(make([]byte, keyWords*4))
	for i := 0; i < keyWords; i++ {
		end := len(be) - i*4
		out = binary.LittleEndian.AppendUint32(out, binary.BigEndian.Uint32(be[end-4:end]))
	}
	return out
}
