// Package crypto implements C1: passphrase-derived key material,
// AES-256-CBC block encryption with a random per-block IV, and the
// password hash used to verify a passphrase before any block I/O.
//
// The key derivation is intentionally weak — double-MD5 of a fixed
// salt concatenated with the passphrase — and is preserved exactly
// this way for wire compatibility with existing archives. It is not a
// recommendation; see SPEC_FULL.md §5 for the kdf_version escape hatch.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mmp/strongbox/errs"
)

// fixedSalt is embedded in the binary; it is not a secret, only a
// domain separator for the legacy KDF.
var fixedSalt = []byte{
	0x62, 0x6f, 0x6e, 0x7a, 0x6f, 0x73, 0x74, 0x72,
	0x6f, 0x6e, 0x67, 0x62, 0x6f, 0x78, 0x21, 0x21,
}

const KeySize = 32 // AES-256

// Key is a derived 32-byte AES key. Kept as a distinct type so callers
// can't accidentally pass a raw passphrase where a derived key is
// expected.
type Key [KeySize]byte

// DeriveKey computes the 32-byte AES key for passphrase by chaining
// MD5 twice: d1 = MD5(salt||passphrase), d2 = MD5(d1||salt||passphrase),
// key = d1||d2. This is the "double-MD5" scheme spec §4.1 mandates for
// wire compatibility with existing archives.
func DeriveKey(passphrase string) Key {
	h1 := md5.New()
	h1.Write(fixedSalt)
	h1.Write([]byte(passphrase))
	d1 := h1.Sum(nil)

	h2 := md5.New()
	h2.Write(d1)
	h2.Write(fixedSalt)
	h2.Write([]byte(passphrase))
	d2 := h2.Sum(nil)

	var k Key
	copy(k[:16], d1)
	copy(k[16:], d2)
	return k
}

// HashPassword returns the hex-encoded SHA-1 of passphrase, the value
// stored once in the index at init time.
func HashPassword(passphrase string) string {
	sum := sha1.Sum([]byte(passphrase))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword reports whether passphrase's SHA-1 matches the hash
// stored in the index. Returns a KeyMismatch error on mismatch.
func VerifyPassword(passphrase, storedHash string) error {
	if HashPassword(passphrase) != storedHash {
		return errs.New(errs.KeyMismatch, "", fmt.Errorf("passphrase does not match stored hash"))
	}
	return nil
}

// HashBlock returns the hex-encoded SHA-1 of plaintext, the content
// address used for deduplication.
func HashBlock(plaintext []byte) string {
	sum := sha1.Sum(plaintext)
	return hex.EncodeToString(sum[:])
}

// Encrypt returns IV || AES-256-CBC(key, IV, PKCS7Pad(plaintext)), with
// a fresh random 16-byte IV read from the OS CSPRNG.
func Encrypt(key Key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errs.Wrap(errs.Crypto, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt parses object as IV||ciphertext and returns the unpadded
// plaintext. Returns a Crypto error on a short header or a bad
// ciphertext length, and Format on a padding failure: by the time
// Decrypt runs, the passphrase has already been checked once via
// VerifyPassword (spec §4.1/§7), so a bad pad here means the stored
// object itself is corrupt, not that the key is wrong.
func Decrypt(key Key, object []byte) ([]byte, error) {
	if len(object) < aes.BlockSize {
		return nil, errs.New(errs.Crypto, "", fmt.Errorf("encrypted object too short: %d bytes", len(object)))
	}

	iv := object[:aes.BlockSize]
	ciphertext := object[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.New(errs.Crypto, "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext)))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, errs.New(errs.Format, "", err)
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("pkcs7: invalid data length %d", n)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("pkcs7: invalid padding length %d", padLen)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("pkcs7: corrupt padding")
		}
	}
	return data[:n-padLen], nil
}
