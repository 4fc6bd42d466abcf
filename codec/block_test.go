package codec

import (
	"bytes"
	"testing"

	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/errs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := crypto.DeriveKey("passphrase")
	cases := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("abcdefgh"), 1<<14),
	}
	for _, pt := range cases {
		obj, err := EncodeBlock(key, pt)
		if err != nil {
			t.Fatalf("EncodeBlock: %v", err)
		}
		got, err := DecodeBlock(key, obj)
		if err != nil {
			t.Fatalf("DecodeBlock: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: got %d bytes want %d", len(got), len(pt))
		}
	}
}

func TestDecodeCorruptObjectIsFormatError(t *testing.T) {
	key := crypto.DeriveKey("passphrase")
	obj, err := EncodeBlock(key, []byte("hello world"))
	if err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}

	// Flip the last ciphertext byte (leave the IV intact). CBC has no
	// integrity check, so this garbles the final plaintext block: the
	// padding check in Decrypt, or failing that the inflate step,
	// rejects the object.
	corrupt := append([]byte{}, obj...)
	corrupt[len(corrupt)-1] ^= 0xFF

	if _, err := DecodeBlock(key, corrupt); err == nil {
		t.Fatalf("expected an error decoding a corrupted object")
	} else if !errs.IsKind(err, errs.Format) {
		t.Fatalf("expected Format error, got %v", err)
	}
}
