// Package codec composes C2 (stream-deflate compression) and C1
// (AES-256-CBC encryption) into the EncryptedBlockObject wire format:
// IV || AES-256-CBC(deflate(plaintext)).
package codec

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/errs"
)

// EncodeBlock deflates plaintext and encrypts the result under key,
// returning the bytes to be written verbatim to the block store.
func EncodeBlock(key crypto.Key, plaintext []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, errs.Wrap(errs.Other, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, errs.Wrap(errs.Other, err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(errs.Other, err)
	}

	return crypto.Encrypt(key, compressed.Bytes())
}

// DecodeBlock reverses EncodeBlock: decrypt, then inflate. A
// corrupt object (bad pad, truncated deflate stream) surfaces as a
// Format error, per spec §7 — this is the boundary the restore path
// uses to isolate one bad block without aborting the run.
func DecodeBlock(key crypto.Key, object []byte) ([]byte, error) {
	compressed, err := crypto.Decrypt(key, object)
	if err != nil {
		return nil, err
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.New(errs.Format, "", fmt.Errorf("corrupt block object: %w", err))
	}
	return plaintext, nil
}
