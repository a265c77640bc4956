// Package pgp encrypts report bodies for recipients that registered an
// OpenPGP public key.
package pgp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// ErrNoKey is returned when an armored block holds no usable public key.
var ErrNoKey = errors.New("no OpenPGP public key found")

// ParseKey reads an ASCII-armored public key block.
func ParseKey(armored string) (openpgp.EntityList, error) {
	keys, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoKey
	}
	return keys, nil
}

// Fingerprint returns the hex fingerprint of the first key in armored.
func Fingerprint(armored string) (string, error) {
	keys, err := ParseKey(armored)
	if err != nil {
		return "", err
	}
	fp := keys[0].PrimaryKey.Fingerprint
	return strings.ToUpper(hex.EncodeToString(fp[:])), nil
}

// Encrypt encrypts body to every key in armored and returns an armored
// "PGP MESSAGE" block. The result is plain ASCII and fits a text/plain part.
func Encrypt(armored string, body []byte) ([]byte, error) {
	keys, err := ParseKey(armored)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("armor: %w", err)
	}
	pw, err := openpgp.Encrypt(aw, keys, nil, &openpgp.FileHints{IsBinary: false}, nil)
	if err != nil {
		aw.Close()
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := pw.Write(body); err != nil {
		pw.Close()
		aw.Close()
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := pw.Close(); err != nil {
		aw.Close()
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("armor: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
