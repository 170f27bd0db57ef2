package encryption

import (
	"errors"
	"strings"
)

// Fake is a reversible no-crypto Encryptor for tests. It prefixes values so a
// test can tell encrypted-at-rest columns from accidental plaintext writes.
type Fake struct {
	// FailDecrypt simulates corrupted credentials.
	FailDecrypt bool
}

const fakePrefix = "enc:"

var ErrFakeDecrypt = errors.New("fake decrypt failure")

func (f *Fake) Encrypt(plaintext string) (string, error) {
	return fakePrefix + plaintext, nil
}

func (f *Fake) Decrypt(ciphertext string) (string, error) {
	if f.FailDecrypt {
		return "", ErrFakeDecrypt
	}
	if !strings.HasPrefix(ciphertext, fakePrefix) {
		return "", errors.New("value was not encrypted")
	}
	return strings.TrimPrefix(ciphertext, fakePrefix), nil
}
