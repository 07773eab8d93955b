package decode

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// SecretKey holds a stream's AES-128 key and IV in a locked, zeroed-on-destroy
// enclave. It is opened only for the duration of a single packet's decrypt
// call and the plaintext copy never escapes that call.
type SecretKey struct {
	enclave *memguard.Enclave
}

// NewSecretKey copies key and iv (16 bytes each) into a memguard enclave.
// The caller's slices are wiped after copying so the key never lingers in
// ordinary (swappable, core-dumpable) process memory.
func NewSecretKey(key, iv []byte) (*SecretKey, error) {
	if len(key) != 16 || len(iv) != 16 {
		return nil, errors.New("decode: aes key and iv must each be 16 bytes")
	}
	buf := make([]byte, 32)
	copy(buf[:16], key)
	copy(buf[16:], iv)
	enclave, err := memguard.NewEnclave(buf)
	memguard.WipeBytes(buf)
	memguard.WipeBytes(key)
	memguard.WipeBytes(iv)
	if err != nil {
		return nil, fmt.Errorf("decode: seal key enclave: %w", err)
	}
	return &SecretKey{enclave: enclave}, nil
}

// DecryptCBC opens the enclave, AES-128-CBC-decrypts payload's leading
// length&^0xF bytes with a throwaway IV copy, and returns the result.
func (k *SecretKey) DecryptCBC(payload []byte) ([]byte, error) {
	locked, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("decode: open key enclave: %w", err)
	}
	defer locked.Destroy()
	material := locked.Bytes()
	return decryptCBCBytes(material[:16], material[16:32], payload)
}

// Destroy releases the enclave. Safe to call on a nil *SecretKey.
func (k *SecretKey) Destroy() {
	if k == nil || k.enclave == nil {
		return
	}
	// Enclaves don't need explicit destruction beyond dropping the
	// reference; memguard purges on GC finalization, but we also scrub
	// eagerly via a throwaway open+destroy to force the session key out
	// of memory as soon as the stream stops.
	if locked, err := k.enclave.Open(); err == nil {
		locked.Destroy()
	}
}
