package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	keyBytes      = 32
	saltBytes     = 32
	ivBytes       = 16
)

// envelope is the on-disk form of the encrypted credential store. The KDF
// salt travels inside the envelope so files written under an earlier install
// salt still open.
type envelope struct {
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

func deriveKey(machineID string, salt []byte) []byte {
	return pbkdf2.Key([]byte(machineID), salt, kdfIterations, keyBytes, sha512.New)
}

func (v *Vault) keyFor(salt []byte) []byte {
	if bytes.Equal(salt, v.installSalt) {
		return v.installKey
	}
	return deriveKey(v.machineID, salt)
}

// seal encrypts plaintext with AES-256-GCM under the install key and returns
// the serialized envelope.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.installKey)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivBytes)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create GCM: %w", err)
	}
	iv := make([]byte, ivBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: failed to generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcm.Overhead()
	env := envelope{
		Salt:       base64.StdEncoding.EncodeToString(v.installSalt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
	}
	return json.MarshalIndent(env, "", "  ")
}

// open decrypts an envelope produced by seal.
func (v *Vault) open(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("vault: failed to parse envelope: %w", err)
	}
	salt, err := b64Field("salt", env.Salt)
	if err != nil {
		return nil, err
	}
	iv, err := b64Field("iv", env.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := b64Field("ciphertext", env.Ciphertext)
	if err != nil {
		return nil, err
	}
	tag, err := b64Field("tag", env.Tag)
	if err != nil {
		return nil, err
	}
	if len(iv) == 0 {
		return nil, errors.New("vault: envelope missing iv")
	}
	block, err := aes.NewCipher(v.keyFor(salt))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func b64Field(name, value string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decode %s: %w", name, err)
	}
	return raw, nil
}
