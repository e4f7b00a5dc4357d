package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrUnknownKey = errors.New("unknown key id")

// Envelope is the stored form of a sealed secret. It is bound to the owner
// it was sealed for and cannot be opened on behalf of another user.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keyring seals per-user provider credentials with AES-GCM. Old keys stay
// readable after rotation; new envelopes always use the current key.
type Keyring struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentKeyID: currentKeyID, keys: cp}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentKeyID
}

func ownerAAD(userID int64) []byte {
	return []byte("voiceslot:user:" + strconv.FormatInt(userID, 10))
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func (k *Keyring) Seal(userID int64, plaintext []byte) (Envelope, error) {
	aead, err := k.aead(k.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, ownerAAD(userID))),
	}, nil
}

func (k *Keyring) Open(userID int64, env Envelope) ([]byte, error) {
	aead, err := k.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ownerAAD(userID))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealString returns the JSON envelope stored in tts_quota.enc_api_key.
func (k *Keyring) SealString(userID int64, value string) (string, error) {
	env, err := k.Seal(userID, []byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) OpenString(userID int64, raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	pt, err := k.Open(userID, env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsCurrent reports whether raw was sealed under the current key.
func (k *Keyring) IsCurrent(raw string) bool {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false
	}
	return env.KeyID == k.currentKeyID
}

// Reseal re-encrypts an envelope under the current key.
func (k *Keyring) Reseal(userID int64, raw string) (string, error) {
	plain, err := k.OpenString(userID, raw)
	if err != nil {
		return "", err
	}
	return k.SealString(userID, plain)
}
