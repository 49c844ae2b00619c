package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	resetIDSize       = 16
	resetSecretSize   = 32
	resetTokenRawSize = resetIDSize + resetSecretSize
)

// TokenHash digests a raw bearer token for storage. Only the digest is ever
// persisted; a leaked store cannot reconstruct the token.
func TokenHash(raw string) [32]byte {
	return sha256.Sum256([]byte(raw))
}

// TokenHashHex returns the hex form of TokenHash for use in lookup keys.
func TokenHashHex(raw string) string {
	sum := TokenHash(raw)
	return hex.EncodeToString(sum[:])
}

// ResetID identifies a pending password-reset challenge. It is random but not
// secret; the paired secret proves possession.
type ResetID [resetIDSize]byte

func NewResetID() (ResetID, error) {
	var rid ResetID
	_, err := rand.Read(rid[:])
	return rid, err
}

func (r ResetID) String() string {
	return base64.RawURLEncoding.EncodeToString(r[:])
}

func ParseResetID(resetID string) (ResetID, error) {
	var rid ResetID

	raw, err := base64.RawURLEncoding.DecodeString(resetID)
	if err != nil {
		return rid, err
	}
	if len(raw) != len(rid) {
		return rid, errors.New("invalid reset id size")
	}

	copy(rid[:], raw)
	return rid, nil
}

func NewResetSecret() ([resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashResetSecret(secret [resetSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashResetBytes(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// EncodeResetToken packs the lookup ID and secret into one opaque challenge
// string handed to the user. DecodeResetToken splits it back apart so the
// store can find the record by ID and verify the secret by hash.
func EncodeResetToken(resetID string, secret [resetSecretSize]byte) (string, error) {
	rid, err := ParseResetID(resetID)
	if err != nil {
		return "", err
	}

	var raw [resetTokenRawSize]byte
	copy(raw[:len(rid)], rid[:])
	copy(raw[len(rid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeResetToken(token string) (string, [resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != resetTokenRawSize {
		return "", secret, errors.New("invalid reset token size")
	}

	var rid ResetID
	copy(rid[:], raw[:len(rid)])
	copy(secret[:], raw[len(rid):])

	return rid.String(), secret, nil
}
