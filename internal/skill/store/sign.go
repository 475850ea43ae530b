package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"apitap/internal/skill"
)

// SignaturePrefix identifies the HMAC scheme in skill signatures.
const SignaturePrefix = "hmac-sha256:"

// Canonicalize produces the byte string signatures cover: the skill file
// with signature and provenance removed, rendered as RFC 8785 canonical
// JSON.
func Canonicalize(sf *skill.SkillFile) ([]byte, error) {
	raw, err := json.Marshal(sf)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal skill: %w", err)
	}
	tree := map[string]any{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("store: failed to rebuild skill tree: %w", err)
	}
	delete(tree, "signature")
	delete(tree, "provenance")
	stripped, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal stripped skill: %w", err)
	}
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("store: failed to canonicalize skill: %w", err)
	}
	return canonical, nil
}

// Sign computes the skill signature under key.
func Sign(sf *skill.SkillFile, key []byte) (string, error) {
	canonical, err := Canonicalize(sf)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time.
func Verify(sf *skill.SkillFile, key []byte) bool {
	if sf == nil || !strings.HasPrefix(sf.Signature, SignaturePrefix) {
		return false
	}
	want, err := Sign(sf, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sf.Signature))
}
