package remote

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes the X-HMAC-Signature header: hex(HMAC-SHA256(secret, body)).
// The secret is chosen per environment, falling back to the default.
type Signer struct {
	defaultSecret string
	secrets       map[string]string
}

// NewSigner copies secrets so later changes to the map have no effect.
func NewSigner(defaultSecret string, secrets map[string]string) *Signer {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &Signer{defaultSecret: defaultSecret, secrets: cp}
}

func (s *Signer) secretFor(env string) string {
	if v, ok := s.secrets[env]; ok {
		return v
	}
	return s.defaultSecret
}

// Sign returns the hex signature of body for env.
func (s *Signer) Sign(env string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secretFor(env)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the valid signature of body for env.
func (s *Signer) Verify(env string, body []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secretFor(env)))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
