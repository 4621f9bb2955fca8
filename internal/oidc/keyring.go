package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const DefaultKeyBits = 2048

// KeyRing owns the RSA signing keys. Exactly one key is active for signing;
// retired keys stay resolvable by kid so tokens they signed keep verifying
// until they expire.
type KeyRing struct {
	mu        sync.RWMutex
	keys      map[string]SigningKeyPair
	activeKid string

	bits   int
	now    func() time.Time
	newKid func(time.Time) string
}

// NewKeyRing generates the initial key and marks it active.
func NewKeyRing(bits int) (*KeyRing, error) {
	r := newRing(bits)
	pair, err := r.generate()
	if err != nil {
		return nil, err
	}
	r.keys[pair.Kid] = pair
	r.activeKid = pair.Kid
	return r, nil
}

// NewKeyRingFromPEM starts the ring from an operator supplied RSA private key.
// Later rotations generate keys of the given size.
func NewKeyRingFromPEM(kid string, pemBytes []byte, bits int) (*KeyRing, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	r := newRing(bits)
	if kid == "" {
		kid = r.newKid(r.now())
	}
	r.keys[kid] = SigningKeyPair{Kid: kid, PrivateKey: priv, PublicKey: &priv.PublicKey, CreatedAt: r.now()}
	r.activeKid = kid
	return r, nil
}

func newRing(bits int) *KeyRing {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return &KeyRing{
		keys:   make(map[string]SigningKeyPair),
		bits:   bits,
		now:    time.Now,
		newKid: dateKid,
	}
}

// dateKid labels keys by creation date; the snowflake suffix keeps two
// rotations on the same day apart.
func dateKid(t time.Time) string {
	return "key-" + t.UTC().Format("2006-01-02") + "-" + utilities.NewSnowflakeID()
}

func (r *KeyRing) generate() (SigningKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, r.bits)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("generate rsa key: %w", err)
	}
	now := r.now()
	return SigningKeyPair{Kid: r.newKid(now), PrivateKey: priv, PublicKey: &priv.PublicKey, CreatedAt: now}, nil
}

// Active returns the key used to sign new tokens.
func (r *KeyRing) Active() SigningKeyPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[r.activeKid]
}

// PublicKey resolves the verification key for kid, active or retired.
func (r *KeyRing) PublicKey(kid string) (*rsa.PublicKey, error) {
	r.mu.RLock()
	pair, ok := r.keys[kid]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return pair.PublicKey, nil
}

// Rotate generates a new key and makes it the active one. Existing keys are kept.
func (r *KeyRing) Rotate() (SigningKeyPair, error) {
	// generation is slow; do it before taking the write lock
	pair, err := r.generate()
	if err != nil {
		return SigningKeyPair{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[pair.Kid]; exists {
		return SigningKeyPair{}, fmt.Errorf("generate rsa key: duplicate kid %q", pair.Kid)
	}
	r.keys[pair.Kid] = pair
	r.activeKid = pair.Kid
	return pair, nil
}

// PublicKeys returns a snapshot of every known public key by kid.
func (r *KeyRing) PublicKeys() map[string]*rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*rsa.PublicKey, len(r.keys))
	for kid, pair := range r.keys {
		out[kid] = pair.PublicKey
	}
	return out
}

// Kids returns the sorted list of known key ids.
func (r *KeyRing) Kids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.keys))
	for kid := range r.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}
