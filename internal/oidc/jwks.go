package oidc

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"sort"
)

// JWK is a single RSA verification key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicKeySource lists every known verification key by kid.
type PublicKeySource interface {
	PublicKeys() map[string]*rsa.PublicKey
}

// KeySetPublisher exports the key ring for external verifiers.
type KeySetPublisher struct {
	src PublicKeySource
}

func NewKeySetPublisher(src PublicKeySource) *KeySetPublisher {
	return &KeySetPublisher{src: src}
}

// JWKS returns one entry per key, active and retired, ordered by kid.
func (p *KeySetPublisher) JWKS() JWKS {
	keys := p.src.PublicKeys()
	out := JWKS{Keys: make([]JWK, 0, len(keys))}
	for kid, pub := range keys {
		out.Keys = append(out.Keys, toJWK(kid, pub))
	}
	sort.Slice(out.Keys, func(i, j int) bool { return out.Keys[i].Kid < out.Keys[j].Kid })
	return out
}

func toJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		// minimal big-endian bytes of the exponent
		E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
