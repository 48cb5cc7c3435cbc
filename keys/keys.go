// Package keys loads the process-wide JWT signing key and serves the JWKS
// document, per spec §5/§6: "imported once per process, shared read-only."
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// KeySet holds the signing key and the parsed JWKS that is re-encoded and
// served at /.well-known/jwks.json; the original JWKS text is not kept.
type KeySet struct {
	SigningKey *jose.JSONWebKey
	Algorithm  jose.SignatureAlgorithm
	JWKS       jose.JSONWebKeySet
}

// Load parses JWT_PRIVATE_KEY (a PKCS#8 PEM private key) and JWKS (the raw
// public JWKS JSON, spec §8) into a KeySet. Unlike dex's rotation.go, there
// is exactly one signing key, loaded once: this module doesn't rotate keys
// itself (spec §5).
func Load(privateKeyPEM, jwksJSON []byte) (*KeySet, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("keys: JWT_PRIVATE_KEY is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parsing PKCS#8 private key: %w", err)
	}

	alg, err := signatureAlgorithm(parsed)
	if err != nil {
		return nil, err
	}

	jwk := &jose.JSONWebKey{Key: parsed, Algorithm: string(alg), Use: "sig", KeyID: keyID(parsed)}

	var jwks jose.JSONWebKeySet
	if len(jwksJSON) > 0 {
		if err := json.Unmarshal(jwksJSON, &jwks); err != nil {
			return nil, fmt.Errorf("keys: parsing JWKS: %w", err)
		}
	}

	return &KeySet{SigningKey: jwk, Algorithm: alg, JWKS: jwks}, nil
}

// keyID derives a short, stable identifier for the signing key so JWTs can
// carry a `kid` header the JWKS set can be matched against, without
// depending on the thumbprint machinery succeeding for every key type.
func keyID(key interface{}) string {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return fmt.Sprintf("rsa-%d", k.PublicKey.N.BitLen())
	case *ecdsa.PrivateKey:
		return fmt.Sprintf("ec-%s", k.Curve.Params().Name)
	default:
		return "default"
	}
}

// signatureAlgorithm picks ES256/ES384/ES512 for ECDSA keys and RS256 for
// RSA keys, exactly as dex's server/oauth2.go signatureAlgorithm does.
func signatureAlgorithm(key interface{}) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Params() {
		case elliptic.P256().Params():
			return jose.ES256, nil
		case elliptic.P384().Params():
			return jose.ES384, nil
		case elliptic.P521().Params():
			return jose.ES512, nil
		default:
			return "", errors.New("keys: unsupported ecdsa curve")
		}
	default:
		return "", fmt.Errorf("keys: unsupported signing key type %T", key)
	}
}

// Sign produces a compact JWS over an arbitrary claim set.
func (ks *KeySet) Sign(claims interface{}) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: ks.Algorithm, Key: ks.SigningKey}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": ks.SigningKey.KeyID},
	})
	if err != nil {
		return "", fmt.Errorf("keys: building signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("keys: signing: %w", err)
	}
	return sig.CompactSerialize()
}
