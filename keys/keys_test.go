package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

// GenerateTestKeyPEM returns a PKCS#8 PEM-encoded P-256 key for this
// package's tests, the same shape keys.Load expects for JWT_PRIVATE_KEY.
func GenerateTestKeyPEM(t testing.TB) []byte {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestLoadSignAndVerify(t *testing.T) {
	pemBytes := GenerateTestKeyPEM(t)
	ks, err := Load(pemBytes, nil)
	require.NoError(t, err)
	require.Equal(t, jose.ES256, ks.Algorithm)

	token, err := ks.Sign(map[string]string{"sub": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestLoadRejectsInvalidPEM(t *testing.T) {
	_, err := Load([]byte("not pem"), nil)
	require.Error(t, err)
}
