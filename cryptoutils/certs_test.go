package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned issues a self-signed certificate for a fresh key, returning both
// in PEM form.
func selfSigned(t *testing.T, cn string, isCA bool) (TLSCert, TLSKey) {
	t.Helper()

	key, keyPEM, err := GenerateP256Key()
	require.NoError(t, err)

	serial, err := RandomSerialNumber()
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return TLSCert(EncodeCertificatePEM(der)), keyPEM
}

func TestGenerateP256Key(t *testing.T) {
	key, keyPEM, err := GenerateP256Key()
	require.NoError(t, err)
	require.NoError(t, keyPEM.Validate())

	parsed, err := keyPEM.GetPrivateKey()
	require.NoError(t, err)
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, ecKey.Equal(key))
}

func TestVerifyCertificate(t *testing.T) {
	certPEM, keyPEM := selfSigned(t, "clone-s1-source", false)

	require.NoError(t, VerifyCertificate(keyPEM, certPEM, "clone-s1-source"))

	err := VerifyCertificate(keyPEM, certPEM, "clone-s2-source")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CommonName")

	// A different key must not pass verification for this certificate.
	_, otherKey, err2 := GenerateP256Key()
	require.NoError(t, err2)
	assert.Error(t, VerifyCertificate(otherKey, certPEM, "clone-s1-source"))

	assert.Error(t, VerifyCertificate(keyPEM, []byte("garbage"), "clone-s1-source"))
	assert.Error(t, VerifyCertificate([]byte("garbage"), certPEM, "clone-s1-source"))
}

func TestTLSCertValidation(t *testing.T) {
	certPEM, _ := selfSigned(t, "leaf", false)

	cert, err := NewTLSCert(certPEM)
	require.NoError(t, err)
	require.NoError(t, cert.Validate())

	expired, err := cert.IsExpired()
	require.NoError(t, err)
	assert.False(t, expired)

	_, err = NewTLSCert([]byte("not pem"))
	assert.Error(t, err)
}

func TestCACertRequiresCAFlag(t *testing.T) {
	leafPEM, _ := selfSigned(t, "leaf", false)
	caPEM, _ := selfSigned(t, "root", true)

	_, err := NewCACert(leafPEM)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IsCA")

	ca, err := NewCACert(caPEM)
	require.NoError(t, err)
	require.NoError(t, ca.Validate())

	// A self-signed leaf does not chain to an unrelated root.
	assert.Error(t, ca.VerifyCertificate(TLSCert(leafPEM)))
}

func TestRandomSerialNumber(t *testing.T) {
	a, err := RandomSerialNumber()
	require.NoError(t, err)
	b, err := RandomSerialNumber()
	require.NoError(t, err)

	assert.NotEqual(t, 0, a.Sign())
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a.BitLen(), 128)
}
