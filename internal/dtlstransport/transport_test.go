package dtlstransport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveMTUSubtractsRecordOverhead(t *testing.T) {
	require.Equal(t, 1400-RecordOverhead, deriveMTU(1400))
}

func TestDeriveMTUFallsBackWhenBudgetUnset(t *testing.T) {
	require.Equal(t, 1400, deriveMTU(0))
	require.Equal(t, 1400, deriveMTU(-5))
}

func TestDeriveMTUNeverNegative(t *testing.T) {
	require.Equal(t, 0, deriveMTU(1))
}

// selfSignedDER builds a throwaway self-signed certificate with the given
// serial number, for exercising crlCheck without a real CA.
func selfSignedDER(t *testing.T, serial *big.Int) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "peer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestCrlCheckRejectsRevokedSerial(t *testing.T) {
	revoked := big.NewInt(42)
	crl := &x509.RevocationList{
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: revoked, RevocationTime: time.Now()},
		},
	}
	check := crlCheck([]*x509.RevocationList{crl})
	der := selfSignedDER(t, revoked)
	require.Error(t, check([][]byte{der}, nil))
}

func TestCrlCheckAllowsUnlistedSerial(t *testing.T) {
	revoked := big.NewInt(42)
	crl := &x509.RevocationList{
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: revoked, RevocationTime: time.Now()},
		},
	}
	check := crlCheck([]*x509.RevocationList{crl})
	der := selfSignedDER(t, big.NewInt(7))
	require.NoError(t, check([][]byte{der}, nil))
}
