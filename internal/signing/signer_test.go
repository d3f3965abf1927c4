package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

func testCert(t *testing.T, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Archiver Test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestNewPAdESSignerMissingPath(t *testing.T) {
	_, err := NewPAdESSigner(Config{}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "pfx_path")
}

func TestNewPAdESSignerFileNotFound(t *testing.T) {
	_, err := NewPAdESSigner(Config{PFXPath: "/nonexistent/bundle.pfx"}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "PFX file not found")
}

func TestNewPAdESSignerCorruptBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.pfx")
	require.NoError(t, os.WriteFile(path, []byte("not a pkcs12 bundle"), 0o600))

	_, err := NewPAdESSigner(Config{PFXPath: path, PFXPassword: "secret"}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "wrong password or corrupted file")
}

func TestCheckCertValidityWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	valid, _ := testCert(t, now.Add(-time.Hour), now.Add(time.Hour))
	assert.NoError(t, checkCertValidity(valid, now))

	future, _ := testCert(t, now.Add(time.Hour), now.Add(2*time.Hour))
	err := checkCertValidity(future, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid before")

	expired, _ := testCert(t, now.Add(-2*time.Hour), now.Add(-time.Hour))
	err = checkCertValidity(expired, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired on")
}

func TestFingerprintIsCertSHA256(t *testing.T) {
	cert, key := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	s := &PAdESSigner{cert: cert, signer: key}

	sum := sha256.Sum256(cert.Raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), s.Fingerprint())
}

func TestSignRejectsEmptyInput(t *testing.T) {
	cert, key := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	s := &PAdESSigner{cert: cert, signer: key}

	_, err := s.Sign(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func TestSignRefusesExpiredCertificate(t *testing.T) {
	cert, key := testCert(t, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	s := &PAdESSigner{cert: cert, signer: key}

	_, err := s.Sign(context.Background(), []byte("%PDF-1.7"))
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestSignTSARequiresURL(t *testing.T) {
	cert, key := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	s := &PAdESSigner{cert: cert, signer: key, cfg: Config{TSAEnabled: true}}

	_, err := s.Sign(context.Background(), []byte("%PDF-1.7\n%%EOF\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TSA URL is missing")
}

func TestClassifySignFailure(t *testing.T) {
	local := errors.New("pdf has no xref table")

	// no TSA: nothing about a local signing failure is retryable
	assert.True(t, domain.IsPermanent(classifySignFailure(false, local)))

	// TSA enabled: network trouble is transient
	unreachable := &url.Error{Op: "Post", URL: "https://tsa.example", Err: errors.New("connection refused")}
	assert.True(t, domain.IsTransient(classifySignFailure(true, unreachable)))

	// TSA 5xx is transient, 4xx is not
	assert.True(t, domain.IsTransient(classifySignFailure(true, errors.New("non success response (503)"))))
	assert.True(t, domain.IsPermanent(classifySignFailure(true, errors.New("non success response (401)"))))

	// a malformed timestamp reply or any other local failure stays permanent
	assert.True(t, domain.IsPermanent(classifySignFailure(true, errors.New("asn1: structure error in timestamp reply"))))
	assert.True(t, domain.IsPermanent(classifySignFailure(true, local)))
}
