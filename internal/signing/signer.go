// Package signing embeds PAdES signatures into rendered PDFs using a local
// PKCS#12 bundle, optionally timestamped by an RFC3161 TSA.
package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pdfsign/sign"
	"go.uber.org/zap"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

// Signer adds a signature to PDF bytes.
type Signer interface {
	Sign(ctx context.Context, pdfBytes []byte) ([]byte, error)
	// Fingerprint is the SHA-256 hex of the signing certificate, recorded in
	// the audit sidecar.
	Fingerprint() string
}

// Config is the signing material and policy for a PAdESSigner.
type Config struct {
	PFXPath     string
	PFXPassword string
	Reason      string
	Location    string

	TSAEnabled  bool
	TSAURL      string
	TSAUser     string
	TSAPassword string
}

// PAdESSigner signs with a key+certificate decoded from a PKCS#12 bundle.
// The bundle is loaded and validated once at construction so a broken
// config fails at startup, not per ticket.
type PAdESSigner struct {
	cfg    Config
	signer crypto.Signer
	cert   *x509.Certificate
	chain  []*x509.Certificate
	log    *zap.Logger
}

var _ Signer = (*PAdESSigner)(nil)

// NewPAdESSigner loads and validates the PKCS#12 material. All load
// failures are permanent: retrying cannot fix a missing file or a wrong
// password.
func NewPAdESSigner(cfg Config, log *zap.Logger) (*PAdESSigner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PFXPath == "" {
		return nil, domain.Permanent("missing signing material: signing.pfx_path", nil)
	}

	raw, err := os.ReadFile(cfg.PFXPath)
	if err != nil {
		return nil, domain.Permanent(fmt.Sprintf("PFX file not found: %s", cfg.PFXPath), err)
	}

	key, cert, caCerts, err := pkcs12.DecodeChain(raw, cfg.PFXPassword)
	if err != nil {
		hint := "missing/incorrect password"
		if cfg.PFXPassword != "" {
			hint = "wrong password"
		}
		return nil, domain.Permanent(
			fmt.Sprintf("failed to load PKCS#12/PFX bundle (%s or corrupted file)", hint), err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || cert == nil {
		return nil, domain.Permanent("PKCS#12/PFX bundle must contain a private key and certificate", nil)
	}
	if err := checkCertValidity(cert, time.Now()); err != nil {
		return nil, err
	}

	return &PAdESSigner{cfg: cfg, signer: signer, cert: cert, chain: caCerts, log: log}, nil
}

func checkCertValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return domain.Permanent(
			fmt.Sprintf("signing certificate is not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)), nil)
	}
	if now.After(cert.NotAfter) {
		return domain.Permanent(
			fmt.Sprintf("signing certificate expired on %s", cert.NotAfter.UTC().Format(time.RFC3339)), nil)
	}
	return nil
}

func (s *PAdESSigner) Fingerprint() string {
	sum := sha256.Sum256(s.cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Sign embeds an invisible PAdES signature. The certificate validity window
// is re-checked per call so a long-running process stops signing the moment
// its certificate expires.
func (s *PAdESSigner) Sign(ctx context.Context, pdfBytes []byte) ([]byte, error) {
	if len(pdfBytes) == 0 {
		return nil, domain.Permanent("cannot sign an empty PDF", nil)
	}
	if err := checkCertValidity(s.cert, time.Now()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.TSAEnabled && s.cfg.TSAURL == "" {
		return nil, domain.Permanent("timestamping is enabled but TSA URL is missing", nil)
	}

	reader := bytes.NewReader(pdfBytes)
	rdr, err := pdf.NewReader(reader, int64(len(pdfBytes)))
	if err != nil {
		return nil, domain.Permanent("failed to parse PDF for signing", err)
	}

	data := sign.SignData{
		Signature: sign.SignDataSignature{
			Info: sign.SignDataSignatureInfo{
				Name:     s.cert.Subject.CommonName,
				Location: s.cfg.Location,
				Reason:   s.cfg.Reason,
				Date:     time.Now(),
			},
			CertType:   sign.CertificationSignature,
			DocMDPPerm: sign.AllowFillingExistingFormFieldsAndSignaturesPerms,
		},
		Signer:            s.signer,
		DigestAlgorithm:   crypto.SHA256,
		Certificate:       s.cert,
		CertificateChains: [][]*x509.Certificate{append([]*x509.Certificate{s.cert}, s.chain...)},
	}
	if s.cfg.TSAEnabled {
		data.TSA = sign.TSA{
			URL:      s.cfg.TSAURL,
			Username: s.cfg.TSAUser,
			Password: s.cfg.TSAPassword,
		}
	}

	var out bytes.Buffer
	start := time.Now()
	if err := sign.Sign(reader, &out, rdr, int64(len(pdfBytes)), data); err != nil {
		return nil, classifySignFailure(s.cfg.TSAEnabled, err)
	}

	s.log.Debug("pdf signed",
		zap.String("cert_cn", s.cert.Subject.CommonName),
		zap.Bool("tsa", s.cfg.TSAEnabled),
		zap.Duration("took", time.Since(start)))
	return out.Bytes(), nil
}

// tsaStatusRE pulls an HTTP status code out of the signing library's TSA
// error messages; the underlying response is not surfaced as a typed error.
var tsaStatusRE = regexp.MustCompile(`\b([45]\d{2})\b`)

// classifySignFailure maps a sign.Sign error onto the retry taxonomy.
// Without a TSA in play a signing failure is local and never retryable.
// With one, network trouble and TSA 5xx are transient; a TSA 4xx or a
// malformed timestamp reply stays permanent.
func classifySignFailure(tsaEnabled bool, err error) error {
	if !tsaEnabled {
		return domain.Permanent("failed to sign PDF", err)
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return domain.Transient("failed to sign PDF (TSA unreachable)", err)
	}
	if m := tsaStatusRE.FindStringSubmatch(err.Error()); m != nil {
		if strings.HasPrefix(m[1], "5") {
			return domain.Transient("failed to sign PDF (TSA server error)", err)
		}
		return domain.Permanent("failed to sign PDF (TSA rejected the request)", err)
	}
	return domain.Permanent("failed to sign PDF", err)
}
