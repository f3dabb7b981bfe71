package sgx

import (
	"bytes"
	"crypto/x509"
	_ "embed"
	"encoding/asn1"
	"fmt"

	"github.com/haraldh/steward/ext"
)

// rootPKIPath is the bundled trust-root artifact: a DER-encoded PkiPath
// (SEQUENCE OF Certificate) ordered from the self-signed Intel SGX Root CA
// down to the last intermediate. Replacing the vendor root means
// regenerating this file; see testing/genpkipath.
//
//go:embed sgx.pkipath
var rootPKIPath []byte

// ParsePKIPath decodes a DER PkiPath into its ordered certificates.
func ParsePKIPath(der []byte) ([]*x509.Certificate, error) {
	var rawCerts []asn1.RawValue
	rest, err := asn1.Unmarshal(der, &rawCerts)
	if err != nil {
		return nil, fmt.Errorf("parsing PkiPath: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("parsing PkiPath: %d trailing bytes", len(rest))
	}

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PkiPath certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MarshalPKIPath encodes ordered certificates as a DER PkiPath.
func MarshalPKIPath(certs []*x509.Certificate) ([]byte, error) {
	rawCerts := make([]asn1.RawValue, 0, len(certs))
	for _, cert := range certs {
		rawCerts = append(rawCerts, asn1.RawValue{FullBytes: cert.Raw})
	}
	der, err := asn1.Marshal(rawCerts)
	if err != nil {
		return nil, fmt.Errorf("encoding PkiPath: %w", err)
	}
	return der, nil
}

// isTrusted checks that the supplied PCK certificate is rooted in the
// bundled trust path and returns the fully verified certificate.
//
// The walk treats [path..., pck] as an ordered chain: the expected issuer
// starts at the self-signed root and advances only when the next link's
// signature checks out under it. The first iteration verifies the root's
// own self-signature. A failed link poisons the rest of the walk, and the
// final expected issuer must be the candidate itself.
func (s *Sgx) isTrusted(pck *x509.Certificate) (*x509.Certificate, error) {
	now := s.clock.Now()

	chain := make([]*x509.Certificate, 0, len(s.path)+1)
	chain = append(chain, s.path...)
	chain = append(chain, pck)

	signer := s.path[0]
	for _, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, fmt.Errorf("%w: certificate %q is not valid at %v", ext.ErrUntrustedSigner, cert.Subject, now)
		}
		if err := cert.CheckSignatureFrom(signer); err != nil {
			return nil, fmt.Errorf("%w: certificate %q is not signed by %q: %v", ext.ErrUntrustedSigner, cert.Subject, signer.Subject, err)
		}
		signer = cert
	}

	if !bytes.Equal(signer.RawTBSCertificate, pck.RawTBSCertificate) {
		return nil, fmt.Errorf("%w: chain does not terminate at the supplied PCK", ext.ErrUntrustedSigner)
	}

	return signer, nil
}
