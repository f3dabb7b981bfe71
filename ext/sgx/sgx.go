/*
Package sgx verifies Intel SGX attestation evidence embedded in
certificate signing requests.

A requester proves it runs inside a genuine enclave by attaching evidence
under the SGX extension OID: the platform certification key (PCK)
certificate and the raw quote the platform produced. Verification
establishes that the PCK chains to the bundled Intel root of trust, that
the quote's report body is validly signed by the PCK, and that the
request's own key uses the same algorithm as the PCK so the evidence
cannot be paired with a weaker request key.
*/
package sgx

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/haraldh/steward/ext"
	"github.com/haraldh/steward/ext/sgx/quote"
)

// OID is the certificate extension identifier carrying SGX evidence.
var OID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58270, 1, 2}

// Evidence is the decoded content of the SGX evidence extension: the PCK
// certificate and the opaque quote it signed.
type Evidence struct {
	PCK   *x509.Certificate
	Quote []byte
}

// evidenceASN1 is the DER shape of the evidence extension payload:
// SEQUENCE { Certificate, OCTET STRING }.
type evidenceASN1 struct {
	PCK   asn1.RawValue
	Quote []byte
}

// parseEvidence decodes an evidence extension payload.
func parseEvidence(der []byte) (Evidence, error) {
	var raw evidenceASN1
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return Evidence{}, fmt.Errorf("%w: parsing evidence envelope: %v", ext.ErrDecode, err)
	}
	if len(rest) != 0 {
		return Evidence{}, fmt.Errorf("%w: evidence envelope has %d trailing bytes", ext.ErrDecode, len(rest))
	}

	pck, err := x509.ParseCertificate(raw.PCK.FullBytes)
	if err != nil {
		return Evidence{}, fmt.Errorf("%w: parsing PCK certificate: %v", ext.ErrDecode, err)
	}

	return Evidence{PCK: pck, Quote: raw.Quote}, nil
}

// Sgx verifies SGX evidence extensions. It holds the immutable trust-root
// path and is safe for concurrent use without locking.
type Sgx struct {
	path  []*x509.Certificate
	clock clock.PassiveClock
}

// New builds an Sgx verifier over the bundled trust-root path.
func New() (*Sgx, error) {
	path, err := ParsePKIPath(rootPKIPath)
	if err != nil {
		return nil, fmt.Errorf("parsing bundled PKI path: %w", err)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("bundled PKI path is empty")
	}
	return &Sgx{path: path, clock: clock.RealClock{}}, nil
}

// OID returns the SGX evidence extension identifier.
func (s *Sgx) OID() asn1.ObjectIdentifier {
	return OID
}

// Attested reports that valid SGX evidence proves hardware attestation.
func (s *Sgx) Attested() bool {
	return true
}

// Verify checks the SGX evidence in extension against the request.
func (s *Sgx) Verify(csr *x509.CertificateRequest, extension pkix.Extension, dbg bool) (bool, error) {
	if extension.Critical {
		return false, fmt.Errorf("%w: sgx evidence extension cannot be critical", ext.ErrProtocolViolation)
	}

	// Decode the evidence.
	evidence, err := parseEvidence(extension.Value)
	if err != nil {
		return false, err
	}

	// Validate the PCK against the trust-root path.
	pck, err := s.isTrusted(evidence.PCK)
	if err != nil {
		return false, err
	}

	// Force the request to have the same key type as the PCK.
	//
	// There is no algorithm negotiation in this protocol; negotiation is
	// subject to downgrade attacks. Binding the request key algorithm to
	// the PCK's means the request is never weaker than what the hardware
	// vendor chose for the PCK. Checked early to fail before any crypto.
	csrAlg, err := ext.SubjectPublicKeyAlgorithm(csr.RawSubjectPublicKeyInfo)
	if err != nil {
		return false, fmt.Errorf("%w: request public key: %v", ext.ErrDecode, err)
	}
	pckAlg, err := ext.SubjectPublicKeyAlgorithm(pck.RawSubjectPublicKeyInfo)
	if err != nil {
		return false, fmt.Errorf("%w: PCK public key: %v", ext.ErrDecode, err)
	}
	if !ext.AlgorithmsEqual(csrAlg, pckAlg) {
		return false, fmt.Errorf("%w: request key algorithm %v does not match PCK key algorithm %v", ext.ErrAlgorithmMismatch, csrAlg.Algorithm, pckAlg.Algorithm)
	}

	// Extract the quote and its signature.
	q, err := quote.Parse(evidence.Quote)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ext.ErrQuoteDecode, err)
	}

	sigDER, err := q.Signature.ReportSignatureDER()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ext.ErrSignatureEncode, err)
	}

	// Verify the report body against the detached signature with the
	// PCK's key. The signature algorithm is fixed; see the note above on
	// negotiation.
	body := q.Body.Marshal()
	if err := pck.CheckSignature(x509.ECDSAWithSHA256, body[:], sigDER); err != nil {
		return false, fmt.Errorf("%w: %v", ext.ErrInvalidSignature, err)
	}

	if !dbg {
		// TODO: validate report body measurements and attributes against
		// caller-supplied expectations once the acceptance policy is
		// settled.
	}

	return true, nil
}
