/*
Package ext dispatches attestation evidence carried in certificate signing
request extensions to the verifier responsible for it.

Each hardware vendor embeds its evidence under its own extension OID. A
Verifier knows one OID, reports whether its evidence proves hardware
attestation, and checks a single extension against the request it arrived
in. The Registry holds the known verifiers and routes an extension to the
matching one; adding a vendor means registering another Verifier, not
touching the dispatch.
*/
package ext

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// Verification failure kinds. Verifiers wrap these so callers can tell
// failure classes apart with errors.Is while still getting the full
// context from the wrapped message.
var (
	// ErrProtocolViolation marks evidence that breaks protocol conventions,
	// e.g. an attestation extension flagged critical.
	ErrProtocolViolation = errors.New("attestation protocol violation")

	// ErrDecode marks a malformed evidence envelope or certificate.
	ErrDecode = errors.New("malformed attestation evidence")

	// ErrUntrustedSigner marks a signer certificate that is not reachable
	// from the embedded trust root.
	ErrUntrustedSigner = errors.New("untrusted evidence signer")

	// ErrAlgorithmMismatch marks a request whose public key algorithm
	// differs from the verified signer's.
	ErrAlgorithmMismatch = errors.New("public key algorithm mismatch")

	// ErrQuoteDecode marks malformed quote bytes.
	ErrQuoteDecode = errors.New("malformed quote")

	// ErrSignatureEncode marks a quote signature that cannot be re-encoded
	// for the verification primitive.
	ErrSignatureEncode = errors.New("quote signature encoding failed")

	// ErrInvalidSignature marks a failed cryptographic signature check.
	ErrInvalidSignature = errors.New("invalid quote signature")

	// ErrUnknownExtension marks an extension no registered verifier handles.
	ErrUnknownExtension = errors.New("no verifier registered for extension")
)

// Verifier checks one kind of attestation evidence.
//
// Verify returns (true, nil) when the evidence is valid and an error for
// any validation failure. The dbg flag signals that debug-mode evidence is
// acceptable; it is reserved for relaxing enclave debug policy and unused
// today. A false result without error is reserved for future soft-reject
// semantics and is never returned by current verifiers.
type Verifier interface {
	// OID is the certificate extension identifier this verifier handles.
	OID() asn1.ObjectIdentifier

	// Attested reports whether valid evidence proves hardware attestation.
	Attested() bool

	// Verify checks the evidence in extension against the request.
	Verify(csr *x509.CertificateRequest, extension pkix.Extension, dbg bool) (bool, error)
}

// Registry routes certificate request extensions to their verifiers.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	byOID map[string]Verifier
}

// NewRegistry builds a registry from the given verifiers. Two verifiers
// claiming the same OID is a configuration mistake and fails construction.
func NewRegistry(verifiers ...Verifier) (*Registry, error) {
	byOID := make(map[string]Verifier, len(verifiers))
	for _, v := range verifiers {
		oid := v.OID().String()
		if _, ok := byOID[oid]; ok {
			return nil, fmt.Errorf("duplicate verifier for OID %s", oid)
		}
		byOID[oid] = v
	}
	return &Registry{byOID: byOID}, nil
}

// Lookup returns the verifier registered for oid, if any.
func (r *Registry) Lookup(oid asn1.ObjectIdentifier) (Verifier, bool) {
	v, ok := r.byOID[oid.String()]
	return v, ok
}

// Verify dispatches the extension to the verifier registered for its OID.
func (r *Registry) Verify(csr *x509.CertificateRequest, extension pkix.Extension, dbg bool) (bool, error) {
	v, ok := r.Lookup(extension.Id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownExtension, extension.Id)
	}
	return v.Verify(csr, extension, dbg)
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// SubjectPublicKeyAlgorithm extracts the algorithm identifier from a raw
// DER SubjectPublicKeyInfo, as found in certificates and certificate
// requests.
func SubjectPublicKeyAlgorithm(rawSPKI []byte) (pkix.AlgorithmIdentifier, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(rawSPKI, &spki)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("parsing SubjectPublicKeyInfo: %w", err)
	}
	if len(rest) != 0 {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("parsing SubjectPublicKeyInfo: %d trailing bytes", len(rest))
	}
	return spki.Algorithm, nil
}

// AlgorithmsEqual compares two algorithm identifiers by object identifier
// and parameters. The parameters matter: for elliptic curve keys they name
// the curve, so P-256 and P-384 keys share an OID but do not compare equal.
func AlgorithmsEqual(a, b pkix.AlgorithmIdentifier) bool {
	return a.Algorithm.Equal(b.Algorithm) && bytes.Equal(a.Parameters.FullBytes, b.Parameters.FullBytes)
}
