package sgx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/utils/clock"

	"github.com/haraldh/steward/ext"
	"github.com/haraldh/steward/ext/sgx/quote"
	"github.com/haraldh/steward/ext/sgx/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testPKI is a generated stand-in for the vendor hierarchy: a self-signed
// root, one intermediate, and a PCK leaf.
type testPKI struct {
	root    *x509.Certificate
	inter   *x509.Certificate
	pck     *x509.Certificate
	rootKey *ecdsa.PrivateKey
	pckKey  *ecdsa.PrivateKey
	path    []*x509.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	rootKey := newECDSAKey(t, elliptic.P256())
	interKey := newECDSAKey(t, elliptic.P256())
	pckKey := newECDSAKey(t, elliptic.P256())

	root := newCert(t, caTemplate(1, "Test SGX Root CA"), nil, &rootKey.PublicKey, rootKey)
	inter := newCert(t, caTemplate(2, "Test SGX PCK Processor CA"), root, &interKey.PublicKey, rootKey)
	pck := newCert(t, leafTemplate(3, "Test SGX PCK Certificate"), inter, &pckKey.PublicKey, interKey)

	return &testPKI{
		root:    root,
		inter:   inter,
		pck:     pck,
		rootKey: rootKey,
		pckKey:  pckKey,
		path:    []*x509.Certificate{root, inter},
	}
}

func newECDSAKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return key
}

func caTemplate(serial int64, commonName string) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

func leafTemplate(serial int64, commonName string) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
}

// newCert issues a certificate from template. A nil parent self-signs.
func newCert(t *testing.T, template, parent *x509.Certificate, pub any, signerKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newVerifier(pki *testPKI) *Sgx {
	return &Sgx{path: pki.path, clock: clock.RealClock{}}
}

// buildQuote assembles a raw quote whose report body is signed by the
// given PCK key.
func buildQuote(t *testing.T, pckKey *ecdsa.PrivateKey) []byte {
	t.Helper()

	body := quote.ReportBody{
		MiscSelect: types.MiscSelectEXINFO,
		Attributes: types.DefaultAttributes(),
		ISVProdID:  1,
	}
	copy(body.ReportData[:], "test enclave report data")
	bodyBytes := body.Marshal()

	digest := sha256.Sum256(bodyBytes[:])
	r, s, err := ecdsa.Sign(rand.Reader, pckKey, digest[:])
	require.NoError(t, err)

	var reportSig [64]byte
	r.FillBytes(reportSig[0:32])
	s.FillBytes(reportSig[32:64])

	sigData := make([]byte, 0, 584)
	sigData = append(sigData, reportSig[:]...)
	sigData = append(sigData, make([]byte, 64)...)  // attestation key
	sigData = append(sigData, make([]byte, 384)...) // QE report
	sigData = append(sigData, make([]byte, 64)...)  // QE report signature
	sigData = binary.LittleEndian.AppendUint16(sigData, 0)
	sigData = binary.LittleEndian.AppendUint16(sigData, 5)
	sigData = binary.LittleEndian.AppendUint32(sigData, 0)

	header := quote.Header{
		Version:            quote.QuoteVersion,
		AttestationKeyType: quote.AttestationKeyTypeECDSA256,
	}
	headerBytes := header.Marshal()

	rawQuote := append([]byte{}, headerBytes[:]...)
	rawQuote = append(rawQuote, bodyBytes[:]...)
	rawQuote = binary.LittleEndian.AppendUint32(rawQuote, uint32(len(sigData)))
	rawQuote = append(rawQuote, sigData...)

	return rawQuote
}

// buildEvidence DER-encodes the evidence extension payload.
func buildEvidence(t *testing.T, pck *x509.Certificate, rawQuote []byte) []byte {
	t.Helper()
	der, err := asn1.Marshal(evidenceASN1{
		PCK:   asn1.RawValue{FullBytes: pck.Raw},
		Quote: rawQuote,
	})
	require.NoError(t, err)
	return der
}

func newCSR(t *testing.T, key crypto.Signer) *x509.CertificateRequest {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "workload"},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func evidenceExtension(value []byte) pkix.Extension {
	return pkix.Extension{Id: OID, Value: value}
}

func TestVerify(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	evidence := buildEvidence(t, pki.pck, buildQuote(t, pki.pckKey))
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	ok, err := verifier.Verify(csr, evidenceExtension(evidence), false)
	require.NoError(err)
	assert.True(ok)

	// The debug flag must not change the outcome for valid evidence.
	ok, err = verifier.Verify(csr, evidenceExtension(evidence), true)
	require.NoError(err)
	assert.True(ok)
}

func TestVerifyRejectsCriticalExtension(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	evidence := buildEvidence(t, pki.pck, buildQuote(t, pki.pckKey))
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	extension := evidenceExtension(evidence)
	extension.Critical = true

	_, err := verifier.Verify(csr, extension, false)
	require.ErrorIs(t, err, ext.ErrProtocolViolation)
}

func TestVerifyRejectsMalformedEvidence(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	testCases := map[string][]byte{
		"garbage":       {0xde, 0xad, 0xbe, 0xef},
		"empty":         {},
		"trailing data": append(buildEvidence(t, pki.pck, buildQuote(t, pki.pckKey)), 0x00),
	}
	for name, value := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(csr, evidenceExtension(value), false)
			require.ErrorIs(t, err, ext.ErrDecode)
		})
	}
}

func TestVerifyRejectsUntrustedSigner(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)

	// A self-signed certificate with no relation to the trust path, with
	// an otherwise perfectly valid quote signed by its own key.
	strangerKey := newECDSAKey(t, elliptic.P256())
	stranger := newCert(t, caTemplate(99, "Imposter CA"), nil, &strangerKey.PublicKey, strangerKey)
	evidence := buildEvidence(t, stranger, buildQuote(t, strangerKey))
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	_, err := verifier.Verify(csr, evidenceExtension(evidence), false)
	require.ErrorIs(t, err, ext.ErrUntrustedSigner)
}

func TestVerifyRejectsAlgorithmMismatch(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	evidence := buildEvidence(t, pki.pck, buildQuote(t, pki.pckKey))

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	testCases := map[string]crypto.Signer{
		// Same id-ecPublicKey OID, different named curve parameters.
		"p384 key": newECDSAKey(t, elliptic.P384()),
		"rsa key":  rsaKey,
	}
	for name, key := range testCases {
		t.Run(name, func(t *testing.T) {
			csr := newCSR(t, key)
			_, err := verifier.Verify(csr, evidenceExtension(evidence), false)
			require.ErrorIs(t, err, ext.ErrAlgorithmMismatch)
		})
	}
}

func TestVerifyRejectsMalformedQuote(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	rawQuote := buildQuote(t, pki.pckKey)
	evidence := buildEvidence(t, pki.pck, rawQuote[:100])

	_, err := verifier.Verify(csr, evidenceExtension(evidence), false)
	require.ErrorIs(t, err, ext.ErrQuoteDecode)
}

func TestVerifyDetectsTampering(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	testCases := map[string]int{
		"report body first byte":  48,
		"report body report data": 48 + 320,
		"signature r":             436,
		"signature s":             436 + 32,
	}
	for name, offset := range testCases {
		t.Run(name, func(t *testing.T) {
			rawQuote := buildQuote(t, pki.pckKey)
			rawQuote[offset] ^= 0x01
			evidence := buildEvidence(t, pki.pck, rawQuote)

			_, err := verifier.Verify(csr, evidenceExtension(evidence), false)
			require.ErrorIs(t, err, ext.ErrInvalidSignature)
		})
	}
}

func TestVerifyConcurrent(t *testing.T) {
	pki := newTestPKI(t)
	verifier := newVerifier(pki)
	evidence := buildEvidence(t, pki.pck, buildQuote(t, pki.pckKey))
	csr := newCSR(t, newECDSAKey(t, elliptic.P256()))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := verifier.Verify(csr, evidenceExtension(evidence), false)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestVerifierContract(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	verifier, err := New()
	require.NoError(err)
	assert.True(verifier.Attested())
	assert.Equal("1.3.6.1.4.1.58270.1.2", verifier.OID().String())

	var _ ext.Verifier = verifier
}
