/*
Package quote parses SGX ECDSA quotes (quote structure version 3).

A quote is the vendor-signed binary report an enclave platform produces.
The layout is fixed and little-endian:

	┌──────────────────────────┐
	│          Header          │  48 bytes
	├──────────────────────────┤
	│        ReportBody        │  384 bytes, signed by the PCK
	├──────────────────────────┤
	│      SignatureLength     │  4 bytes
	├──────────────────────────┤
	│       SignatureData      │  variable
	│ ┌──────────────────────┐ │
	│ │   ReportSignature    │ │  64 bytes (r || s)
	│ ├──────────────────────┤ │
	│ │   AttestationKey     │ │  64 bytes
	│ ├──────────────────────┤ │
	│ │       QEReport       │ │  384 bytes
	│ ├──────────────────────┤ │
	│ │  QEReportSignature   │ │  64 bytes
	│ ├──────────────────────┤ │
	│ │      QEAuthData      │ │  2-byte size + data
	│ ├──────────────────────┤ │
	│ │  CertificationData   │ │  2-byte type + 4-byte size + data
	│ └──────────────────────┘ │
	└──────────────────────────┘

Every size field is checked against the remaining input before slicing, so
short or truncated quotes fail cleanly instead of reading out of bounds.
*/
package quote

import (
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/haraldh/steward/ext/sgx/types"
)

const (
	// QuoteVersion is the only supported quote structure version.
	QuoteVersion = 3

	// AttestationKeyTypeECDSA256 marks a quote signed with ECDSA-P256.
	AttestationKeyTypeECDSA256 = 2

	headerSize     = 48
	bodySize       = 384
	sigLengthSize  = 4
	minSigDataSize = 64 + 64 + bodySize + 64 + 2 + 2 + 4

	// minQuoteSize is the smallest well-formed quote: header, report body,
	// signature length, and signature data with empty auth and cert data.
	minQuoteSize = headerSize + bodySize + sigLengthSize + minSigDataSize

	// maxQuoteSize bounds the input before parsing (1 MiB).
	maxQuoteSize = 1048576
)

// Header is the 48-byte quote header.
type Header struct {
	Version            uint16
	AttestationKeyType uint16
	Reserved           uint32
	QESVN              uint16
	PCESVN             uint16
	QEVendorID         [16]byte
	UserData           [20]byte
}

// ReportBody is the 384-byte enclave report the platform measured and the
// PCK signed.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect types.MiscSelect
	Reserved1  [28]byte
	Attributes types.Attributes
	MRENCLAVE  [32]byte
	Reserved2  [32]byte
	MRSIGNER   [32]byte
	Reserved3  [96]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Reserved4  [60]byte
	ReportData [64]byte
}

// SignatureData is the variable-length signature region of a quote.
type SignatureData struct {
	ReportSignature   [64]byte // ECDSA-P256, r || s
	AttestationKey    [64]byte
	QEReport          ReportBody
	QEReportSignature [64]byte
	QEAuthData        QEAuthData
	CertificationData CertificationData
}

// QEAuthData is the quoting enclave authentication data.
type QEAuthData struct {
	ParsedDataSize uint16
	Data           []byte
}

// CertificationData carries the certification material the quoting
// enclave attached, tagged by type.
type CertificationData struct {
	Type           uint16
	ParsedDataSize uint32
	Data           []byte
}

// Quote is a parsed SGX ECDSA quote.
type Quote struct {
	Header          Header
	Body            ReportBody
	SignatureLength uint32
	Signature       SignatureData
}

// Parse parses a complete raw SGX quote.
func Parse(rawQuote []byte) (Quote, error) {
	quoteLength := len(rawQuote)
	if quoteLength < minQuoteSize {
		return Quote{}, fmt.Errorf("quote structure is too short to be parsed (received: %d bytes, need at least: %d bytes)", quoteLength, minQuoteSize)
	} else if quoteLength > maxQuoteSize {
		return Quote{}, fmt.Errorf("quote is too large (over 1 MiB, received: %d bytes)", quoteLength)
	}

	header := Header{
		Version:            binary.LittleEndian.Uint16(rawQuote[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(rawQuote[2:4]),
		Reserved:           binary.LittleEndian.Uint32(rawQuote[4:8]),
		QESVN:              binary.LittleEndian.Uint16(rawQuote[8:10]),
		PCESVN:             binary.LittleEndian.Uint16(rawQuote[10:12]),
		QEVendorID:         [16]byte(rawQuote[12:28]),
		UserData:           [20]byte(rawQuote[28:48]),
	}

	if header.Version != QuoteVersion {
		return Quote{}, fmt.Errorf("quote version is not %d (got: %d)", QuoteVersion, header.Version)
	}
	if header.AttestationKeyType != AttestationKeyTypeECDSA256 {
		return Quote{}, fmt.Errorf("quote attestation key type is not ECDSA-P256 (expected: %d, got: %d)", AttestationKeyTypeECDSA256, header.AttestationKeyType)
	}

	body := parseReportBody([bodySize]byte(rawQuote[headerSize : headerSize+bodySize]))

	signatureLength := binary.LittleEndian.Uint32(rawQuote[432:436])
	endSignature := 436 + uint64(signatureLength)
	if endSignature > uint64(quoteLength) {
		return Quote{}, fmt.Errorf("quote SignatureLength is either incorrect or data is truncated (requires at least: %d bytes, left: %d bytes)", signatureLength, quoteLength-436)
	}

	signature, err := parseSignatureData(rawQuote[436:endSignature])
	if err != nil {
		return Quote{}, fmt.Errorf("failed parsing quote signature data: %w", err)
	}

	return Quote{
		Header:          header,
		Body:            body,
		SignatureLength: signatureLength,
		Signature:       signature,
	}, nil
}

// parseReportBody decodes a fixed-size report body. The input size is part
// of the type, so this cannot fail.
func parseReportBody(raw [bodySize]byte) ReportBody {
	return ReportBody{
		CPUSVN:     [16]byte(raw[0:16]),
		MiscSelect: types.MiscSelectFromBytes([4]byte(raw[16:20])),
		Reserved1:  [28]byte(raw[20:48]),
		Attributes: types.AttributesFromBytes([16]byte(raw[48:64])),
		MRENCLAVE:  [32]byte(raw[64:96]),
		Reserved2:  [32]byte(raw[96:128]),
		MRSIGNER:   [32]byte(raw[128:160]),
		Reserved3:  [96]byte(raw[160:256]),
		ISVProdID:  binary.LittleEndian.Uint16(raw[256:258]),
		ISVSVN:     binary.LittleEndian.Uint16(raw[258:260]),
		Reserved4:  [60]byte(raw[260:320]),
		ReportData: [64]byte(raw[320:384]),
	}
}

// parseSignatureData parses the signature region of a quote.
func parseSignatureData(raw []byte) (SignatureData, error) {
	rawLength := len(raw)
	if rawLength < minSigDataSize {
		return SignatureData{}, fmt.Errorf("signature data is too short to be parsed (received: %d bytes, need at least: %d bytes)", rawLength, minSigDataSize)
	}

	sigData := SignatureData{
		ReportSignature:   [64]byte(raw[0:64]),
		AttestationKey:    [64]byte(raw[64:128]),
		QEReport:          parseReportBody([bodySize]byte(raw[128:512])),
		QEReportSignature: [64]byte(raw[512:576]),
		QEAuthData: QEAuthData{
			ParsedDataSize: binary.LittleEndian.Uint16(raw[576:578]),
		},
	}

	// Upgrade to uint64 since the auth data size could push past uint16.
	endQEAuthData := 578 + uint64(sigData.QEAuthData.ParsedDataSize)
	if endQEAuthData+6 > uint64(rawLength) {
		return SignatureData{}, fmt.Errorf("QEAuthData.ParsedDataSize is either incorrect or data is truncated (requires at least: %d bytes, left: %d bytes)", sigData.QEAuthData.ParsedDataSize, rawLength-578)
	}
	sigData.QEAuthData.Data = raw[578:endQEAuthData]

	certData := CertificationData{
		Type:           binary.LittleEndian.Uint16(raw[endQEAuthData : endQEAuthData+2]),
		ParsedDataSize: binary.LittleEndian.Uint32(raw[endQEAuthData+2 : endQEAuthData+6]),
	}

	endCertData := endQEAuthData + 6 + uint64(certData.ParsedDataSize)
	if endCertData > uint64(rawLength) {
		return SignatureData{}, fmt.Errorf("CertificationData.ParsedDataSize is either incorrect or data is truncated (requires at least: %d bytes, left: %d bytes)", certData.ParsedDataSize, uint64(rawLength)-endQEAuthData-6)
	}
	certData.Data = raw[endQEAuthData+6 : endCertData]
	sigData.CertificationData = certData

	return sigData, nil
}

// Marshal serializes a Header to its binary representation found in a raw
// quote.
func (h *Header) Marshal() [headerSize]byte {
	var result [headerSize]byte
	binary.LittleEndian.PutUint16(result[0:2], h.Version)
	binary.LittleEndian.PutUint16(result[2:4], h.AttestationKeyType)
	binary.LittleEndian.PutUint32(result[4:8], h.Reserved)
	binary.LittleEndian.PutUint16(result[8:10], h.QESVN)
	binary.LittleEndian.PutUint16(result[10:12], h.PCESVN)
	copy(result[12:28], h.QEVendorID[:])
	copy(result[28:48], h.UserData[:])
	return result
}

// Marshal serializes a ReportBody to its binary representation found in a
// raw quote.
func (rb *ReportBody) Marshal() [bodySize]byte {
	miscSelect := rb.MiscSelect.Marshal()
	attributes := rb.Attributes.Marshal()
	isvProdID := make([]byte, 2)
	isvSVN := make([]byte, 2)
	binary.LittleEndian.PutUint16(isvProdID, rb.ISVProdID)
	binary.LittleEndian.PutUint16(isvSVN, rb.ISVSVN)

	var result [bodySize]byte
	copy(result[0:16], rb.CPUSVN[:])
	copy(result[16:20], miscSelect[:])
	copy(result[20:48], rb.Reserved1[:])
	copy(result[48:64], attributes[:])
	copy(result[64:96], rb.MRENCLAVE[:])
	copy(result[96:128], rb.Reserved2[:])
	copy(result[128:160], rb.MRSIGNER[:])
	copy(result[160:256], rb.Reserved3[:])
	copy(result[256:258], isvProdID)
	copy(result[258:260], isvSVN)
	copy(result[260:320], rb.Reserved4[:])
	copy(result[320:384], rb.ReportData[:])

	return result
}

// ecdsaSignature is the standard ASN.1 ECDSA-Sig-Value structure.
type ecdsaSignature struct {
	R, S *big.Int
}

// ReportSignatureDER re-encodes the detached report signature from its
// fixed-size r || s form into the DER structure the x509 signature
// primitives expect.
func (s *SignatureData) ReportSignatureDER() ([]byte, error) {
	sig := ecdsaSignature{
		R: new(big.Int).SetBytes(s.ReportSignature[:32]),
		S: new(big.Int).SetBytes(s.ReportSignature[32:64]),
	}
	der, err := asn1.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encoding report signature: %w", err)
	}
	return der, nil
}
