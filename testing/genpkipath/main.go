// Command genpkipath regenerates the bundled trust-root artifact.
// It reads PEM certificate files in chain order (root first) and writes
// the DER PkiPath to the given output file.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/haraldh/steward/ext/sgx"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <output> <root.pem> [intermediate.pem ...]\n", os.Args[0])
		os.Exit(2)
	}
	if err := generate(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func generate(output string, pemFiles []string) error {
	var certs []*x509.Certificate
	for _, file := range pemFiles {
		pemData, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		for block, rest := pem.Decode(pemData); block != nil; block, rest = pem.Decode(rest) {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("parsing certificate from %s: %w", file, err)
			}
			certs = append(certs, cert)
		}
	}
	if len(certs) == 0 {
		return fmt.Errorf("no certificates found in %v", pemFiles)
	}

	der, err := sgx.MarshalPKIPath(certs)
	if err != nil {
		return err
	}

	return os.WriteFile(output, der, 0o644)
}
