package apkparser

import (
	"fmt"
	"path"
	"strings"

	"go.mozilla.org/pkcs7"
)

// V1SignatureEntry is one META-INF/*.{RSA,EC,DSA} entry: its archive name
// and the X.509 certificate(s) recovered from its PKCS#7 SignedData payload
// (§3, §4.5).
type V1SignatureEntry struct {
	Name         string
	Certificates [][]byte // DER
}

// V1SigExtractor enumerates JAR-style (v1) signature entries from a ZipIndex
// and extracts their embedded certificates (§4.5). Unlike the original
// Python implementation's byte-trimming heuristic (stripping a re-encoded
// ASN.1 `A0` context tag), this walks the PKCS#7 SignedData structure
// properly via go.mozilla.org/pkcs7, per §9's re-architecture guidance.
type V1SigExtractor struct {
	zip *ZipIndex
}

// NewV1SigExtractor wraps an already-open archive.
func NewV1SigExtractor(zip *ZipIndex) *V1SigExtractor {
	return &V1SigExtractor{zip: zip}
}

// Names enumerates every META-INF/*.{RSA,EC,DSA} entry name, without
// decoding it - useful for diagnostics when a certificate fails to parse.
func (v *V1SigExtractor) Names() []string {
	var names []string
	for _, n := range v.zip.Names() {
		if isV1SignatureName(n) {
			names = append(names, n)
		}
	}
	return names
}

func isV1SignatureName(name string) bool {
	dir, file := path.Split(path.Clean(name))
	if dir != "META-INF/" {
		return false
	}
	ext := strings.ToUpper(path.Ext(file))
	return ext == ".RSA" || ext == ".EC" || ext == ".DSA"
}

// Certificates decodes every v1 signature entry's PKCS#7 SignedData and
// returns one V1SignatureEntry per matching entry, each holding that entry's
// certificates (mirrors the original walking *all* META-INF signature files,
// not just the first). APK.CertificatesV1 flattens them.
func (v *V1SigExtractor) Certificates() ([]V1SignatureEntry, error) {
	var out []V1SignatureEntry
	for _, name := range v.Names() {
		data, err := v.zip.Read(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		p7, err := pkcs7.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#7 in %s: %w", name, err)
		}

		entry := V1SignatureEntry{Name: name}
		for _, cert := range p7.Certificates {
			entry.Certificates = append(entry.Certificates, cert.Raw)
		}
		out = append(out, entry)
	}
	return out, nil
}
