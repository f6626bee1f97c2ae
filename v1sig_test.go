package apkparser

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
)

func genRSASigningCert(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey, []byte) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert, priv, der
}

// buildV1SignatureEntry produces a detached PKCS#7 SignedData blob the way
// jarsigner embeds one in META-INF/*.RSA (§4.5).
func buildV1SignatureEntry(t *testing.T, cert *x509.Certificate, priv *rsa.PrivateKey) []byte {
	t.Helper()

	sd, err := pkcs7.NewSignedData([]byte("manifest digest content"))
	if err != nil {
		t.Fatalf("NewSignedData: %v", err)
	}
	if err := sd.AddSigner(cert, priv, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return der
}

func TestV1SigExtractorNames(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"META-INF/CERT.RSA":     "rsa-placeholder",
		"META-INF/CERT.EC":      "ec-placeholder",
		"META-INF/CERT.SF":      "not a signature block",
		"META-INF/MANIFEST.MF":  "Manifest-Version: 1.0\n",
		"META-INF/sub/CERT.RSA": "nested, should not count",
		"classes.dex":           "dex-bytes",
	})

	zi, err := OpenZipIndex(data)
	if err != nil {
		t.Fatalf("OpenZipIndex: %v", err)
	}
	defer zi.Close()

	names := NewV1SigExtractor(zi).Names()
	want := map[string]bool{"META-INF/CERT.RSA": true, "META-INF/CERT.EC": true}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want exactly %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("Names() unexpectedly included %q", n)
		}
	}
}

// TestV1SigExtractorCertificates exercises §4.5's PKCS#7-walk extraction
// (S4): a real detached SignedData blob with one signer's certificate.
func TestV1SigExtractorCertificates(t *testing.T) {
	cert, priv, _ := genRSASigningCert(t, "v1-signer")
	sigBlock := buildV1SignatureEntry(t, cert, priv)

	data := buildTestZip(t, map[string]string{
		"META-INF/CERT.RSA":    string(sigBlock),
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
		"classes.dex":          "dex-bytes",
	})

	zi, err := OpenZipIndex(data)
	if err != nil {
		t.Fatalf("OpenZipIndex: %v", err)
	}
	defer zi.Close()

	entries, err := NewV1SigExtractor(zi).Certificates()
	if err != nil {
		t.Fatalf("Certificates: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Name != "META-INF/CERT.RSA" {
		t.Errorf("entries[0].Name = %q, want META-INF/CERT.RSA", entries[0].Name)
	}
	if len(entries[0].Certificates) != 1 {
		t.Fatalf("entries[0].Certificates = %d, want 1", len(entries[0].Certificates))
	}
	if !bytes.Equal(entries[0].Certificates[0], cert.Raw) {
		t.Errorf("extracted certificate did not match the signer's certificate")
	}
}

func TestV1SigExtractorMalformedEntry(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"META-INF/CERT.RSA": "this is not a PKCS#7 SignedData blob",
	})

	zi, err := OpenZipIndex(data)
	if err != nil {
		t.Fatalf("OpenZipIndex: %v", err)
	}
	defer zi.Close()

	if _, err := NewV1SigExtractor(zi).Certificates(); err == nil {
		t.Errorf("Certificates() on a malformed entry = nil, want an error")
	}
}
