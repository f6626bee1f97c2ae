package apkparser

import (
	"errors"
	"strings"
	"testing"
)

func buildSampleAPK(t *testing.T) []byte {
	t.Helper()
	return buildTestZip(t, map[string]string{
		"AndroidManifest.xml": string(buildSampleManifest(t)),
		"resources.arsc":      string(buildResourceTable(t)),
		"classes.dex":         "dex-bytes",
	})
}

func TestOpenParsesManifestAndResources(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer apk.Close()

	if apk.Package() != "com.example.app" {
		t.Errorf("Package() = %q, want com.example.app", apk.Package())
	}
	if apk.VersionCode() != 1 {
		t.Errorf("VersionCode() = %d, want 1", apk.VersionCode())
	}
	if apk.VersionName() != "1.0" {
		t.Errorf("VersionName() = %q, want 1.0", apk.VersionName())
	}

	name, ok := apk.MainActivity()
	if !ok || name != "com.example.app.MainActivity" {
		t.Errorf("MainActivity() = (%q, %v), want (com.example.app.MainActivity, true)", name, ok)
	}

	acts := apk.Activities()
	if len(acts) != 1 || acts[0] != "com.example.app.MainActivity" {
		t.Errorf("Activities() = %v, want [com.example.app.MainActivity]", acts)
	}
}

func TestOpenTestIntegrity(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{TestIntegrity: true})
	if err != nil {
		t.Fatalf("Open with TestIntegrity: %v", err)
	}
	apk.Close()
}

func TestOpenSkipAnalysis(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{SkipAnalysis: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer apk.Close()

	if apk.Package() != "" {
		t.Errorf("Package() = %q with SkipAnalysis, want empty", apk.Package())
	}

	data, err := apk.File("classes.dex")
	if err != nil || string(data) != "dex-bytes" {
		t.Errorf("File(classes.dex) = (%q, %v), want (dex-bytes, nil)", data, err)
	}
}

// TestOpenBrokenArchive feeds Open a truncated local file header: enough to
// fail the archive/zip fast path and be picked up by the manual byte-scan
// fallback, but too short to read past it, which is the one condition
// OpenZipIndex itself fails on (§4.1, §7: only a broken archive fails Open
// outright).
func TestOpenBrokenArchive(t *testing.T) {
	truncated := []byte{0x50, 0x4B, 0x03, 0x04}
	if _, err := Open(truncated, OpenOptions{}); !errors.Is(err, ErrBrokenArchive) {
		t.Errorf("Open on a truncated local file header = %v, want ErrBrokenArchive", err)
	}
}

func TestOpenNotSigned(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer apk.Close()

	if apk.IsSignedV2() {
		t.Errorf("IsSignedV2() = true, want false (no signing block present)")
	}
	if apk.IsSignedV1() {
		t.Errorf("IsSignedV1() = true, want false (no META-INF signature entries)")
	}
}

func TestAPKMimeTypeDefaultsToUnknown(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer apk.Close()

	got, err := apk.MimeType("classes.dex")
	if err != nil {
		t.Fatalf("MimeType: %v", err)
	}
	if got != "Unknown" {
		t.Errorf("MimeType() = %q, want Unknown (no MimeDetector configured)", got)
	}
}

func TestAPKManifestXML(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer apk.Close()

	xmlBytes, err := apk.ManifestXML()
	if err != nil {
		t.Fatalf("ManifestXML: %v", err)
	}
	if !strings.Contains(string(xmlBytes), "com.example.app") {
		t.Errorf("ManifestXML() = %s, want it to contain the package name", xmlBytes)
	}
	if !strings.Contains(string(xmlBytes), "MainActivity") {
		t.Errorf("ManifestXML() = %s, want it to contain the activity name", xmlBytes)
	}
}

func TestAPKWriteIconRequiresDeclaredIcon(t *testing.T) {
	apk, err := Open(buildSampleAPK(t), OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer apk.Close()

	if err := apk.WriteIcon(t.TempDir()+"/icon.png", 480, 192); err == nil {
		t.Errorf("WriteIcon() with no declared icon = nil, want an error")
	}
}
