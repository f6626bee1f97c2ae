// Package apkparser parses AndroidManifest.xml, resources.arsc, and the
// signing material embedded in Android APKs.
package apkparser

import (
	"bytes"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"runtime/debug"

	"github.com/leiserfg/apkparser/vector"
)

// Rasterizer renders SVG bytes (as produced by the vector package) to a PNG
// raster at the given resolution (§6).
type Rasterizer interface {
	Render(svg []byte, resolution int) ([]byte, error)
}

// ImageCompositor flattens a list of raster layers into one image by
// alpha-compositing them in order, after resizing every layer to the
// smallest layer's dimensions (§6).
type ImageCompositor interface {
	Composite(layers []image.Image) (image.Image, error)
}

// MimeDetector identifies an archive entry's content type from its bytes.
// Absence (a nil MimeDetector in OpenOptions) yields "Unknown" for every
// entry (§6).
type MimeDetector interface {
	Identify(data []byte) string
}

type stubMimeDetector struct{}

func (stubMimeDetector) Identify([]byte) string { return "Unknown" }

// X509Decoder turns DER bytes into a certificate object (§6). The default
// is stdlib crypto/x509, the canonical decoder - no pack repo wires a
// third-party X.509 library (see DESIGN.md).
type X509Decoder interface {
	Decode(der []byte) (*x509.Certificate, error)
}

type stdX509Decoder struct{}

func (stdX509Decoder) Decode(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// OpenOptions configures APK.Open (§6).
type OpenOptions struct {
	// SkipAnalysis skips AXML/ARSC decoding; only the archive is opened.
	SkipAnalysis bool
	// TestIntegrity runs a full CRC32 recompute over every entry at open
	// time (§4.1), surfacing ErrBrokenArchive on the first mismatch.
	TestIntegrity bool

	Observer     Observer
	MimeDetector MimeDetector
	Rasterizer   Rasterizer
	Compositor   ImageCompositor
	X509Decoder  X509Decoder
}

// APK is the top-level facade over one opened archive: its manifest,
// resource table, and signing material (§6). All fields are computed
// eagerly at Open time (§9: "replace lazy properties... with eager
// computation at open time") rather than lazily on first access.
type APK struct {
	zip       *ZipIndex
	resources *ResourceTable
	manifest  *ManifestFacade
	sigBlock  *SigBlockResult
	v1Certs   []V1SignatureEntry

	obs          Observer
	mimeDetector MimeDetector
	rasterizer   Rasterizer
	compositor   ImageCompositor
	x509Decoder  X509Decoder
}

// Open parses data as an APK (§6 "APK::open"). An archive whose End of
// Central Directory or central directory archive/zip rejects is indexed by
// scanning for local file headers instead; Open fails with ErrBrokenArchive
// only when that scan finds a local file header it cannot read, or when
// TestIntegrity is set and a CRC32 mismatches. Input with neither a readable
// central directory nor any local file header opens with no entries.
// AXML/ARSC parse errors are logged through the Observer and leave the
// corresponding facade partially or fully empty rather than failing Open.
func Open(data []byte, opts OpenOptions) (*APK, error) {
	obs := opts.Observer
	if obs == nil {
		obs = NewDefaultObserver()
	}

	zipIdx, err := OpenZipIndex(data)
	if err != nil {
		return nil, err
	}

	if opts.TestIntegrity {
		if err := zipIdx.TestIntegrity(); err != nil {
			zipIdx.Close()
			return nil, err
		}
	}

	a := &APK{
		zip:          zipIdx,
		obs:          obs,
		mimeDetector: opts.MimeDetector,
		rasterizer:   opts.Rasterizer,
		compositor:   opts.Compositor,
		x509Decoder:  opts.X509Decoder,
	}
	if a.mimeDetector == nil {
		a.mimeDetector = stubMimeDetector{}
	}
	if a.x509Decoder == nil {
		a.x509Decoder = stdX509Decoder{}
	}
	if a.compositor == nil {
		a.compositor = DefaultImageCompositor{}
	}

	if !opts.SkipAnalysis {
		if err := a.parseResources(); err != nil {
			obs.Warnf("parsing resources.arsc: %s", err.Error())
		}
		if err := a.parseManifest(); err != nil {
			obs.Warnf("parsing AndroidManifest.xml: %s", err.Error())
		}
	}

	if sig, err := ScanSigBlock(data); err == nil {
		a.sigBlock = sig
	} else if !errors.Is(err, ErrNoSigningBlockV2) {
		obs.Warnf("scanning APK Signing Block: %s", err.Error())
	}

	if entries, err := NewV1SigExtractor(zipIdx).Certificates(); err == nil {
		a.v1Certs = entries
	} else {
		obs.Warnf("extracting v1 signatures: %s", err.Error())
	}

	return a, nil
}

func (a *APK) parseResources() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic parsing resources.arsc: %v\n%s", r, debug.Stack())
		}
	}()

	data, err := a.zip.Read("resources.arsc")
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		return err
	}

	table, err := ParseResourceTable(bytes.NewReader(data))
	if err != nil {
		return err
	}
	a.resources = table
	return nil
}

func (a *APK) parseManifest() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic parsing manifest: %v\n%s", r, debug.Stack())
		}
	}()

	data, err := a.zip.Read("AndroidManifest.xml")
	if err != nil {
		return err
	}

	doc, parseErr := ParseAxml(bytes.NewReader(data), a.resources, a.obs)
	if doc == nil {
		return parseErr
	}

	// §7: a manifest truncated partway through still yields the tree built
	// so far; build the best-effort facade from it instead of discarding
	// everything ParseAxml managed to decode.
	mf, err := NewManifestFacade(doc, a.resources, a.obs)
	if err != nil {
		if parseErr != nil {
			return parseErr
		}
		return err
	}
	a.manifest = mf
	return parseErr
}

// Package returns the manifest's package name, or "" if unavailable.
func (a *APK) Package() string {
	if a.manifest == nil {
		return ""
	}
	return a.manifest.Package
}

// VersionCode returns the manifest's versionCode, or 0 if unavailable.
func (a *APK) VersionCode() int64 {
	if a.manifest == nil {
		return 0
	}
	return a.manifest.VersionCode
}

// VersionName returns the manifest's versionName, or "" if unavailable.
func (a *APK) VersionName() string {
	if a.manifest == nil {
		return ""
	}
	return a.manifest.VersionName
}

// Permissions returns every requested permission name, including those
// implied by an old target SDK (§4.6).
func (a *APK) Permissions() []string {
	if a.manifest == nil {
		return nil
	}
	names := make([]string, len(a.manifest.Permissions))
	for i, p := range a.manifest.Permissions {
		names[i] = p.Name
	}
	return names
}

func componentNames(cs []Component) []string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name
	}
	return names
}

// Activities, Services, Receivers, Providers return every declared
// component's fully-formatted name (§4.6, §6).
func (a *APK) Activities() []string {
	if a.manifest == nil {
		return nil
	}
	return componentNames(a.manifest.Activities)
}

func (a *APK) Services() []string {
	if a.manifest == nil {
		return nil
	}
	return componentNames(a.manifest.Services)
}

func (a *APK) Receivers() []string {
	if a.manifest == nil {
		return nil
	}
	return componentNames(a.manifest.Receivers)
}

func (a *APK) Providers() []string {
	if a.manifest == nil {
		return nil
	}
	return componentNames(a.manifest.Providers)
}

// MainActivity returns the launcher activity's formatted name, per §4.6's
// main_activity() (invariant 4).
func (a *APK) MainActivity() (string, bool) {
	if a.manifest == nil {
		return "", false
	}
	return a.manifest.MainActivity()
}

// Libraries returns every <uses-library> name declared in the manifest.
func (a *APK) Libraries() []string {
	if a.manifest == nil {
		return nil
	}
	return a.manifest.Libraries
}

// IconPath resolves the application's icon resource to its archive entry
// path, honoring max_dpi the way ArscParser's density best-match does
// (§4.6 icon(max_dpi)).
func (a *APK) IconPath(maxDpi uint16) (string, bool) {
	if a.manifest == nil {
		return "", false
	}
	return a.manifest.Icon(maxDpi)
}

// File returns the unmodified bytes of a named archive entry (§6, invariant
// 1), or ErrEntryNotFound.
func (a *APK) File(name string) ([]byte, error) {
	return a.zip.Read(name)
}

// ManifestXML serializes the decoded AndroidManifest.xml tree back to text,
// through the same ManifestEncoder token-writing interface an
// *encoding/xml.Encoder satisfies.
func (a *APK) ManifestXML() ([]byte, error) {
	if a.manifest == nil || a.manifest.root == nil {
		return nil, fmt.Errorf("no manifest available")
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := a.manifest.root.Encode(enc); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsSignedV2 reports whether an APK Signing Block v2 with at least one
// signer was found (§4.4, §7: absence is not an error).
func (a *APK) IsSignedV2() bool {
	return a.sigBlock != nil && len(a.sigBlock.Signers) > 0
}

// IsSignedV1 reports whether at least one META-INF/*.{RSA,EC,DSA} entry
// decoded to a PKCS#7 SignedData carrying a certificate (§4.5).
func (a *APK) IsSignedV1() bool {
	for _, e := range a.v1Certs {
		if len(e.Certificates) > 0 {
			return true
		}
	}
	return false
}

func decodeCerts(decoder X509Decoder, der [][]byte) ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(der))
	for _, d := range der {
		cert, err := decoder.Decode(d)
		if err != nil {
			return nil, fmt.Errorf("decoding certificate: %w", err)
		}
		out = append(out, cert)
	}
	return out, nil
}

// CertificatesV1 decodes every v1 signature entry's certificates, flattened
// in on-disk order (§4.5, §6).
func (a *APK) CertificatesV1() ([]*x509.Certificate, error) {
	var der [][]byte
	for _, e := range a.v1Certs {
		der = append(der, e.Certificates...)
	}
	return decodeCerts(a.x509Decoder, der)
}

// CertificatesV2 decodes every v2 signer's certificates, flattened in
// on-disk order (§4.4, invariant 3).
func (a *APK) CertificatesV2() ([]*x509.Certificate, error) {
	if a.sigBlock == nil {
		return nil, nil
	}
	der, err := a.sigBlock.CertificatesV2()
	if err != nil {
		return nil, err
	}
	return decodeCerts(a.x509Decoder, der)
}

// MimeType identifies name's content type through the configured
// MimeDetector collaborator, defaulting to "Unknown" (§6, §3 supplemented
// get_files_types()).
func (a *APK) MimeType(name string) (string, error) {
	data, err := a.zip.Read(name)
	if err != nil {
		return "", err
	}
	return a.mimeDetector.Identify(data), nil
}

// WriteIcon resolves the application icon, rasterizes/composites it as
// needed, and writes a PNG to outPath (§6 "APK::write_icon"):
//   - a vector drawable is rendered to SVG and rasterized via Rasterizer;
//   - an adaptive-icon (background+foreground layers) has each layer
//     resolved the same way, then flattened via ImageCompositor;
//   - a raw raster icon (PNG/WebP/etc.) is written through unchanged.
func (a *APK) WriteIcon(outPath string, maxDpi uint16, resolution int) error {
	iconPath, ok := a.IconPath(maxDpi)
	if !ok {
		return fmt.Errorf("%w: no icon declared", ErrEntryNotFound)
	}

	data, err := a.renderIconEntry(iconPath, resolution)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

// renderIconEntry resolves one icon archive entry to final PNG bytes,
// recursing into adaptive-icon layers.
func (a *APK) renderIconEntry(entryPath string, resolution int) ([]byte, error) {
	data, err := a.zip.Read(entryPath)
	if err != nil {
		return nil, err
	}

	if !isAxml(data) {
		return data, nil
	}

	doc, err := ParseAxml(bytes.NewReader(data), a.resources, a.obs)
	if err != nil {
		return nil, fmt.Errorf("parsing drawable %s: %w", entryPath, err)
	}
	root := doc.Clean()

	if root != nil && root.Name == "adaptive-icon" {
		return a.renderAdaptiveIcon(root, resolution)
	}

	if a.rasterizer == nil {
		return nil, fmt.Errorf("icon %s is a vector drawable, but no Rasterizer was configured", entryPath)
	}
	svg, err := vector.RenderSVG(root)
	if err != nil {
		return nil, fmt.Errorf("rendering vector drawable %s: %w", entryPath, err)
	}
	png, err := a.rasterizer.Render(svg, resolution)
	if err != nil {
		return nil, fmt.Errorf("rasterizing icon %s: %w", entryPath, err)
	}
	return png, nil
}

// renderAdaptiveIcon resolves an <adaptive-icon>'s background/foreground
// layers and flattens them through the configured ImageCompositor.
func (a *APK) renderAdaptiveIcon(root *AxmlNode, resolution int) ([]byte, error) {
	if a.compositor == nil {
		return nil, fmt.Errorf("adaptive icon requires an ImageCompositor, none was configured")
	}

	var layers [][]byte
	for _, name := range []string{"background", "foreground"} {
		layer := root.Child(name)
		if layer == nil {
			continue
		}
		attr, ok := layer.Attr("drawable")
		if !ok {
			continue
		}
		layerPath := attr.Value.Str // path resolved through the resource table
		if layerPath == "" {
			layerPath = attr.Value.String()
		}
		layerData, err := a.renderIconEntry(layerPath, resolution)
		if err != nil {
			a.obs.Warnf("adaptive icon layer %s: %s", name, err.Error())
			continue
		}
		layers = append(layers, layerData)
	}

	if len(layers) == 0 {
		return nil, fmt.Errorf("adaptive icon declared no resolvable layers")
	}

	flat, err := compositeLayers(a.compositor, layers)
	if err != nil {
		return nil, fmt.Errorf("compositing adaptive icon layers: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, flat); err != nil {
		return nil, fmt.Errorf("encoding composited icon: %w", err)
	}
	return buf.Bytes(), nil
}

func isAxml(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	id := uint16(data[0]) | uint16(data[1])<<8
	return id == chunkAxmlFile
}

// compositeLayers decodes each raw PNG layer and alpha-composites them
// through the configured ImageCompositor, per §6's resize-to-smallest-then-
// composite contract.
func compositeLayers(compositor ImageCompositor, layers [][]byte) (image.Image, error) {
	imgs := make([]image.Image, 0, len(layers))
	for _, l := range layers {
		img, err := png.Decode(bytes.NewReader(l))
		if err != nil {
			return nil, fmt.Errorf("decoding icon layer: %w", err)
		}
		imgs = append(imgs, img)
	}
	return compositor.Composite(imgs)
}

var _ io.Closer = (*APK)(nil)

// Close releases the underlying archive.
func (a *APK) Close() error {
	return a.zip.Close()
}
