package apkparser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Config is the structured device-configuration descriptor attached to each
// ARSC Type chunk (§3, §4.3). The on-disk struct (androidfw's
// ResTable_config) has grown fields release over release; this mirrors the
// historically stable prefix and preserves anything past it verbatim so a
// newer APK's trailing fields are never silently corrupted or misread as a
// different field.
type Config struct {
	Mcc, Mnc              uint16
	Language, Country     [2]byte
	Orientation           uint8
	Touchscreen           uint8
	Density               uint16
	Keyboard              uint8
	Navigation            uint8
	InputFlags            uint8
	ScreenWidth           uint16
	ScreenHeight          uint16
	SdkVersion            uint16
	MinorVersion          uint16
	ScreenLayout          uint8
	UiMode                uint8
	SmallestScreenWidthDp uint16
	ScreenWidthDp         uint16
	ScreenHeightDp        uint16
	LocaleScript          [4]byte
	LocaleVariant         [8]byte
	ScreenLayout2         uint8
	ColorMode             uint8

	tail []byte // unknown trailing fields, preserved but not interpreted
}

// ConfigDefault matches any requested configuration; used both as the
// zero value and as a fallback when no entry is configuration-specific.
var ConfigDefault = Config{}

func parseConfig(r io.Reader) (Config, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return Config{}, fmt.Errorf("error reading config size: %w", err)
	}
	if size < 4 {
		return Config{}, fmt.Errorf("invalid config size %d", size)
	}

	raw := make([]byte, size-4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Config{}, fmt.Errorf("error reading config body: %w", err)
	}

	var c Config
	br := bytes.NewReader(raw)
	fields := []struct {
		dst interface{}
	}{
		{&c.Mcc}, {&c.Mnc},
		{&c.Language}, {&c.Country},
		{&c.Orientation}, {&c.Touchscreen}, {&c.Density},
		{&c.Keyboard}, {&c.Navigation}, {&c.InputFlags},
		{&c.ScreenWidth}, {&c.ScreenHeight},
		{&c.SdkVersion}, {&c.MinorVersion},
		{&c.ScreenLayout}, {&c.UiMode}, {&c.SmallestScreenWidthDp},
		{&c.ScreenWidthDp}, {&c.ScreenHeightDp},
		{&c.LocaleScript}, {&c.LocaleVariant},
		{&c.ScreenLayout2}, {&c.ColorMode},
	}
	for _, f := range fields {
		if err := binary.Read(br, binary.LittleEndian, f.dst); err != nil {
			break // older APKs ship a shorter, truncated struct; stop, zero-fill
		}
	}

	if br.Len() > 0 {
		c.tail = make([]byte, br.Len())
		io.ReadFull(br, c.tail)
	}

	return c, nil
}

func (c Config) localeTag() string {
	lang := strings.TrimRight(string(c.Language[:]), "\x00")
	country := strings.TrimRight(string(c.Country[:]), "\x00")
	if lang == "" {
		return ""
	}
	if country == "" {
		return lang
	}
	return lang + "-" + country
}

// isCompatible implements §4.3's "filter configurations that are
// incompatible": a resource pinned to a specific language/country,
// orientation, or screen layout that differs from the desired one cannot be
// selected even as a fallback. A zero field means "any".
func (c Config) isCompatible(desired Config) bool {
	if c.localeTag() != "" && desired.localeTag() != "" {
		want, errW := language.Parse(desired.localeTag())
		have, errH := language.Parse(c.localeTag())
		if errW == nil && errH == nil {
			m := language.NewMatcher([]language.Tag{have})
			_, _, conf := m.Match(want)
			if conf < language.Low {
				return false
			}
		} else if c.localeTag() != desired.localeTag() {
			return false
		}
	}

	if c.Orientation != 0 && desired.Orientation != 0 && c.Orientation != desired.Orientation {
		return false
	}
	if c.ScreenLayout != 0 && desired.ScreenLayout != 0 && (c.ScreenLayout&0x0f) != (desired.ScreenLayout&0x0f) {
		return false
	}
	return true
}

// score ranks a compatible entry's config against the desired one, per
// §4.3's stated precedence: locale > screen layout > orientation > density.
// Higher is better; ties are broken by entry order by the caller (stable
// sort).
func (c Config) score(desired Config) [4]int {
	var s [4]int

	switch {
	case c.localeTag() != "" && c.localeTag() == desired.localeTag():
		s[0] = 3
	case c.localeTag() != "" && strings.HasPrefix(c.localeTag(), strings.SplitN(desired.localeTag(), "-", 2)[0]):
		s[0] = 2
	case c.localeTag() == "":
		s[0] = 0
	default:
		s[0] = 1
	}

	if c.ScreenLayout != 0 {
		s[1] = 1
	}
	if c.Orientation != 0 {
		s[2] = 1
	}

	// Density: prefer the highest density not exceeding desired.Density
	// (desired.Density doubling as max_dpi, §4.3/§4.6); "default" (0)
	// matches anything and ranks below every density within the cap but
	// above any density over it.
	maxDpi := desired.Density
	switch {
	case c.Density == 0:
		s[3] = 0
	case maxDpi == 0 || c.Density <= maxDpi:
		s[3] = 1000 + int(c.Density)
	default:
		s[3] = -int(c.Density) // over the cap: least-bad is the smallest excess
	}

	return s
}

func scoreLess(a, b [4]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ResourceEntry is one (Config, Value) pair for a resource id, plus its
// symbolic key name within the owning package's key string pool.
type ResourceEntry struct {
	Config Config
	Key    string
	Value  Value
	IsBag  bool
	Bag    map[uint32]Value // complex/bag (style) entries, name_ref -> Value
}

// TypeChunk is one Type (0x0201) chunk: a single configuration's entries for
// one type id.
type typeChunk struct {
	typeID  uint8
	config  Config
	entries map[uint32]ResourceEntry // entry index -> entry
}

// Package is one ARSC Package (0x0200) chunk: an id, a name, and its
// TypeStrings/KeyStrings pools plus TypeSpec+Type chunk groups (§3, §4.3).
type Package struct {
	ID          uint8
	Name        string
	TypeStrings StringPool
	KeyStrings  StringPool

	types map[uint8][]typeChunk // type id -> one typeChunk per configuration
}

// ResourceTable is the decoded `resources.arsc` compiled resource table
// (§3, §4.3): a collection of Packages, each exposing type+entry chunks
// that resolve a ResourceId to zero or more (Config, Value) pairs.
type ResourceTable struct {
	Strings  StringPool
	Packages []*Package
}

// ParseResourceTable decodes the top-level TABLE chunk (§4.3).
func ParseResourceTable(r io.Reader) (*ResourceTable, error) {
	id, headerLen, totalLen, err := parseChunkHeader(r)
	if err != nil {
		return nil, err
	}
	if id != chunkTable {
		return nil, fmt.Errorf("invalid top chunk id 0x%04x, expected TABLE", id)
	}
	_ = headerLen

	var packageCount uint32
	if err := binary.Read(r, binary.LittleEndian, &packageCount); err != nil {
		return nil, fmt.Errorf("error reading package count: %w", err)
	}

	lr := &io.LimitedReader{R: r, N: int64(totalLen) - chunkHeaderSize - 4}

	table := &ResourceTable{}
	for lr.N > 0 {
		cid, _, clen, err := parseChunkHeader(lr)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		body := &io.LimitedReader{R: lr, N: int64(clen) - chunkHeaderSize}
		switch cid {
		case chunkStringTable:
			sp, err := parseStringPool(body)
			if err != nil {
				return nil, fmt.Errorf("resource table string pool: %w", err)
			}
			table.Strings = sp
		case chunkTablePackage:
			pkg, err := parsePackageChunk(body)
			if err != nil {
				return nil, fmt.Errorf("resource table package: %w", err)
			}
			table.Packages = append(table.Packages, pkg)
		default:
			// unknown chunk types are skipped, per §7
		}

		if body.N > 0 {
			io.CopyN(io.Discard, body, body.N)
		}
	}

	if len(table.Packages) != int(packageCount) {
		// Defensive only: android itself tolerates this, so we do too.
	}

	return table, nil
}

func parsePackageChunk(r *io.LimitedReader) (*Package, error) {
	var id uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return nil, fmt.Errorf("error reading package id: %w", err)
	}

	nameBuf := make([]uint16, 128)
	if err := binary.Read(r, binary.LittleEndian, &nameBuf); err != nil {
		return nil, fmt.Errorf("error reading package name: %w", err)
	}
	name := utf16ZeroTerminated(nameBuf)

	var typeStringsOffset, lastPublicType, keyStringsOffset, lastPublicKey uint32
	if err := binary.Read(r, binary.LittleEndian, &typeStringsOffset); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &lastPublicType); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &keyStringsOffset); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &lastPublicKey); err != nil {
		return nil, err
	}
	_ = lastPublicType
	_ = lastPublicKey

	pkg := &Package{ID: uint8(id), Name: name, types: make(map[uint8][]typeChunk)}

	for r.N > 0 {
		cid, _, clen, err := parseChunkHeader(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		body := &io.LimitedReader{R: r, N: int64(clen) - chunkHeaderSize}
		switch cid {
		case chunkStringTable:
			sp, err := parseStringPool(body)
			if err != nil {
				return nil, fmt.Errorf("type/key strings: %w", err)
			}
			if pkg.TypeStrings.isEmpty() {
				pkg.TypeStrings = sp
			} else {
				pkg.KeyStrings = sp
			}
		case chunkTableTypeSpec:
			// Per-entry configuration flags; not needed for value lookup,
			// and consumed (skipped) below along with unknown chunks.
		case chunkTableType:
			tc, err := parseTypeChunk(body, &pkg.KeyStrings)
			if err != nil {
				return nil, fmt.Errorf("type chunk: %w", err)
			}
			pkg.types[tc.typeID] = append(pkg.types[tc.typeID], *tc)
		case chunkTableLibrary:
			// library references: not needed to resolve local resource ids
		}

		if body.N > 0 {
			io.CopyN(io.Discard, body, body.N)
		}
	}

	return pkg, nil
}

func utf16ZeroTerminated(buf []uint16) string {
	n := len(buf)
	for i, c := range buf {
		if c == 0 {
			n = i
			break
		}
	}
	runes := make([]rune, 0, n)
	for _, c := range buf[:n] {
		runes = append(runes, rune(c))
	}
	return string(runes)
}

func parseTypeChunk(r *io.LimitedReader, keys *StringPool) (*typeChunk, error) {
	var typeID, res0 uint8
	var res1 uint16
	var entryCount, entriesStart uint32

	if err := binary.Read(r, binary.LittleEndian, &typeID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &res0); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &res1); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &entryCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &entriesStart); err != nil {
		return nil, err
	}

	cfg, err := parseConfig(r)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	offsets := make([]uint32, entryCount)
	if err := binary.Read(r, binary.LittleEndian, &offsets); err != nil {
		return nil, fmt.Errorf("entry offsets: %w", err)
	}

	// Entries follow the offset table; they're addressed relative to
	// entriesStart from the start of this chunk. Since header+config+offsets
	// have already been consumed in order, each offset is applied to the
	// remaining bytes, which begin at entriesStart when nothing pads the
	// offset table.
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("entries body: %w", err)
	}

	tc := &typeChunk{typeID: typeID, config: cfg, entries: make(map[uint32]ResourceEntry)}

	for i, off := range offsets {
		if off == 0xFFFFFFFF {
			continue // absent in this configuration
		}
		if int64(off) >= int64(len(rest)) {
			continue
		}
		er := bytes.NewReader(rest[off:])

		// ResTable_entry: size:uint16, flags:uint16, key:uint32 (8 bytes).
		var entrySize, flags uint16
		var keyRef uint32
		if err := binary.Read(er, binary.LittleEndian, &entrySize); err != nil {
			continue
		}
		_ = entrySize
		if err := binary.Read(er, binary.LittleEndian, &flags); err != nil {
			continue
		}
		if err := binary.Read(er, binary.LittleEndian, &keyRef); err != nil {
			continue
		}

		keyName := ""
		if keys != nil {
			keyName, _ = keys.Get(keyRef)
		}

		const entryFlagComplex = 0x0001
		entry := ResourceEntry{Config: cfg, Key: keyName}

		if flags&entryFlagComplex != 0 {
			var parentRef, count uint32
			if err := binary.Read(er, binary.LittleEndian, &parentRef); err != nil {
				continue
			}
			if err := binary.Read(er, binary.LittleEndian, &count); err != nil {
				continue
			}
			entry.IsBag = true
			entry.Bag = make(map[uint32]Value, count)
			for m := uint32(0); m < count; m++ {
				var nameRef uint32
				var rv ResValue
				if err := binary.Read(er, binary.LittleEndian, &nameRef); err != nil {
					break
				}
				if err := binary.Read(er, binary.LittleEndian, &rv); err != nil {
					break
				}
				entry.Bag[nameRef] = NewValueFromTyped(rv.Type, rv.Data, nil)
			}
		} else {
			var rv ResValue
			if err := binary.Read(er, binary.LittleEndian, &rv); err != nil {
				continue
			}
			entry.Value = NewValueFromTyped(rv.Type, rv.Data, nil)
		}

		tc.entries[uint32(i)] = entry
	}

	return tc, nil
}

// UnpackResourceId splits a 32-bit resource id into package/type/entry indices
// (§3 ResourceId: "PP TT EEEE").
func UnpackResourceId(id uint32) (pkg uint8, typ uint8, entry uint16) {
	return uint8(id >> 24), uint8(id >> 16), uint16(id)
}

// Get returns every (Config, Value) pair for id, per §4.3's lookup
// contract. With desired == nil, returns every config; otherwise returns
// entries ranked best-match first.
func (t *ResourceTable) Get(id uint32, desired *Config) ([]ResourceEntry, error) {
	pkgID, typID, entryID := UnpackResourceId(id)

	var pkg *Package
	for _, p := range t.Packages {
		if p.ID == pkgID {
			pkg = p
			break
		}
	}
	if pkg == nil {
		return nil, fmt.Errorf("package 0x%02x not found for resource 0x%08x: %w", pkgID, id, ErrEntryNotFound)
	}

	chunks := pkg.types[typID]
	var results []ResourceEntry
	for _, tc := range chunks {
		if e, ok := tc.entries[uint32(entryID)]; ok {
			results = append(results, e)
		}
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("resource 0x%08x: %w", id, ErrEntryNotFound)
	}

	if desired == nil {
		return results, nil
	}

	var compatible []ResourceEntry
	for _, e := range results {
		if e.Config.isCompatible(*desired) {
			compatible = append(compatible, e)
		}
	}
	if len(compatible) == 0 {
		compatible = results // invariant 2: first element's config must still be returned
	}

	sort.SliceStable(compatible, func(i, j int) bool {
		return scoreLess(compatible[j].Config.score(*desired), compatible[i].Config.score(*desired))
	})

	return compatible, nil
}

const maxReferenceDepth = 10

// GetResolved resolves id against desired and, if the best match is itself a
// Reference, chases the chain up to maxReferenceDepth hops before giving up
// (§3 supplemented feature, grounded on the teacher's historical
// ConfigFirst/ConfigLast reference-chase and zapstore-zsp's depth-10 guard).
// A miss anywhere in the chain returns ErrEntryNotFound, matching §4.6's
// "a missing key yields empty string" contract at the caller.
func (t *ResourceTable) GetResolved(id uint32, desired *Config) (Value, error) {
	cur := id
	for i := 0; i < maxReferenceDepth; i++ {
		entries, err := t.Get(cur, desired)
		if err != nil {
			return Value{}, err
		}
		best := entries[0]
		if best.Value.Kind == ValueString && best.Value.Str == "" {
			if s, err := t.resolveString(best.Value.StringIdx); err == nil {
				best.Value.Str = s
			}
		}
		if best.Value.Kind != ValueReference {
			return best.Value, nil
		}
		if best.Value.Ref == 0 {
			return best.Value, nil
		}
		cur = best.Value.Ref
	}
	return Value{}, fmt.Errorf("reference chain for 0x%08x exceeded %d hops", id, maxReferenceDepth)
}

// resolveString resolves a ValueString's StringIdx against the TABLE
// chunk's global StringPool (§4.3: "a global StringPool followed by
// package_count Package chunks") - value strings are never indices into a
// package's type/key string pools, which only name types and entry keys.
func (t *ResourceTable) resolveString(idx uint32) (string, error) {
	return t.Strings.Get(idx)
}

// GetString implements §4.3's "get_string(pkg, key)" helper: look up a
// string-typed resource by its symbolic key name within a package.
func (t *ResourceTable) GetString(pkgName, key string) (sourceKey string, resolved string, ok bool) {
	for _, p := range t.Packages {
		if p.Name != pkgName {
			continue
		}
		for _, chunks := range p.types {
			for _, tc := range chunks {
				for _, e := range tc.entries {
					if e.Key == key && e.Value.Kind == ValueString {
						s := e.Value.Str
						if s == "" {
							s, _ = t.resolveString(e.Value.StringIdx)
						}
						return e.Key, s, true
					}
				}
			}
		}
	}
	return "", "", false
}

// PackageNames implements §4.3's "get_packages_names()".
func (t *ResourceTable) PackageNames() []string {
	names := make([]string, 0, len(t.Packages))
	for _, p := range t.Packages {
		names = append(names, p.Name)
	}
	return names
}

// GetIconPng picks the best-matching density for an icon/roundIcon resource
// reference (§4.6 icon(max_dpi)) through Get's ranking: the highest density
// not exceeding max_dpi, else a default-density entry, else the smallest
// density above max_dpi.
func (t *ResourceTable) GetIconPng(id uint32, maxDpi uint16) (Value, error) {
	desired := Config{Density: maxDpi}
	return t.GetResolved(id, &desired)
}
