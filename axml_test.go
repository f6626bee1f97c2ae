package apkparser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// axmlBuilder synthesizes a minimal but well-formed AXML chunk stream
// (§4.2) byte-by-byte. Every element/attribute name is resolved purely
// through the string pool (no resource-id table is emitted), matching the
// "obfuscated/minified sample" fallback path the real parser also exercises.
type axmlBuilder struct {
	pool []string
	idx  map[string]uint32
	body bytes.Buffer
}

func newAxmlBuilder() *axmlBuilder {
	return &axmlBuilder{idx: map[string]uint32{}}
}

func (b *axmlBuilder) str(s string) uint32 {
	if i, ok := b.idx[s]; ok {
		return i
	}
	i := uint32(len(b.pool))
	b.pool = append(b.pool, s)
	b.idx[s] = i
	return i
}

func (b *axmlBuilder) writeChunk(id uint16, chunkBody []byte) {
	binary.Write(&b.body, binary.LittleEndian, id)
	binary.Write(&b.body, binary.LittleEndian, uint16(8))
	binary.Write(&b.body, binary.LittleEndian, uint32(8+len(chunkBody)))
	b.body.Write(chunkBody)
}

type testAttr struct {
	name   string
	typ    AttrType
	data   uint32
	strVal string
}

func (b *axmlBuilder) tagStart(name string, attrs []testAttr) {
	var body bytes.Buffer
	w32 := func(v uint32) { binary.Write(&body, binary.LittleEndian, v) }
	w16 := func(v uint16) { binary.Write(&body, binary.LittleEndian, v) }

	w32(0)                    // lineNumber
	w32(0)                    // comment
	w32(0xFFFFFFFF)           // namespaceIdx: none
	w32(b.str(name))          // nameIdx
	w16(20)                   // attrStart
	w16(20)                   // attrSize
	w16(uint16(len(attrs)))   // attrCount
	w16(0)                    // idIndex
	w16(0)                    // classIndex
	w16(0)                    // styleIndex

	for _, a := range attrs {
		w32(0xFFFFFFFF) // attribute namespace: none
		w32(b.str(a.name))
		var rawValueIdx, resData uint32
		if a.typ == AttrTypeString {
			rawValueIdx = b.str(a.strVal)
			resData = rawValueIdx
		} else {
			resData = a.data
		}
		w32(rawValueIdx)
		w16(8) // Res.Size
		body.WriteByte(0)
		body.WriteByte(byte(a.typ))
		w32(resData)
	}

	b.writeChunk(chunkXmlTagStart, body.Bytes())
}

func (b *axmlBuilder) tagEnd(name string) {
	var body bytes.Buffer
	w32 := func(v uint32) { binary.Write(&body, binary.LittleEndian, v) }
	w32(0)
	w32(0)
	w32(0xFFFFFFFF)
	w32(b.str(name))
	b.writeChunk(chunkXmlTagEnd, body.Bytes())
}

// finish assembles the string pool (now that every name/value has been
// interned) and the full AXML file chunk around the accumulated node body.
func (b *axmlBuilder) finish(t *testing.T) []byte {
	t.Helper()

	var all bytes.Buffer
	all.Write(buildStringPoolChunk(t, b.pool, true))
	all.Write(b.body.Bytes())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint16(chunkAxmlFile))
	binary.Write(&out, binary.LittleEndian, uint16(8))
	binary.Write(&out, binary.LittleEndian, uint32(8+all.Len()))
	out.Write(all.Bytes())
	return out.Bytes()
}

func buildSampleManifest(t *testing.T) []byte {
	t.Helper()

	b := newAxmlBuilder()
	b.tagStart("manifest", []testAttr{
		{name: "package", typ: AttrTypeString, strVal: "com.example.app"},
		{name: "versionCode", typ: AttrTypeIntDec, data: 1},
		{name: "versionName", typ: AttrTypeString, strVal: "1.0"},
	})
	b.tagStart("application", nil)
	b.tagStart("activity", []testAttr{
		{name: "name", typ: AttrTypeString, strVal: ".MainActivity"},
	})
	b.tagStart("intent-filter", nil)
	b.tagStart("action", []testAttr{
		{name: "name", typ: AttrTypeString, strVal: "android.intent.action.MAIN"},
	})
	b.tagEnd("action")
	b.tagStart("category", []testAttr{
		{name: "name", typ: AttrTypeString, strVal: "android.intent.category.LAUNCHER"},
	})
	b.tagEnd("category")
	b.tagEnd("intent-filter")
	b.tagEnd("activity")
	b.tagEnd("application")
	b.tagEnd("manifest")

	return b.finish(t)
}

func TestParseAxmlTree(t *testing.T) {
	data := buildSampleManifest(t)

	doc, err := ParseAxml(bytes.NewReader(data), nil, nil)
	if err != nil {
		t.Fatalf("ParseAxml: %v", err)
	}
	if doc.Root == nil {
		t.Fatalf("ParseAxml produced no root")
	}
	if doc.Root.Name != "manifest" {
		t.Fatalf("root.Name = %q, want manifest", doc.Root.Name)
	}
	if len(doc.Root.Children) != 1 || doc.Root.Children[0].Name != "application" {
		t.Fatalf("manifest should have exactly one <application> child, got %+v", doc.Root.Children)
	}

	activity := doc.Root.Children[0].Child("activity")
	if activity == nil {
		t.Fatalf("application has no <activity> child")
	}
	nameAttr, ok := activity.Attr("name")
	if !ok || nameAttr.Value.Str != ".MainActivity" {
		t.Fatalf("activity name attr = %+v, want .MainActivity", nameAttr)
	}
}

// TestParseAxmlAttrTypes exercises §4.2's value-resolution table end to end
// (S2): a string-typed attribute resolves through the string pool, while an
// int-typed attribute resolves through the typed ResValue payload directly.
func TestParseAxmlAttrTypes(t *testing.T) {
	data := buildSampleManifest(t)

	doc, err := ParseAxml(bytes.NewReader(data), nil, nil)
	if err != nil {
		t.Fatalf("ParseAxml: %v", err)
	}

	pkgAttr, ok := doc.Root.Attr("package")
	if !ok {
		t.Fatalf("manifest has no package attr")
	}
	if pkgAttr.Value.Kind != ValueString || pkgAttr.Value.Str != "com.example.app" {
		t.Errorf("package attr = %+v, want string com.example.app", pkgAttr.Value)
	}

	vcAttr, ok := doc.Root.Attr("versionCode")
	if !ok {
		t.Fatalf("manifest has no versionCode attr")
	}
	if vcAttr.Value.Kind != ValueIntDec || vcAttr.Value.Int != 1 {
		t.Errorf("versionCode attr = %+v, want int 1", vcAttr.Value)
	}
}

func TestParseAxmlPlainTextManifest(t *testing.T) {
	plainManifests := []string{
		`<?xml version="1.0" encoding="utf-8" standalone="no"?>`,
		`<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example">`,
	}

	for _, man := range plainManifests {
		_, err := ParseAxml(strings.NewReader(man), nil, nil)
		if !errors.Is(err, ErrPlainTextManifest) {
			t.Errorf("ParseAxml(%q) = %v, want ErrPlainTextManifest", man, err)
		}
	}
}

func TestAxmlDocumentClean(t *testing.T) {
	data := buildSampleManifest(t)

	doc, err := ParseAxml(bytes.NewReader(data), nil, nil)
	if err != nil {
		t.Fatalf("ParseAxml: %v", err)
	}

	root := doc.Clean()
	if root.Namespace != "" {
		t.Errorf("Clean() left a namespace on root: %q", root.Namespace)
	}
	app := root.Child("application")
	if app == nil {
		t.Fatalf("Clean() lost the application child")
	}
}
