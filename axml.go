package apkparser

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"

	"github.com/leiserfg/apkparser/vector"
)

const androidNamespace = "http://schemas.android.com/apk/res/android"

// AxmlAttr is one attribute of an AxmlNode: a namespace URI, a local name,
// and a typed Value carrying both the raw payload and, where applicable, a
// resolved string form (§3).
type AxmlAttr struct {
	Namespace string
	Name      string
	Value     Value
}

// AxmlNode is one node of the decoded AXML tree (§3 AxmlDocument: "a tree of
// elements with namespace URI, local name, attributes... and ordered
// children"). Text nodes carry Text and no Attrs/Children.
type AxmlNode struct {
	IsText bool

	Namespace string
	Name      string
	Attrs     []AxmlAttr
	Children  []*AxmlNode
	Text      string

	Parent *AxmlNode
}

// Attr looks up an already-namespace-stripped attribute by local name.
func (n *AxmlNode) Attr(name string) (AxmlAttr, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return AxmlAttr{}, false
}

// Child returns the first direct child element with the given local name.
func (n *AxmlNode) Child(name string) *AxmlNode {
	for _, c := range n.Children {
		if !c.IsText && c.Name == name {
			return c
		}
	}
	return nil
}

// The methods below let *AxmlNode satisfy vector.Node, so VectorXform can
// walk a decoded vector drawable without this package importing vector
// (which would create an import cycle, since apk.go calls into vector).

func (n *AxmlNode) IsTextNode() bool   { return n.IsText }
func (n *AxmlNode) TagName() string    { return n.Name }
func (n *AxmlNode) TextContent() string { return n.Text }

func (n *AxmlNode) NodeAttrs() []vector.NodeAttr {
	out := make([]vector.NodeAttr, len(n.Attrs))
	for i, a := range n.Attrs {
		out[i] = vector.NodeAttr{Name: a.Name, Value: a.Value.String()}
	}
	return out
}

func (n *AxmlNode) NodeChildren() []vector.Node {
	out := make([]vector.Node, len(n.Children))
	for i, c := range n.Children {
		out[i] = c
	}
	return out
}

// Encode writes the subtree rooted at n as XML tokens through enc (e.g.
// *encoding/xml.Encoder), for textual dumps of a decoded manifest/layout.
func (n *AxmlNode) Encode(enc ManifestEncoder) error {
	if n.IsText {
		return enc.EncodeToken(xml.CharData([]byte(n.Text)))
	}

	start := xml.StartElement{Name: xml.Name{Space: n.Namespace, Local: n.Name}}
	for _, a := range n.Attrs {
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Space: a.Namespace, Local: a.Name},
			Value: a.Value.String(),
		})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

// AxmlDocument is the result of decoding one AXML chunk stream (§3, §4.2).
type AxmlDocument struct {
	Root    *AxmlNode
	Strings StringPool

	// Packed is set when an element/attribute name reference index exceeded
	// the string pool size (§4.2's packing heuristic); downstream queries
	// on an affected node may be incomplete, but parsing continues
	// best-effort rather than aborting (§7).
	Packed bool
}

// Clean returns a copy of the tree with namespaces stripped from every
// element and attribute name, for downstream lookups that only care about
// local names (§4.2: "a post-processing clean pass strips namespaces...
// preserving the original attribute ordering").
func (d *AxmlDocument) Clean() *AxmlNode {
	return cleanNode(d.Root, nil)
}

func cleanNode(n *AxmlNode, parent *AxmlNode) *AxmlNode {
	if n == nil {
		return nil
	}
	if n.IsText {
		return &AxmlNode{IsText: true, Text: n.Text, Parent: parent}
	}

	out := &AxmlNode{Name: n.Name, Parent: parent}
	out.Attrs = make([]AxmlAttr, len(n.Attrs))
	for i, a := range n.Attrs {
		out.Attrs[i] = AxmlAttr{Name: a.Name, Value: a.Value}
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, cleanNode(c, out))
	}
	return out
}

type axmlParser struct {
	strings     StringPool
	resourceIds []uint32

	res *ResourceTable
	obs Observer

	packed bool
}

// ParseAxml decodes the Android Binary XML chunked format into an
// AxmlDocument tree (§4.2). resources is optional; when present, attribute
// values of type Reference are resolved through it.
func ParseAxml(r io.Reader, resources *ResourceTable, obs Observer) (*AxmlDocument, error) {
	if obs == nil {
		obs = NopObserver{}
	}

	x := &axmlParser{res: resources, obs: obs}

	id, headerLen, totalLen, err := parseChunkHeader(r)
	if err != nil {
		return nil, err
	}

	if (id & 0xFF) == '<' {
		buf := bytes.NewBuffer(make([]byte, 0, 8))
		binary.Write(buf, binary.LittleEndian, &id)
		binary.Write(buf, binary.LittleEndian, &headerLen)
		binary.Write(buf, binary.LittleEndian, &totalLen)

		if s := buf.String(); strings.HasPrefix(s, "<?xml ") || strings.HasPrefix(s, "<manif") {
			return nil, ErrPlainTextManifest
		}
	}

	totalLen -= chunkHeaderSize

	doc := &AxmlDocument{}
	var stack []*AxmlNode

	var length uint32
	var lastId uint16
	for i := uint32(0); i < totalLen; i += length {
		id, _, length, err = parseChunkHeader(r)
		if err != nil {
			return doc, fmt.Errorf("error parsing header at 0x%08x of 0x%08x (last 0x%04x): %w", i, totalLen, lastId, err)
		}
		lastId = id

		lm := &io.LimitedReader{R: r, N: int64(length) - 2*4}

		switch id {
		case chunkStringTable:
			x.strings, err = parseStringPool(lm)
		case chunkResourceIds:
			err = x.parseResourceIds(lm)
		default:
			if (id & chunkMaskXml) == 0 {
				obs.Warnf("unknown top-level chunk id 0x%x, skipping", id)
				io.CopyN(io.Discard, lm, lm.N)
				continue
			}

			if _, err = io.CopyN(io.Discard, lm, 2*4); err != nil {
				break
			}

			switch id {
			case chunkXmlNsStart, chunkXmlNsEnd:
				io.CopyN(io.Discard, lm, lm.N) // namespace declarations aren't modeled in the tree
			case chunkXmlTagStart:
				var node *AxmlNode
				node, err = x.parseTagStart(lm)
				if err == nil {
					if len(stack) == 0 {
						doc.Root = node
					} else {
						parent := stack[len(stack)-1]
						node.Parent = parent
						parent.Children = append(parent.Children, node)
					}
					stack = append(stack, node)
				}
			case chunkXmlTagEnd:
				io.CopyN(io.Discard, lm, lm.N)
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
			case chunkXmlText:
				var text *AxmlNode
				text, err = x.parseText(lm)
				if err == nil && len(stack) > 0 {
					parent := stack[len(stack)-1]
					text.Parent = parent
					parent.Children = append(parent.Children, text)
				}
			default:
				err = fmt.Errorf("unknown chunk id 0x%x", id)
			}
		}

		if err != nil {
			if x.packed {
				doc.Packed = true
				return doc, fmt.Errorf("chunk 0x%08x: %w: %w", id, ErrPackedAxml, err)
			}
			return doc, fmt.Errorf("chunk 0x%08x: %w", id, err)
		} else if lm.N != 0 {
			io.CopyN(io.Discard, lm, lm.N)
		}
	}

	doc.Strings = x.strings
	doc.Packed = x.packed
	return doc, nil
}

func (x *axmlParser) parseResourceIds(r *io.LimitedReader) error {
	if (r.N % 4) != 0 {
		return fmt.Errorf("invalid resource ids chunk size")
	}
	count := uint32(r.N / 4)
	var id uint32
	for i := uint32(0); i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return err
		}
		x.resourceIds = append(x.resourceIds, id)
	}
	return nil
}

func (x *axmlParser) parseTagStart(r *io.LimitedReader) (*AxmlNode, error) {
	var namespaceIdx, nameIdx uint32
	var attrStart, attrSize, attrCount uint16

	if err := binary.Read(r, binary.LittleEndian, &namespaceIdx); err != nil {
		return nil, fmt.Errorf("namespace idx: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nameIdx); err != nil {
		return nil, fmt.Errorf("name idx: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &attrStart); err != nil {
		return nil, fmt.Errorf("attrStart: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &attrSize); err != nil {
		return nil, fmt.Errorf("attrSize: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &attrCount); err != nil {
		return nil, fmt.Errorf("attrCount: %w", err)
	}
	io.CopyN(io.Discard, r, 2*3) // idIndex, classIndex, styleIndex

	namespace, err := x.strings.Get(namespaceIdx)
	if err != nil {
		return nil, fmt.Errorf("decoding namespace: %w", err)
	}
	var name string
	if nameIdx >= x.strings.Count() {
		x.packed = true // keep the element, unnamed, and carry on
	} else if name, err = x.strings.Get(nameIdx); err != nil {
		return nil, fmt.Errorf("decoding name: %w", err)
	}

	node := &AxmlNode{Namespace: namespace, Name: name}

	var attr ResAttr
	for i := uint16(0); i < attrCount; i++ {
		if err := binary.Read(r, binary.LittleEndian, &attr); err != nil {
			return nil, fmt.Errorf("attr data: %w", err)
		}
		if uintptr(attrSize) > unsafe.Sizeof(attr) {
			io.CopyN(io.Discard, r, int64(uintptr(attrSize)-unsafe.Sizeof(attr)))
		}

		a, err := x.resolveAttr(name, attr)
		if err != nil {
			return nil, err
		}
		node.Attrs = append(node.Attrs, a)
	}

	return node, nil
}

// resolveAttr reproduces the teacher's attribute-name/value resolution
// rules (§4.2): attribute names are primarily resolved by resource id
// (Android's AndroidManifestActivity-style generated R indices), with a
// string-pool fallback for obfuscated/minified samples, and "package"/
// "platformBuildVersion*" always come from the string pool.
func (x *axmlParser) resolveAttr(elementName string, attr ResAttr) (AxmlAttr, error) {
	var attrName string
	if attr.NameIdx < uint32(len(x.resourceIds)) {
		attrName = wellKnownAttrName(x.resourceIds[attr.NameIdx])
	}

	nameOutOfRange := attr.NameIdx >= x.strings.Count()
	if nameOutOfRange {
		x.packed = true
	}

	var attrNameFromStrings string
	var err error
	if attrName == "" || elementName == "manifest" {
		attrNameFromStrings, err = x.strings.Get(attr.NameIdx)
		if err != nil {
			if attrName == "" && !nameOutOfRange {
				return AxmlAttr{}, fmt.Errorf("decoding attr name idx: %w", err)
			}
		} else if attrName != "" && attrNameFromStrings != "package" && !strings.HasPrefix(attrNameFromStrings, "platformBuildVersion") {
			attrNameFromStrings = ""
		}
	}

	attrNameSpace, err := x.strings.Get(attr.NamespaceId)
	if err != nil {
		return AxmlAttr{}, fmt.Errorf("decoding attr namespace idx: %w", err)
	}

	if attrNameFromStrings != "" {
		attrName = attrNameFromStrings
	} else if attrNameSpace == "" {
		attrNameSpace = androidNamespace
	}

	result := AxmlAttr{Namespace: attrNameSpace, Name: attrName}

	switch attr.Res.Type {
	case AttrTypeString:
		s, err := x.strings.Get(attr.RawValueIdx)
		if err != nil {
			return AxmlAttr{}, fmt.Errorf("decoding attr string idx: %w", err)
		}
		result.Value = Value{Kind: ValueString, StringIdx: attr.RawValueIdx, Str: s}
	case AttrTypeReference:
		result.Value = x.resolveReferenceAttr(result.Name, attr.Res.Data)
	default:
		result.Value = NewValueFromTyped(attr.Res.Type, attr.Res.Data, &x.strings)
	}

	return result, nil
}

func (x *axmlParser) resolveReferenceAttr(attrName string, data uint32) Value {
	v := Value{Kind: ValueReference, Ref: data, Raw: data}
	if x.res == nil || data == 0 {
		return v
	}

	var resolved Value
	var err error
	if attrName == "icon" || attrName == "roundIcon" {
		resolved, err = x.res.GetIconPng(data, 65535)
	} else {
		resolved, err = x.res.GetResolved(data, nil)
	}
	if err == nil {
		v.Str = resolved.String()
	}
	return v
}

func (x *axmlParser) parseText(r *io.LimitedReader) (*AxmlNode, error) {
	var idx uint32
	if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
		return nil, fmt.Errorf("text idx: %w", err)
	}

	text, err := x.strings.Get(idx)
	if err != nil {
		return nil, fmt.Errorf("decoding text idx: %w", err)
	}

	io.CopyN(io.Discard, r, 2*4)

	return &AxmlNode{IsText: true, Text: text}, nil
}

// formatIntAttr is kept for callers that need §4.2's default int formatting
// (plain signed decimal) outside of the typed Value.String() path.
func formatIntAttr(data uint32) string {
	return strconv.FormatInt(int64(int32(data)), 10)
}
