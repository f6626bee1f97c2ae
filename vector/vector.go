// Package vector transforms an AXML-decoded Android Vector Drawable tree
// into an SVG document (§4.7). It depends only on the small Node interface
// below, not on the root apkparser package, so the root package is free to
// call into vector without creating an import cycle.
package vector

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NodeAttr is one already-un-namespaced, already-formatted attribute.
type NodeAttr struct {
	Name  string
	Value string
}

// Node is the minimal view of a decoded AXML element VectorXform needs.
// *apkparser.AxmlNode implements this (see axml.go's adapter methods).
type Node interface {
	IsTextNode() bool
	TagName() string
	TextContent() string
	NodeAttrs() []NodeAttr
	NodeChildren() []Node
}

func nodeAttr(n Node, name string) (string, bool) {
	for _, a := range n.NodeAttrs() {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Encoder matches *encoding/xml.Encoder's shape, so SVG trees serialize
// through the same token-writing idiom the root package's AXML path uses.
type Encoder interface {
	EncodeToken(t xml.Token) error
	Flush() error
}

// SvgAttr is one ordered SVG attribute.
type SvgAttr struct {
	Name  string
	Value string
}

// SvgNode is one element of the output SVG tree.
type SvgNode struct {
	Name     string
	Attrs    []SvgAttr
	Children []*SvgNode
}

func newSvgNode(name string) *SvgNode {
	return &SvgNode{Name: name}
}

func (n *SvgNode) set(name, value string) {
	n.Attrs = append(n.Attrs, SvgAttr{Name: name, Value: value})
}

func (n *SvgNode) appendChild(c *SvgNode) {
	n.Children = append(n.Children, c)
}

// Encode writes the tree as XML tokens.
func (n *SvgNode) Encode(enc Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: n.Name}}
	for _, a := range n.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
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

// idGenerator hands out deterministic, monotonically increasing gradient
// ids (§9: "deterministic id generation eases testing").
type idGenerator struct{ n int }

func (g *idGenerator) next() string {
	g.n++
	return fmt.Sprintf("gradient%d", g.n)
}

// VectorXform converts one Node tree rooted at `vector` into an SVG tree.
// It is a plain struct with methods - no global converter registry (§9).
type VectorXform struct {
	ids  idGenerator
	defs *SvgNode
}

// NewVectorXform builds a fresh transformer with its own id counter.
func NewVectorXform() *VectorXform {
	return &VectorXform{}
}

// Transform converts root (must be a `vector` element) into an `<svg>`
// tree, with any gradients hoisted into a `<defs>` child.
func (x *VectorXform) Transform(root Node) (*SvgNode, error) {
	if root == nil || root.IsTextNode() || root.TagName() != "vector" {
		return nil, fmt.Errorf("vector: root element is not <vector>")
	}

	x.defs = newSvgNode("defs")
	svg := newSvgNode("svg")
	svg.set("xmlns", "http://www.w3.org/2000/svg")

	vw := attrFloat(root, "viewportWidth", 0)
	vh := attrFloat(root, "viewportHeight", 0)
	svg.set("viewBox", fmt.Sprintf("0 0 %s %s", trimFloat(vw), trimFloat(vh)))
	svg.set("width", dimensionOrDefault(root, "width"))
	svg.set("height", dimensionOrDefault(root, "height"))

	for _, c := range root.NodeChildren() {
		child, err := x.transformChild(c, svg)
		if err != nil {
			return nil, err
		}
		if child != nil {
			svg.appendChild(child)
		}
	}

	if len(x.defs.Children) > 0 {
		svg.Children = append([]*SvgNode{x.defs}, svg.Children...)
	}

	return svg, nil
}

// dimensionOrDefault strips a trailing dp/dip unit from a size attribute,
// defaulting to 480px (§4.7).
func dimensionOrDefault(n Node, name string) string {
	s, ok := nodeAttr(n, name)
	if !ok {
		return "480px"
	}
	s = strings.TrimSuffix(s, "dip")
	s = strings.TrimSuffix(s, "dp")
	if s == "" {
		return "480px"
	}
	return s
}

func attrFloat(n Node, name string, def float64) float64 {
	s, ok := nodeAttr(n, name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimRight(s, "dip"), 64)
	if err != nil {
		return def
	}
	return f
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func (x *VectorXform) transformChild(n Node, parent *SvgNode) (*SvgNode, error) {
	if n.IsTextNode() {
		return nil, nil
	}

	switch n.TagName() {
	case "group":
		return x.transformGroup(n)
	case "path":
		return x.transformPath(n), nil
	case "gradient":
		return x.transformGradient(n, parent)
	case "solid":
		return x.transformSolid(n), nil
	default:
		return nil, nil
	}
}

// transformGroup maps `group` -> `g`, composing scale -> rotate(pivot) ->
// translate in that application order (§4.7).
func (x *VectorXform) transformGroup(n Node) (*SvgNode, error) {
	g := newSvgNode("g")

	sx := attrFloat(n, "scaleX", 1)
	sy := attrFloat(n, "scaleY", 1)
	rot := attrFloat(n, "rotation", 0)
	px := attrFloat(n, "pivotX", 0)
	py := attrFloat(n, "pivotY", 0)
	tx := attrFloat(n, "translateX", 0)
	ty := attrFloat(n, "translateY", 0)

	g.set("transform", fmt.Sprintf(
		"translate(%s,%s) rotate(%s,%s,%s) scale(%s,%s)",
		trimFloat(tx), trimFloat(ty), trimFloat(rot), trimFloat(px), trimFloat(py), trimFloat(sx), trimFloat(sy),
	))

	for _, c := range n.NodeChildren() {
		child, err := x.transformChild(c, g)
		if err != nil {
			return nil, err
		}
		if child != nil {
			g.appendChild(child)
		}
	}
	return g, nil
}

var pathAttrRename = map[string]string{
	"pathData":         "d",
	"strokeWidth":      "stroke-width",
	"strokeColor":      "stroke",
	"strokeLinecap":    "stroke-linecap",
	"strokeLineJoin":   "stroke-line-join",
	"strokeMiterLimit": "stroke-miter-limit",
	"fillAlpha":        "fill-opacity",
	"strokeAlpha":      "stroke-opacity",
}

// transformPath maps `path` -> `path` (§4.7): renamed attributes, plus
// alpha-channel splitting for `fillColor`.
func (x *VectorXform) transformPath(n Node) *SvgNode {
	p := newSvgNode("path")

	for _, a := range n.NodeAttrs() {
		switch a.Name {
		case "fillColor":
			fill, opacity := splitArgb(a.Value)
			p.set("fill", fill)
			if opacity != "" {
				p.set("fill-opacity", opacity)
			}
		case "fillType":
			p.set("fill-rule", strings.ToLower(a.Value))
		default:
			if out, ok := pathAttrRename[a.Name]; ok {
				p.set(out, a.Value)
			}
		}
	}

	return p
}

// splitArgb splits a `#AARRGGBB` color into an `#RRGGBB` fill and an
// opacity fraction string "A/255" rendered as a decimal; plain `#RRGGBB`
// colors pass through with no opacity.
func splitArgb(color string) (fill string, opacity string) {
	if !strings.HasPrefix(color, "#") || len(color) != 9 {
		return color, ""
	}
	a, err := strconv.ParseUint(color[1:3], 16, 8)
	if err != nil {
		return color, ""
	}
	return "#" + color[3:], strconv.FormatFloat(float64(a)/255, 'f', -1, 64)
}

// transformGradient maps `gradient` -> one of
// linearGradient/radialGradient/sweepGradient, selected by integer `type`
// (0/1/2), hoisting the result into `<defs>` under a fresh id and, when the
// parent is `svg` or `shape`, adding a full-bleed `<rect>` that references
// it (§4.7).
func (x *VectorXform) transformGradient(n Node, parent *SvgNode) (*SvgNode, error) {
	kind := int(attrFloat(n, "type", 0))

	var tag string
	switch kind {
	case 1:
		tag = "radialGradient"
	case 2:
		tag = "sweepGradient"
	default:
		tag = "linearGradient"
	}

	g := newSvgNode(tag)
	id := x.ids.next()
	g.set("id", id)

	switch tag {
	case "linearGradient":
		angle := attrFloat(n, "angle", 0) * math.Pi / 180
		dx := math.Cos(angle) * 100
		dy := math.Sin(angle) * 100
		x1, x2 := 0.0, dx
		if dx < 0 {
			x1, x2 = 100, 100+dx
		}
		y1, y2 := 0.0, dy
		if dy < 0 {
			y1, y2 = 100, 100+dy
		}
		g.set("x1", pct(x1))
		g.set("y1", pct(y1))
		g.set("x2", pct(x2))
		g.set("y2", pct(y2))
	case "radialGradient":
		if v, ok := nodeAttr(n, "centerX"); ok {
			g.set("cx", pct(parseFloat(v)*100))
		}
		if v, ok := nodeAttr(n, "centerY"); ok {
			g.set("cy", pct(parseFloat(v)*100))
		}
		if v, ok := nodeAttr(n, "gradientRadius"); ok {
			g.set("r", pct(parseFloat(v)*100))
		}
	case "sweepGradient":
		if v, ok := nodeAttr(n, "centerX"); ok {
			g.set("cx", pct(parseFloat(v)*100))
		}
		if v, ok := nodeAttr(n, "centerY"); ok {
			g.set("cy", pct(parseFloat(v)*100))
		}
	}

	addStop := func(attrName string, offset string) {
		v, ok := nodeAttr(n, attrName)
		if !ok {
			return
		}
		g.appendChild(colorStop(offset, v))
	}
	addStop("startColor", "0%")
	addStop("centerColor", "50%")
	addStop("endColor", "100%")

	for _, c := range n.NodeChildren() {
		if c.IsTextNode() || c.TagName() != "item" {
			continue
		}
		offset := "0%"
		if v, ok := nodeAttr(c, "offset"); ok {
			offset = pct(parseFloat(v) * 100)
		}
		if v, ok := nodeAttr(c, "color"); ok {
			g.appendChild(colorStop(offset, v))
		}
	}

	x.defs.appendChild(g)

	if parent != nil && (parent.Name == "svg" || parent.Name == "shape") {
		rect := newSvgNode("rect")
		rect.set("width", "100%")
		rect.set("height", "100%")
		rect.set("style", fmt.Sprintf("fill: url(#%s)", id))
		return rect, nil
	}

	return nil, nil
}

func colorStop(offset, color string) *SvgNode {
	stop := newSvgNode("stop")
	stop.set("offset", offset)
	fill, opacity := splitArgb(color)
	stop.set("stop-color", fill)
	if opacity != "" {
		stop.set("stop-opacity", opacity)
	}
	return stop
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func pct(v float64) string {
	return trimFloat(v) + "%"
}

// transformSolid maps `solid` -> a full-bleed `<rect>` (§4.7), splitting its
// color the same way as a gradient stop.
func (x *VectorXform) transformSolid(n Node) *SvgNode {
	rect := newSvgNode("rect")
	rect.set("x", "0")
	rect.set("y", "0")
	rect.set("width", "100%")
	rect.set("height", "100%")

	if v, ok := nodeAttr(n, "color"); ok {
		fill, opacity := splitArgb(v)
		rect.set("fill", fill)
		if opacity != "" {
			rect.set("fill-opacity", opacity)
		}
	}
	return rect
}

// RenderSVG transforms root and serializes the result as SVG XML bytes,
// suitable as the `svg_bytes` input to the Rasterizer collaborator (§6).
func RenderSVG(root Node) ([]byte, error) {
	x := NewVectorXform()
	svg, err := x.Transform(root)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := svg.Encode(enc); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
