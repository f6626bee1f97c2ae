package apkparser

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueReference
	ValueAttribute
	ValueString
	ValueFloat
	ValueDimension
	ValueFraction
	ValueIntDec
	ValueIntHex
	ValueBool
	ValueColor
)

// Value is the typed cell held by a resource table entry or an AXML
// attribute's typed payload (§3, §9: "model as a sum type").
// Exactly one of the fields is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Ref       uint32 // ValueReference, ValueAttribute
	StringIdx uint32 // ValueString: index into the owning StringPool
	Str       string // resolved string, filled in once a pool is available
	Float     float32
	Int       int32  // ValueIntDec, ValueIntHex
	Bool      bool
	Color     uint32 // packed ARGB, see Color.String
	DimValue  float32
	DimUnit   string
	FracValue float32
	FracIsPct bool // true: "%", false: "%p"

	ColorType AttrType // which of the four color encodings Color came from
	Raw       uint32   // original 32-bit payload, kept for diagnostics
}

// NewValueFromTyped decodes a ResValue's data_type/data pair into a Value,
// per §4.2's attribute value resolution table. pool resolves ValueString and
// is allowed to be nil (the caller then gets an unresolved ValueString with
// only StringIdx set).
func NewValueFromTyped(t AttrType, data uint32, pool *StringPool) Value {
	v := Value{Raw: data}
	switch t {
	case AttrTypeNull:
		v.Kind = ValueNull
	case AttrTypeReference:
		v.Kind = ValueReference
		v.Ref = data
	case AttrTypeAttribute:
		v.Kind = ValueAttribute
		v.Ref = data
	case AttrTypeString:
		v.Kind = ValueString
		v.StringIdx = data
		if pool != nil {
			if s, err := pool.Get(data); err == nil {
				v.Str = s
			}
		}
	case AttrTypeFloat:
		v.Kind = ValueFloat
		v.Float = math.Float32frombits(data)
	case AttrTypeDimension:
		v.Kind = ValueDimension
		v.DimValue, v.DimUnit = decodeComplex(data)
	case AttrTypeFraction:
		v.Kind = ValueFraction
		val, _ := decodeComplex(data)
		v.FracValue = val
		v.FracIsPct = (data & 0xf) == fractionKindBasic
	case AttrTypeIntDec:
		v.Kind = ValueIntDec
		v.Int = int32(data)
	case AttrTypeIntHex:
		v.Kind = ValueIntHex
		v.Int = int32(data)
	case AttrTypeIntBool:
		v.Kind = ValueBool
		v.Bool = data != 0
	case AttrTypeIntColorArgb8, AttrTypeIntColorRgb8, AttrTypeIntColorArgb4, AttrTypeIntColorRgb4:
		v.Kind = ValueColor
		v.Color = data
		v.ColorType = t
	default:
		v.Kind = ValueIntDec
		v.Int = int32(data)
	}
	return v
}

// decodeComplex splits a TYPE_DIMENSION/TYPE_FRACTION payload into its
// mantissa (radix-adjusted per bits 4-5) and unit suffix (low 4 bits), per
// frameworks/base's ResourceTypes.h COMPLEX_UNIT_* / COMPLEX_RADIX_* tables.
func decodeComplex(data uint32) (float32, string) {
	const mantissaShift = 8
	const radixShift = 4
	const radixMask = 0x3

	mantissa := int32(data) >> mantissaShift
	radix := (data >> radixShift) & radixMask

	var value float32
	switch radix {
	case 0: // RADIX_23p0
		value = float32(mantissa)
	case 1: // RADIX_16p7
		value = float32(mantissa) / float32(1<<7)
	case 2: // RADIX_8p15
		value = float32(mantissa) / float32(1<<15)
	default: // RADIX_0p23
		value = float32(mantissa) / float32(1<<23)
	}

	unit := ""
	if idx := data & 0xf; int(idx) < len(dimensionUnits) {
		unit = dimensionUnits[idx]
	}
	return value, unit
}

// String formats the value the way AxmlParser attribute resolution does
// (§4.2), independent of whether this Value came from an AXML attribute or
// an ARSC resource entry.
func (v Value) String() string {
	switch v.Kind {
	case ValueNull:
		return ""
	case ValueReference, ValueAttribute:
		return fmt.Sprintf("@%x", v.Ref)
	case ValueString:
		return v.Str
	case ValueFloat:
		return fmt.Sprintf("%g", v.Float)
	case ValueDimension:
		return fmt.Sprintf("%g%s", v.DimValue, v.DimUnit)
	case ValueFraction:
		suffix := "%"
		if !v.FracIsPct {
			suffix = "%p"
		}
		return fmt.Sprintf("%g%s", v.FracValue*100, suffix)
	case ValueIntDec:
		return strconv.FormatInt(int64(v.Int), 10)
	case ValueIntHex:
		return fmt.Sprintf("0x%x", uint32(v.Int))
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueColor:
		return formatColor(v.ColorType, v.Color)
	default:
		return ""
	}
}

// formatColor renders #AARRGGBB or #RRGGBB depending on which AttrType the
// color came from; the 4-bit-per-channel variants are expanded to 8-bit.
func formatColor(t AttrType, data uint32) string {
	expand4 := func(nibble uint32) uint32 { return nibble | (nibble << 4) }

	switch t {
	case AttrTypeIntColorArgb8:
		return fmt.Sprintf("#%08x", data)
	case AttrTypeIntColorRgb8:
		return fmt.Sprintf("#%06x", data&0xffffff)
	case AttrTypeIntColorArgb4:
		a := expand4((data >> 12) & 0xf)
		r := expand4((data >> 8) & 0xf)
		g := expand4((data >> 4) & 0xf)
		b := expand4(data & 0xf)
		return fmt.Sprintf("#%02x%02x%02x%02x", a, r, g, b)
	case AttrTypeIntColorRgb4:
		r := expand4((data >> 8) & 0xf)
		g := expand4((data >> 4) & 0xf)
		b := expand4(data & 0xf)
		return fmt.Sprintf("#%02x%02x%02x", r, g, b)
	default:
		return fmt.Sprintf("#%08x", data)
	}
}
