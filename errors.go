package apkparser

import "errors"

// Error kinds per §7. Only archive-level structural failures (open, read of
// a named entry, TestIntegrity) are surfaced as typed failures; parser-level
// recoverable conditions are logged through an Observer and produce partial
// results instead (§7 "Propagation").
var (
	// ErrBrokenArchive: EoCD not found, central directory inconsistent, or
	// CRC mismatch under TestIntegrity.
	ErrBrokenArchive = errors.New("broken archive")

	// ErrEntryNotFound: a requested archive entry is absent.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrPlainTextManifest: some APKs (mostly test fixtures) ship an
	// uncompiled plaintext manifest instead of binary AXML.
	// Sample: 2c882a2376034ed401be082a42a21f0ac837689e7d3ab6be0afb82f44ca0b859
	ErrPlainTextManifest = errors.New("xml is in plaintext, binary form expected")

	// ErrNoSigningBlockV2: the APK Signing Block magic was not found at
	// OCD-24; not a failure on its own, checked via errors.Is by Open.
	ErrNoSigningBlockV2 = errors.New("no v2 signing block")

	// ErrPackedAxml: an element/attribute name reference index exceeded the
	// string pool size (§4.2's packed-AXML heuristic). The document is
	// still returned, best-effort, with this error wrapping any downstream
	// failure it caused.
	ErrPackedAxml = errors.New("axml document appears packed/obfuscated")
)
