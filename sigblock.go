package apkparser

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"fmt"
)

const (
	eocdSignature      = 0x06054b50
	eocdMinSize        = 22
	eocdMaxCommentSize = 65535
	sigBlockMagic      = "APK Sig Block 42"
	sigBlockV2Key      = 0x7109871A
)

// V2Signer is one signer record from the APK Signing Block v2 value: its
// certificate chain, in on-disk order (§3, §4.4).
type V2Signer struct {
	Certificates [][]byte // DER
}

// SigBlockResult is the decoded APK Signing Block (§4.4): every v2 signer,
// plus any other key/value pairs present but not interpreted.
type SigBlockResult struct {
	Signers      []V2Signer
	OtherEntries map[uint32][]byte
}

// findEoCD searches backward from the end of data for the EoCD signature,
// bounded by the 64 KiB comment window (§4.1).
func findEoCD(data []byte) (int64, error) {
	maxScan := eocdMaxCommentSize + eocdMinSize
	if maxScan > len(data) {
		maxScan = len(data)
	}

	tail := data[len(data)-maxScan:]
	for i := len(tail) - eocdMinSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) == eocdSignature {
			return int64(len(data)-maxScan) + int64(i), nil
		}
	}
	return -1, fmt.Errorf("%w: end of central directory record not found", ErrBrokenArchive)
}

// centralDirectoryOffset reads the central directory offset out of the EoCD
// record located at eocdOffset.
func centralDirectoryOffset(data []byte, eocdOffset int64) (int64, error) {
	if eocdOffset+eocdMinSize > int64(len(data)) {
		return 0, fmt.Errorf("%w: truncated EoCD record", ErrBrokenArchive)
	}
	off := binary.LittleEndian.Uint32(data[eocdOffset+16 : eocdOffset+20])
	return int64(off), nil
}

// ScanSigBlock locates and parses the APK Signing Block v2 (§4.4). Returns
// ErrNoSigningBlockV2 (wrapped) when the magic is absent - this is not a
// structural failure, per §7 ("Signing block absent" -> not an error).
func ScanSigBlock(data []byte) (*SigBlockResult, error) {
	eocd, err := findEoCD(data)
	if err != nil {
		return nil, err
	}

	cdOffset, err := centralDirectoryOffset(data, eocd)
	if err != nil {
		return nil, err
	}

	trailingPos := cdOffset - 24
	if trailingPos < 0 || trailingPos+24 > int64(len(data)) {
		return nil, fmt.Errorf("%w", ErrNoSigningBlockV2)
	}

	sizeSuffix := binary.LittleEndian.Uint64(data[trailingPos : trailingPos+8])
	magic := data[trailingPos+8 : trailingPos+24]
	if !bytes.Equal(magic, []byte(sigBlockMagic)) {
		return nil, fmt.Errorf("%w", ErrNoSigningBlockV2)
	}

	leadingPos := cdOffset - 8 - int64(sizeSuffix)
	if leadingPos < 0 || leadingPos+8 > int64(len(data)) {
		return nil, fmt.Errorf("%w: signing block size exceeds file", ErrBrokenArchive)
	}
	sizePrefix := binary.LittleEndian.Uint64(data[leadingPos : leadingPos+8])
	if sizePrefix != sizeSuffix {
		return nil, fmt.Errorf("%w: signing block size prefix/suffix mismatch", ErrBrokenArchive)
	}

	pairs := data[leadingPos+8 : trailingPos]

	result := &SigBlockResult{OtherEntries: make(map[uint32][]byte)}

	off := 0
	for off < len(pairs) {
		if off+8 > len(pairs) {
			return nil, fmt.Errorf("%w: truncated signing block pair", ErrBrokenArchive)
		}
		pairSize := binary.LittleEndian.Uint64(pairs[off : off+8])
		off += 8
		if pairSize < 4 || uint64(off)+pairSize > uint64(len(pairs)) {
			return nil, fmt.Errorf("%w: truncated signing block pair value", ErrBrokenArchive)
		}

		key := binary.LittleEndian.Uint32(pairs[off : off+4])
		value := pairs[off+4 : off+int(pairSize)]
		off += int(pairSize)

		if key == sigBlockV2Key {
			signers, err := parseV2Signers(value)
			if err != nil {
				return nil, fmt.Errorf("v2 signers: %w", err)
			}
			result.Signers = append(result.Signers, signers...)
		} else {
			result.OtherEntries[key] = value
		}
	}

	return result, nil
}

func parseV2Signers(value []byte) ([]V2Signer, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("truncated signer sequence")
	}
	seqLen := binary.LittleEndian.Uint32(value[:4])
	body := value[4:]
	if uint32(len(body)) < seqLen {
		return nil, fmt.Errorf("signer sequence length exceeds value")
	}
	body = body[:seqLen]

	var signers []V2Signer
	for len(body) > 0 {
		signer, rest, err := parseOneV2Signer(body)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
		body = rest
	}
	return signers, nil
}

func readLenPrefixed(b []byte) (chunk, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("length-prefixed chunk exceeds buffer")
	}
	return b[:n], b[n:], nil
}

func parseOneV2Signer(data []byte) (V2Signer, []byte, error) {
	signerChunk, rest, err := readLenPrefixed(data)
	if err != nil {
		return V2Signer{}, nil, fmt.Errorf("signer_size: %w", err)
	}

	b := signerChunk

	// signed_data_size (digests sub-chunk): skipped wholesale.
	_, b, err = readLenPrefixed(b)
	if err != nil {
		return V2Signer{}, nil, fmt.Errorf("signed_data_size: %w", err)
	}

	certsChunk, b, err := readLenPrefixed(b)
	if err != nil {
		return V2Signer{}, nil, fmt.Errorf("certs_size: %w", err)
	}

	var signer V2Signer
	cb := certsChunk
	for len(cb) > 0 {
		var cert []byte
		cert, cb, err = readLenPrefixed(cb)
		if err != nil {
			return V2Signer{}, nil, fmt.Errorf("cert_size: %w", err)
		}
		signer.Certificates = append(signer.Certificates, cert)
	}

	if _, b, err = readLenPrefixed(b); err != nil { // additional_attrs_size
		return V2Signer{}, nil, fmt.Errorf("additional_attrs_size: %w", err)
	}
	if _, b, err = readLenPrefixed(b); err != nil { // signatures_size
		return V2Signer{}, nil, fmt.Errorf("signatures_size: %w", err)
	}
	if _, b, err = readLenPrefixed(b); err != nil { // public_key_size
		return V2Signer{}, nil, fmt.Errorf("public_key_size: %w", err)
	}

	return signer, rest, nil
}

// CertificatesV2 flattens every signer's certificates in on-disk order
// (§4.4: "Multiple signers are flattened"), validating each is well-formed
// DER along the way (invariant 3).
func (r *SigBlockResult) CertificatesV2() ([][]byte, error) {
	var out [][]byte
	for _, s := range r.Signers {
		for _, c := range s.Certificates {
			if _, err := x509.ParseCertificate(c); err != nil {
				return nil, fmt.Errorf("invalid v2 certificate DER: %w", err)
			}
			out = append(out, c)
		}
	}
	return out, nil
}
