// Package fingerprint computes reproducible digests of processed images.
//
// A fingerprint is the lowercase hex MD5 of the image's PNG encoding. It lets
// two runs confirm they operated on bit-identical pixels; it is not a
// security primitive.
package fingerprint

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"
)

// ErrFingerprint is returned when the image cannot be encoded.
var ErrFingerprint = errors.New("fingerprint failed")

var encoder = png.Encoder{CompressionLevel: png.DefaultCompression}

// Of encodes img as PNG and returns the digest of the encoded bytes.
func Of(img image.Image) (string, error) {
	data, err := Encode(img)
	if err != nil {
		return "", err
	}
	return OfBytes(data), nil
}

// Encode returns the PNG encoding used for fingerprinting.
func Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrFingerprint)
	}
	var buf bytes.Buffer
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFingerprint, err)
	}
	return buf.Bytes(), nil
}

// OfBytes digests already encoded bytes.
func OfBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
