// Package frame implements the length-prefixed framing used on timerlink
// connections. A frame is a fixed-width header holding the payload length as
// left-aligned, space-padded ASCII decimal digits, followed by exactly that
// many bytes of UTF-8 payload.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// DefaultHeaderWidth is the header size used when no width is configured.
const DefaultHeaderWidth = 64

const padByte = ' '

var (
	// ErrFrameTooLarge is returned when a payload length cannot be
	// represented in the header or exceeds a configured limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedHeader is returned when a header does not hold a valid
	// non-negative decimal length.
	ErrMalformedHeader = errors.New("malformed frame header")

	// ErrInvalidEncoding is returned when a payload is not valid UTF-8.
	ErrInvalidEncoding = errors.New("payload is not valid UTF-8")
)

// Codec encodes and decodes frame headers of a fixed width. A Codec holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	width int
}

// NewCodec returns a Codec producing headers of exactly width bytes.
//
// Parameters:
//   - width: Header width in bytes; values <= 0 select DefaultHeaderWidth
//
// Returns:
//   - A new Codec
func NewCodec(width int) *Codec {
	if width <= 0 {
		width = DefaultHeaderWidth
	}

	return &Codec{width: width}
}

// Width returns the header width in bytes.
func (c *Codec) Width() int {
	return c.width
}

// EncodeHeader formats n as decimal ASCII, left-aligned and padded with
// trailing spaces to exactly Width bytes.
//
// Parameters:
//   - n: The payload length in bytes
//
// Returns:
//   - The encoded header
//   - ErrFrameTooLarge if the decimal form of n is longer than Width,
//     ErrMalformedHeader if n is negative
func (c *Codec) EncodeHeader(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrMalformedHeader, n)
	}

	digits := strconv.Itoa(n)
	if len(digits) > c.width {
		return nil, fmt.Errorf("%w: length %d needs %d digits, header holds %d", ErrFrameTooLarge, n, len(digits), c.width)
	}

	header := bytes.Repeat([]byte{padByte}, c.width)
	copy(header, digits)
	return header, nil
}

// DecodeHeader parses a header produced by EncodeHeader.
//
// Parameters:
//   - header: Exactly Width bytes read from the stream
//
// Returns:
//   - The payload length announced by the header
//   - ErrMalformedHeader if the header has the wrong size or its trimmed
//     content is not a non-negative decimal integer
func (c *Codec) DecodeHeader(header []byte) (int, error) {
	if len(header) != c.width {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedHeader, len(header), c.width)
	}

	digits := bytes.TrimRight(header, string(padByte))
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: empty length field", ErrMalformedHeader)
	}

	for _, b := range digits {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedHeader, digits)
		}
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	return n, nil
}

// Encode returns the header for payload followed by the payload itself, so
// the whole frame can go out in a single write.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	header, err := c.EncodeHeader(len(payload))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...), nil
}

// ValidText reports ErrInvalidEncoding when b is not valid UTF-8.
func ValidText(b []byte) error {
	if !utf8.Valid(b) {
		return ErrInvalidEncoding
	}

	return nil
}
