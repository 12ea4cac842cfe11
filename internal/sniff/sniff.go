// Package sniff identifies image formats from the leading bytes of a file.
// Client supplied names and content types are never consulted.
package sniff

import (
	"bytes"
	"errors"
	"io"

	"github.com/h2non/filetype"
)

// PrefixSize is the number of leading bytes Sniff needs. Binary signatures fit
// in the first 262 bytes; the remainder leaves room for an SVG preamble.
const PrefixSize = 512

// Sniff classifies prefix. It never fails: unknown input yields Unsupported.
func Sniff(prefix []byte) Format {
	if len(prefix) > PrefixSize {
		prefix = prefix[:PrefixSize]
	}
	if len(prefix) == 0 {
		return Unsupported
	}
	if kind, err := filetype.Match(prefix); err == nil && kind != filetype.Unknown {
		switch kind.Extension {
		case "png":
			return PNG
		case "jpg":
			return JPEG
		case "gif":
			return GIF
		case "bmp":
			return BMP
		}
		return Unsupported
	}
	if isSVG(prefix) {
		return SVG
	}
	return Unsupported
}

// SniffReader reads up to PrefixSize bytes from r and classifies them. The
// bytes consumed are returned so streaming callers can replay them.
func SniffReader(r io.Reader) (Format, []byte, error) {
	buf := make([]byte, PrefixSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Unsupported, buf[:n], err
	}
	buf = buf[:n]
	return Sniff(buf), buf, nil
}

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	svgTag     = []byte("<svg")
	prefixTag  = []byte(":svg")
	commentEnd = []byte("-->")
)

// isSVG looks for an <svg root element after skipping the markup that may
// legally precede it: BOM, whitespace, XML declaration, processing
// instructions, comments and a DOCTYPE. A document whose preamble does not
// fit the prefix is not recognised.
func isSVG(b []byte) bool {
	b = bytes.TrimPrefix(b, utf8BOM)
	for {
		b = bytes.TrimLeft(b, " \t\r\n")
		switch {
		case bytes.HasPrefix(b, []byte("<?")):
			end := bytes.Index(b, []byte("?>"))
			if end < 0 {
				return false
			}
			b = b[end+2:]
		case bytes.HasPrefix(b, []byte("<!--")):
			end := bytes.Index(b[4:], commentEnd)
			if end < 0 {
				return false
			}
			b = b[4+end+len(commentEnd):]
		case hasPrefixFold(b, []byte("<!DOCTYPE")):
			end := doctypeEnd(b)
			if end < 0 {
				return false
			}
			b = b[end+1:]
		case bytes.HasPrefix(b, svgTag) && tagBoundary(b[len(svgTag):]):
			return true
		case len(b) > 1 && b[0] == '<':
			// Namespace-prefixed root such as <svg:svg.
			name := b[1:]
			colon := bytes.IndexByte(name, ':')
			if colon <= 0 || colon > 32 || bytes.ContainsAny(name[:colon], " \t\r\n<>/=\"'") {
				return false
			}
			rest := name[colon:]
			if !bytes.HasPrefix(rest, prefixTag) {
				return false
			}
			return tagBoundary(rest[len(prefixTag):])
		default:
			return false
		}
	}
}

// doctypeEnd finds the '>' closing a DOCTYPE, skipping an internal subset in
// square brackets.
func doctypeEnd(b []byte) int {
	depth := 0
	for i, c := range b {
		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case '>':
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func tagBoundary(rest []byte) bool {
	if len(rest) == 0 {
		return true
	}
	switch rest[0] {
	case ' ', '\t', '\r', '\n', '>', '/':
		return true
	}
	return false
}

func hasPrefixFold(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], prefix)
}
