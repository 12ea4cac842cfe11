package sniff

// Format is the closed set of image formats imgd can recognise.
type Format uint8

const (
	// Unsupported is returned for anything that does not match a known
	// signature.
	Unsupported Format = iota
	PNG
	JPEG
	GIF
	SVG
	BMP
)

type formatInfo struct {
	name      string
	mime      string
	ext       string
	supported bool
}

var formats = [...]formatInfo{
	Unsupported: {name: "unsupported", mime: "application/octet-stream", ext: "bin"},
	PNG:         {name: "png", mime: "image/png", ext: "png", supported: true},
	JPEG:        {name: "jpeg", mime: "image/jpeg", ext: "jpg", supported: true},
	GIF:         {name: "gif", mime: "image/gif", ext: "gif", supported: true},
	SVG:         {name: "svg", mime: "image/svg+xml", ext: "svg", supported: true},
	BMP:         {name: "bmp", mime: "image/bmp", ext: "bmp"},
}

func (f Format) info() formatInfo {
	if int(f) >= len(formats) {
		return formats[Unsupported]
	}
	return formats[f]
}

// String returns the short lowercase format name.
func (f Format) String() string { return f.info().name }

// MIMEType returns the canonical media type.
func (f Format) MIMEType() string { return f.info().mime }

// Extension returns the preferred file extension without the dot.
func (f Format) Extension() string { return f.info().ext }

// Supported reports whether imgd accepts uploads of, and serves, this format.
// BMP is recognised but deliberately excluded: it is neither ingested nor
// served.
func (f Format) Supported() bool { return f.info().supported }

// Known reports whether f matched a signature at all.
func (f Format) Known() bool { return f != Unsupported && int(f) < len(formats) }

// SupportedFormats lists the accepted formats in a stable order.
func SupportedFormats() []Format {
	return []Format{PNG, JPEG, GIF, SVG}
}

// ParseExtension maps a cosmetic URL extension (without the dot) to a
// format. It is only used to tolerate extensions on retrieval paths, never to
// decide the content type.
func ParseExtension(ext string) (Format, bool) {
	switch ext {
	case "png":
		return PNG, true
	case "jpg", "jpeg":
		return JPEG, true
	case "gif":
		return GIF, true
	case "svg":
		return SVG, true
	case "bmp":
		return BMP, true
	}
	return Unsupported, false
}
