package optimize

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/png"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/ericpauley/go-quantize/quantize"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/svg"
)

// Pass is a single transformation step. Run reads in and writes a complete
// replacement to out; out already exists and may be truncated.
type Pass interface {
	Name() string
	Run(ctx context.Context, in, out string) error
}

// PassFunc adapts a function to the Pass interface.
type PassFunc struct {
	PassName string
	Fn       func(ctx context.Context, in, out string) error
}

// Name implements Pass.
func (p PassFunc) Name() string { return p.PassName }

// Run implements Pass.
func (p PassFunc) Run(ctx context.Context, in, out string) error { return p.Fn(ctx, in, out) }

// QuantizePass reduces a PNG to a palette of at most maxColors using median
// cut with Floyd-Steinberg dithering. Already paletted images within the
// limit are passed through untouched.
func QuantizePass(maxColors, maxPixels int) Pass {
	return PassFunc{PassName: "png-quantize", Fn: func(ctx context.Context, in, out string) error {
		img, err := decodeFile(in, maxPixels, png.Decode)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p, ok := img.(*image.Paletted); ok && len(p.Palette) <= maxColors {
			return encodeFile(out, func(w io.Writer) error {
				return (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(w, p)
			})
		}
		bounds := img.Bounds()
		q := quantize.MedianCutQuantizer{}
		palette := q.Quantize(make(color.Palette, 0, maxColors), img)
		dst := image.NewPaletted(bounds, palette)
		draw.FloydSteinberg.Draw(dst, bounds, img, bounds.Min)
		if err := ctx.Err(); err != nil {
			return err
		}
		return encodeFile(out, func(w io.Writer) error {
			return (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(w, dst)
		})
	}}
}

// DeflatePass re-encodes a PNG at the best zlib compression level.
func DeflatePass(maxPixels int) Pass {
	return PassFunc{PassName: "png-deflate", Fn: func(ctx context.Context, in, out string) error {
		img, err := decodeFile(in, maxPixels, png.Decode)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return encodeFile(out, func(w io.Writer) error {
			return (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(w, img)
		})
	}}
}

// ReencodeJPEGPass applies EXIF orientation and re-encodes at quality.
func ReencodeJPEGPass(quality, maxPixels int) Pass {
	return PassFunc{PassName: "jpeg-reencode", Fn: func(ctx context.Context, in, out string) error {
		if err := checkDimensions(in, maxPixels); err != nil {
			return err
		}
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		img, err := imaging.Decode(bufio.NewReader(f), imaging.AutoOrientation(true))
		f.Close()
		if err != nil {
			return fmt.Errorf("decode jpeg: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return encodeFile(out, func(w io.Writer) error {
			return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
		})
	}}
}

// GIFFramesPass decodes every frame and re-encodes the animation losslessly,
// dropping comment and application extensions other than looping.
func GIFFramesPass(maxPixels int) Pass {
	return PassFunc{PassName: "gif-frames", Fn: func(ctx context.Context, in, out string) error {
		if err := checkDimensions(in, maxPixels); err != nil {
			return err
		}
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		anim, err := gif.DecodeAll(bufio.NewReader(f))
		f.Close()
		if err != nil {
			return fmt.Errorf("decode gif: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return encodeFile(out, func(w io.Writer) error { return gif.EncodeAll(w, anim) })
	}}
}

// MinifySVGPass strips comments, metadata and redundant whitespace from SVG
// documents, including embedded stylesheets.
func MinifySVGPass() Pass {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.Add("image/svg+xml", &svg.Minifier{})
	return PassFunc{PassName: "svg-minify", Fn: func(ctx context.Context, in, out string) error {
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		defer f.Close()
		return encodeFile(out, func(w io.Writer) error {
			if err := m.Minify("image/svg+xml", w, bufio.NewReader(f)); err != nil {
				return fmt.Errorf("minify svg: %w", err)
			}
			return ctx.Err()
		})
	}}
}

func checkDimensions(path string, maxPixels int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

func decodeFile(path string, maxPixels int, decode func(io.Reader) (image.Image, error)) (image.Image, error) {
	if err := checkDimensions(path, maxPixels); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

func encodeFile(path string, encode func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
