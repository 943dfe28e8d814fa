// Package transcode turns a staged original into the published derivatives.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

const ContentType = "image/webp"

// ErrDecode marks an original that could not be decoded as an image.
var ErrDecode = errors.New("decode original")

type Options struct {
	FullQuality  int
	ThumbQuality int
	ThumbMaxEdge int
}

func DefaultOptions() Options {
	return Options{FullQuality: 85, ThumbQuality: 80, ThumbMaxEdge: 300}
}

type Derivative struct {
	Data   []byte
	Width  int
	Height int
}

type Result struct {
	Full  Derivative
	Thumb Derivative
}

type Processor struct {
	opts Options
}

func NewProcessor(opts Options) *Processor {
	def := DefaultOptions()
	if opts.FullQuality <= 0 {
		opts.FullQuality = def.FullQuality
	}
	if opts.ThumbQuality <= 0 {
		opts.ThumbQuality = def.ThumbQuality
	}
	if opts.ThumbMaxEdge <= 0 {
		opts.ThumbMaxEdge = def.ThumbMaxEdge
	}
	return &Processor{opts: opts}
}

// Process builds the full rendition and the thumbnail. Each one decodes src
// on its own and they run concurrently.
func (p *Processor) Process(ctx context.Context, src []byte) (*Result, error) {
	const op = "transcode.Process"

	var res Result
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := p.full(ctx, src)
		if err != nil {
			return fmt.Errorf("full: %w", err)
		}
		res.Full = d
		return nil
	})
	g.Go(func() error {
		d, err := p.thumb(ctx, src)
		if err != nil {
			return fmt.Errorf("thumb: %w", err)
		}
		res.Thumb = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &res, nil
}

func (p *Processor) full(ctx context.Context, src []byte) (Derivative, error) {
	img, err := decode(src)
	if err != nil {
		return Derivative{}, err
	}
	if err := ctx.Err(); err != nil {
		return Derivative{}, err
	}
	return encode(img, p.opts.FullQuality)
}

func (p *Processor) thumb(ctx context.Context, src []byte) (Derivative, error) {
	img, err := decode(src)
	if err != nil {
		return Derivative{}, err
	}
	if err := ctx.Err(); err != nil {
		return Derivative{}, err
	}
	// Fit never upscales.
	edge := p.opts.ThumbMaxEdge
	return encode(imaging.Fit(img, edge, edge, imaging.Lanczos), p.opts.ThumbQuality)
}

func decode(src []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

func encode(img image.Image, quality int) (Derivative, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(quality)}); err != nil {
		return Derivative{}, fmt.Errorf("encode webp: %w", err)
	}
	b := img.Bounds()
	return Derivative{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
