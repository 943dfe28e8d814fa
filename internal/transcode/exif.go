package transcode

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"

	"suipic/internal/models"
)

// Older tag tables store LensModel (0xA434) under its raw id.
var lensFields = []exif.FieldName{"LensModel", "UnknownTag_a434"}

// ExtractMetadata reads camera metadata from src. It never fails: a missing
// or malformed EXIF block yields whatever fields could be read, possibly none.
func ExtractMetadata(src []byte) (md models.Metadata) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("exif extraction panicked", "panic", r)
			md = models.Metadata{}
		}
	}()

	x, err := exif.Decode(bytes.NewReader(src))
	if err != nil {
		return md
	}

	md.Make = stringTag(x, exif.Make)
	md.Model = stringTag(x, exif.Model)
	for _, name := range lensFields {
		if md.Lens = stringTag(x, name); md.Lens != nil {
			break
		}
	}

	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if v, err := tag.Int(0); err == nil {
			md.ISO = &v
		}
	}
	if r := ratTag(x, exif.ExposureTime); r != nil {
		s := formatExposure(r)
		md.Shutter = &s
	}
	if r := ratTag(x, exif.FNumber); r != nil {
		s := formatRat(r)
		md.Aperture = &s
	}
	if r := ratTag(x, exif.FocalLength); r != nil {
		s := formatRat(r)
		md.FocalLength = &s
	}
	if t, err := x.DateTime(); err == nil {
		md.CapturedAt = &t
	}
	if raw, err := x.MarshalJSON(); err == nil && json.Valid(raw) {
		md.Raw = raw
	}
	return md
}

func stringTag(x *exif.Exif, name exif.FieldName) *string {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}
	s, err := tag.StringVal()
	if err != nil {
		return nil
	}
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return nil
	}
	return &s
}

func ratTag(x *exif.Exif, name exif.FieldName) *big.Rat {
	tag, err := x.Get(name)
	if err != nil {
		return nil
	}
	r, err := tag.Rat(0)
	if err != nil || r.Sign() <= 0 {
		return nil
	}
	return r
}

// formatExposure renders sub-second exposures as a fraction ("1/250").
func formatExposure(r *big.Rat) string {
	if r.Cmp(big.NewRat(1, 1)) < 0 {
		inv := new(big.Rat).Inv(r)
		if inv.IsInt() {
			return "1/" + inv.Num().String()
		}
		return r.RatString()
	}
	return formatRat(r)
}

func formatRat(r *big.Rat) string {
	f, _ := r.Float64()
	return strconv.FormatFloat(f, 'f', -1, 64)
}
