// image.go -- upload preprocessing: size cap, content sniffing, data URI encoding.
package tryon

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

// allowedTypes are the image formats the provider accepts.
var allowedTypes = []string{"image/jpeg", "image/png", "image/webp"}

// Image is one validated upload.
type Image struct {
	MIME string
	Data []byte
}

// DataURI encodes the image the way the provider expects inputs.
func (i Image) DataURI() string {
	return "data:" + i.MIME + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// ReadImage reads at most maxBytes from r and sniffs its content type.
// The declared Content-Type of the upload is ignored.
func ReadImage(r io.Reader, maxBytes int64) (Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return Image{}, fmt.Errorf("%w: limit is %d bytes", ErrImageTooLarge, maxBytes)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}
	return Image{MIME: mt.String(), Data: data}, nil
}

// Category is the garment slot the provider composites into.
type Category string

const (
	CategoryAuto      Category = "auto"
	CategoryTops      Category = "tops"
	CategoryBottoms   Category = "bottoms"
	CategoryOnePieces Category = "one-pieces"
)

// ParseCategory validates s; empty means auto.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case "":
		return CategoryAuto, nil
	case CategoryAuto, CategoryTops, CategoryBottoms, CategoryOnePieces:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}
