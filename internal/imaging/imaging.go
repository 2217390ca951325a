// Package imaging handles image decoding, format validation and annotation
// rendering. Format checks are done by decoding the actual bytes, never by
// trusting a client-declared content type.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"

	// Registered decoders. jpeg/png/webp are the accepted upload formats;
	// gif/bmp/tiff are registered so that a well-formed image in a
	// disallowed format is reported as unsupported rather than undecodable.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrUndecodable = errors.New("invalid image file")
	ErrUnsupported = errors.New("unsupported image type")
)

// allowedFormats maps image.Decode format names to the content type we
// persist. Anything decodable but absent here is rejected with
// ErrUnsupported.
var allowedFormats = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

var suffixes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Decode decodes an image of any allowed format from r. Returns
// ErrUndecodable for garbage bytes and ErrUnsupported for well-formed images
// in a disallowed format.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	contentType, ok := allowedFormats[format]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s (allowed: jpg, png, webp)", ErrUnsupported, format)
	}
	return img, contentType, nil
}

// DecodeFrame decodes one live-stream frame from raw bytes.
func DecodeFrame(frame []byte) (image.Image, error) {
	img, _, err := Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ValidateFile decodes the file at path and returns its dimensions and
// resolved content type.
func ValidateFile(path string) (width, height int, contentType string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, contentType, err := Decode(f)
	if err != nil {
		return 0, 0, "", err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), contentType, nil
}

// SuffixForContentType maps an allowed content type to its file extension.
func SuffixForContentType(contentType string) (string, bool) {
	s, ok := suffixes[contentType]
	return s, ok
}

// EncodeJPEG encodes img as JPEG at annotation-output quality.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
