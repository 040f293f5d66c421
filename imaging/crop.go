package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
)

// NormalizationError signals that a source image could not be decoded or the
// requested ratio was malformed. Callers should fall back to the uncropped
// source rather than blocking the pipeline.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize image: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize image: %s", e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// CropToRatio crops data to the largest centered region matching the target
// "W:H" ratio. Sources relatively wider than the target lose width, relatively
// taller ones lose height; a source already at the target ratio is returned
// unchanged. The operation is idempotent.
func CropToRatio(data []byte, ratio string) ([]byte, error) {
	rw, rh, err := parseRatio(ratio)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &NormalizationError{Reason: "decode failed", Err: err}
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// Compare w/h against rw/rh without division: w*rh vs h*rw.
	switch {
	case w*rh == h*rw:
		return data, nil
	case w*rh > h*rw:
		// Wider than target: reduce width only.
		newW := h * rw / rh
		x0 := b.Min.X + (w-newW)/2
		return encode(cropRect(img, image.Rect(x0, b.Min.Y, x0+newW, b.Max.Y)), format)
	default:
		// Taller than target: reduce height only.
		newH := w * rh / rw
		y0 := b.Min.Y + (h-newH)/2
		return encode(cropRect(img, image.Rect(b.Min.X, y0, b.Max.X, y0+newH)), format)
	}
}

func cropRect(src image.Image, r image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, &NormalizationError{Reason: "encode failed", Err: err}
	}
	return buf.Bytes(), nil
}

func parseRatio(ratio string) (int, int, error) {
	parts := strings.SplitN(ratio, ":", 2)
	if len(parts) != 2 {
		return 0, 0, &NormalizationError{Reason: fmt.Sprintf("bad aspect ratio %q", ratio)}
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, &NormalizationError{Reason: fmt.Sprintf("bad aspect ratio %q", ratio)}
	}
	return w, h, nil
}
