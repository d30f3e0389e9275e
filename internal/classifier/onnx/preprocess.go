package onnx

import (
	"image"
	"image/color"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/example/classify-pipeline/internal/classifier"
)

// layout is the memory order of the input tensor.
type layout int

const (
	layoutNCHW layout = iota
	layoutNHWC
)

// upright rotates img clockwise by orientation degrees so the scene is upright.
func upright(img image.Image, orientation int) image.Image {
	switch ((orientation % 360) + 360) % 360 {
	case 0:
		return img
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return imaging.Rotate(img, float64(-orientation), color.Black)
	}
}

// prepare crops img to a centered square, resizes it to width x height and
// writes normalized RGB values into dst.
func prepare(dst []float32, img image.Image, orientation, width, height int, order layout, mean, std float32) {
	img = upright(img, orientation)
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	cropped := imaging.CropCenter(img, side, side)
	scaled := resize.Resize(uint(width), uint(height), cropped, resize.Bilinear)

	sb := scaled.Bounds()
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := scaled.At(sb.Min.X+x, sb.Min.Y+y).RGBA()
			px := [3]float32{float32(r >> 8), float32(g >> 8), float32(bl >> 8)}
			for c := 0; c < 3; c++ {
				v := (px[c] - mean) / std
				if order == layoutNHWC {
					dst[(y*width+x)*3+c] = v
				} else {
					dst[c*plane+y*width+x] = v
				}
			}
		}
	}
}

// rank turns raw scores into the top recognitions.
func rank(scores []float32, labels []string, scale float32) []classifier.Recognition {
	recs := make([]classifier.Recognition, 0, len(scores))
	for i, s := range scores {
		rec := classifier.Recognition{ID: strconv.Itoa(i), Confidence: s * scale}
		if i < len(labels) {
			rec.Label = labels[i]
		}
		recs = append(recs, rec)
	}
	return classifier.Rank(recs, classifier.MaxResults)
}
