package frames

import (
	"image"
	"image/color"
	"math"
)

// The selection filters work on small grayscale thumbnails. Full-resolution
// comparison buys nothing for near-duplicate detection and costs a lot.
const thumbSize = 64

const histBins = 64

// toGray downsamples img to a thumbSize x thumbSize grayscale thumbnail
// using nearest-neighbor sampling.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, thumbSize, thumbSize))
	if b.Dx() == 0 || b.Dy() == 0 {
		return g
	}
	for y := 0; y < thumbSize; y++ {
		sy := b.Min.Y + y*b.Dy()/thumbSize
		for x := 0; x < thumbSize; x++ {
			sx := b.Min.X + x*b.Dx()/thumbSize
			r, gr, bl, _ := img.At(sx, sy).RGBA()
			// ITU-R BT.601 luma, 16-bit channels
			lum := (299*r + 587*gr + 114*bl) / 1000
			g.SetGray(x, y, color.Gray{Y: uint8(lum >> 8)})
		}
	}
	return g
}

// histogram returns the normalized intensity histogram of g.
func histogram(g *image.Gray) [histBins]float64 {
	var h [histBins]float64
	n := len(g.Pix)
	if n == 0 {
		return h
	}
	for _, p := range g.Pix {
		h[int(p)*histBins/256]++
	}
	for i := range h {
		h[i] /= float64(n)
	}
	return h
}

// histCorrelation is the Pearson correlation of two histograms, the cheap
// coarse similarity pre-filter. 1.0 means identical distributions.
func histCorrelation(a, b [histBins]float64) float64 {
	var meanA, meanB float64
	for i := 0; i < histBins; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= histBins
	meanB /= histBins

	var cov, varA, varB float64
	for i := 0; i < histBins; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 1 // flat histograms: treat as identical
	}
	return cov / math.Sqrt(varA*varB)
}

// ssim computes a global structural-similarity index over two equally
// sized grayscale thumbnails. More expensive than the histogram check, so
// only applied to frames that pass the coarse filter.
func ssim(a, b *image.Gray) float64 {
	const (
		c1 = (0.01 * 255) * (0.01 * 255)
		c2 = (0.03 * 255) * (0.03 * 255)
	)
	n := len(a.Pix)
	if n == 0 || n != len(b.Pix) {
		return 0
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += float64(a.Pix[i])
		sumB += float64(b.Pix[i])
	}
	muA := sumA / float64(n)
	muB := sumB / float64(n)

	var varA, varB, cov float64
	for i := 0; i < n; i++ {
		da := float64(a.Pix[i]) - muA
		db := float64(b.Pix[i]) - muB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	varA /= float64(n - 1)
	varB /= float64(n - 1)
	cov /= float64(n - 1)

	return ((2*muA*muB + c1) * (2*cov + c2)) /
		((muA*muA + muB*muB + c1) * (varA + varB + c2))
}

// qualityScore measures sharpness/emptiness as the variance of a 3x3
// Laplacian response. Blurry or empty frames score near zero.
func qualityScore(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(g.GrayAt(x, y).Y)
			lap := 4*c -
				float64(g.GrayAt(x-1, y).Y) - float64(g.GrayAt(x+1, y).Y) -
				float64(g.GrayAt(x, y-1).Y) - float64(g.GrayAt(x, y+1).Y)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// uniformIndices picks n evenly spaced indices out of total, always
// including the first and last.
func uniformIndices(total, n int) []int {
	if n >= total {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if n == 1 {
		return []int{0}
	}
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		idx[i] = i * (total - 1) / (n - 1)
	}
	return idx
}
