package preprocess

import (
	"image"
	"math"
)

func newLike(src *image.NRGBA) *image.NRGBA {
	return image.NewNRGBA(src.Rect)
}

func clone(src *image.NRGBA) *image.NRGBA {
	dst := newLike(src)
	copy(dst.Pix, src.Pix)
	return dst
}

// gray is round((r+g+b)/3) in integer arithmetic.
func gray(pix []uint8, i int) int {
	return (int(pix[i]) + int(pix[i+1]) + int(pix[i+2]) + 1) / 3
}

func setGray(pix []uint8, i int, v uint8) {
	pix[i], pix[i+1], pix[i+2] = v, v, v
}

// GrayHistogram counts round((r+g+b)/3) over every pixel.
func GrayHistogram(img *image.NRGBA) (hist [256]int, total int) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		hist[gray(img.Pix, i)]++
		total++
	}
	return hist, total
}

// OtsuThreshold picks the split maximizing wB*wF*(mB-mF)^2. The first
// maximum found scanning upward wins.
func OtsuThreshold(hist [256]int, total int) int {
	var sum float64
	for i := 0; i < 256; i++ {
		sum += float64(i * hist[i])
	}

	var (
		sumB, maxVariance float64
		wB                int
		threshold         int
	)
	for i := 0; i < 256; i++ {
		wB += hist[i]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * hist[i])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		variance := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if variance > maxVariance {
			maxVariance = variance
			threshold = i
		}
	}
	return threshold
}

// Binarize maps pixels brighter than threshold to white, others to black.
func Binarize(src *image.NRGBA, threshold int) *image.NRGBA {
	dst := clone(src)
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		if gray(src.Pix, i) > threshold {
			setGray(dst.Pix, i, 255)
		} else {
			setGray(dst.Pix, i, 0)
		}
	}
	return dst
}

// AdaptiveThreshold compares each pixel with the mean of its blockSize
// window; pixels at least mean-offset become white.
func AdaptiveThreshold(src *image.NRGBA, blockSize, offset int) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if blockSize < 1 {
		blockSize = 1
	}
	half := blockSize / 2

	// summed-area table with a zero row and column
	integral := make([]int, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		rowSum := 0
		for x := 0; x < w; x++ {
			rowSum += gray(src.Pix, y*src.Stride+x*4)
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	dst := clone(src)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w-1, x+half)
			area := (x1 - x0 + 1) * (y1 - y0 + 1)
			sum := integral[(y1+1)*(w+1)+x1+1] - integral[y0*(w+1)+x1+1] -
				integral[(y1+1)*(w+1)+x0] + integral[y0*(w+1)+x0]
			i := y*dst.Stride + x*4
			if gray(src.Pix, i)*area >= sum-offset*area {
				setGray(dst.Pix, i, 255)
			} else {
				setGray(dst.Pix, i, 0)
			}
		}
	}
	return dst
}

// Median3x3 replaces interior pixels by the median red value of their 3x3
// neighbourhood, applied to all colour channels. Border pixels are copied.
func Median3x3(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := clone(src)
	var window [9]uint8
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					window[n] = src.Pix[(y+dy)*src.Stride+(x+dx)*4]
					n++
				}
			}
			sortNine(&window)
			setGray(dst.Pix, y*dst.Stride+x*4, window[4])
		}
	}
	return dst
}

func sortNine(v *[9]uint8) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

// Equalize spreads red-channel intensities over 0..255 through their
// cumulative distribution. A single-valued image is returned unchanged.
func Equalize(src *image.NRGBA) *image.NRGBA {
	var hist [256]int
	for i := 0; i+3 < len(src.Pix); i += 4 {
		hist[src.Pix[i]]++
	}

	var cdf [256]int
	cdf[0] = hist[0]
	for i := 1; i < 256; i++ {
		cdf[i] = cdf[i-1] + hist[i]
	}
	cdfMin := 0
	for _, c := range cdf {
		if c > 0 {
			cdfMin = c
			break
		}
	}
	cdfMax := cdf[255]
	dst := clone(src)
	if cdfMax == cdfMin {
		return dst
	}

	scale := 255 / float64(cdfMax-cdfMin)
	var lut [256]uint8
	for v := 0; v < 256; v++ {
		n := math.Round(float64(cdf[v]-cdfMin) * scale)
		lut[v] = uint8(math.Max(0, math.Min(255, n)))
	}
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		setGray(dst.Pix, i, lut[src.Pix[i]])
	}
	return dst
}

// Upscale enlarges src by an integer factor with nearest-neighbour sampling.
func Upscale(src *image.NRGBA, factor int) *image.NRGBA {
	if factor <= 1 {
		return clone(src)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w*factor, h*factor))
	for y := 0; y < h*factor; y++ {
		srow := (y / factor) * src.Stride
		drow := y * dst.Stride
		for x := 0; x < w*factor; x++ {
			s := srow + (x/factor)*4
			d := drow + x*4
			copy(dst.Pix[d:d+4], src.Pix[s:s+4])
		}
	}
	return dst
}

var (
	sobelX = [9]float64{-1, 0, 1, -2, 0, 2, -1, 0, 1}
	sobelY = [9]float64{-1, -2, -1, 0, 0, 0, 1, 2, 1}
)

// Sobel writes the clamped gradient magnitude of interior pixels; border
// pixels become black.
func Sobel(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := clone(src)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*dst.Stride + x*4
			if x == 0 || y == 0 || x == w-1 || y == h-1 {
				setGray(dst.Pix, i, 0)
				continue
			}
			var gx, gy float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					p := (y+ky)*src.Stride + (x+kx)*4
					g := float64(int(src.Pix[p])+int(src.Pix[p+1])+int(src.Pix[p+2])) / 3
					k := (ky+1)*3 + (kx + 1)
					gx += g * sobelX[k]
					gy += g * sobelY[k]
				}
			}
			setGray(dst.Pix, i, uint8(math.Min(255, math.Sqrt(gx*gx+gy*gy))))
		}
	}
	return dst
}

// Dilate takes the neighbourhood maximum of the red channel.
func Dilate(src *image.NRGBA, kernel int) *image.NRGBA {
	return morph(src, kernel, func(a, b uint8) bool { return b > a })
}

// Erode takes the neighbourhood minimum of the red channel.
func Erode(src *image.NRGBA, kernel int) *image.NRGBA {
	return morph(src, kernel, func(a, b uint8) bool { return b < a })
}

func morph(src *image.NRGBA, kernel int, better func(cur, cand uint8) bool) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	half := max(kernel, 1) / 2
	dst := clone(src)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := src.Pix[y*src.Stride+x*4]
			for ky := max(0, y-half); ky <= min(h-1, y+half); ky++ {
				for kx := max(0, x-half); kx <= min(w-1, x+half); kx++ {
					if v := src.Pix[ky*src.Stride+kx*4]; better(best, v) {
						best = v
					}
				}
			}
			setGray(dst.Pix, y*dst.Stride+x*4, best)
		}
	}
	return dst
}

// Thin reduces bright (red > 127) strokes to one-pixel skeletons using
// two alternating sub-iterations until nothing changes.
func Thin(src *image.NRGBA) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := clone(src)
	on := func(x, y int) int {
		if dst.Pix[y*dst.Stride+x*4] > 127 {
			return 1
		}
		return 0
	}

	var remove []int
	for changed := true; changed; {
		changed = false
		for pass := 0; pass < 2; pass++ {
			remove = remove[:0]
			for y := 1; y < h-1; y++ {
				for x := 1; x < w-1; x++ {
					if on(x, y) == 0 {
						continue
					}
					// P2..P9 clockwise from north
					p := [8]int{
						on(x, y-1), on(x+1, y-1), on(x+1, y), on(x+1, y+1),
						on(x, y+1), on(x-1, y+1), on(x-1, y), on(x-1, y-1),
					}
					b := 0
					a := 0
					for k := 0; k < 8; k++ {
						b += p[k]
						if p[k] == 0 && p[(k+1)%8] == 1 {
							a++
						}
					}
					if b < 2 || b > 6 || a != 1 {
						continue
					}
					p2, p4, p6, p8 := p[0], p[2], p[4], p[6]
					if pass == 0 && (p2*p4*p6 != 0 || p4*p6*p8 != 0) {
						continue
					}
					if pass == 1 && (p2*p4*p8 != 0 || p2*p6*p8 != 0) {
						continue
					}
					remove = append(remove, y*dst.Stride+x*4)
				}
			}
			for _, i := range remove {
				setGray(dst.Pix, i, 0)
			}
			if len(remove) > 0 {
				changed = true
			}
		}
	}
	return dst
}
