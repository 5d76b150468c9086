package metric

import (
	"fmt"
	"math"

	"github.com/tsawler/go-splat/tensor"
	"gonum.org/v1/gonum/floats"
)

const (
	ssimWindowSize = 11
	ssimWindowStd  = 1.5
	ssimK1         = 0.01
	ssimK2         = 0.03
	ssimRange      = 1.0
	ssimC1         = (ssimK1 * ssimRange) * (ssimK1 * ssimRange)
	ssimC2         = (ssimK2 * ssimRange) * (ssimK2 * ssimRange)
)

// gaussianWindow is the normalized 1D Gaussian; the 2D window is its outer
// product.
var gaussianWindow = func() []float64 {
	half := ssimWindowSize / 2
	w := make([]float64, ssimWindowSize)
	for i := range w {
		x := float64(i - half)
		w[i] = math.Exp(-x * x / (2 * ssimWindowStd * ssimWindowStd))
	}
	floats.Scale(1/floats.Sum(w), w)
	return w
}()

// MeanStructuralSimilarity is the mean SSIM over every pixel and channel
// of [H, W, C] images, computed with an 11x11 Gaussian window (std 1.5)
// and zero padding.
type MeanStructuralSimilarity struct{}

func (m MeanStructuralSimilarity) Evaluate(value, target *tensor.Tensor) (float64, error) {
	score, _, err := evaluateSSIM(value, target, false)
	return score, err
}

func (m MeanStructuralSimilarity) EvaluateWithGradient(value, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	score, grad, err := evaluateSSIM(value, target, true)
	if err != nil {
		return 0, nil, err
	}
	return score, gradientTensor(value, grad), nil
}

// MeanStructuralDissimilarity is 1 - MeanStructuralSimilarity
type MeanStructuralDissimilarity struct{}

func (m MeanStructuralDissimilarity) Evaluate(value, target *tensor.Tensor) (float64, error) {
	score, _, err := evaluateSSIM(value, target, false)
	return 1 - score, err
}

func (m MeanStructuralDissimilarity) EvaluateWithGradient(value, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	score, grad, err := evaluateSSIM(value, target, true)
	if err != nil {
		return 0, nil, err
	}
	floats.Scale(-1, grad)
	return 1 - score, gradientTensor(value, grad), nil
}

// ssimPlane holds the working buffers for one channel
type ssimPlane struct {
	height, width int
	tmp           []float64
}

// filter applies the separable Gaussian window with zero padding
func (p *ssimPlane) filter(dst, src []float64) {
	half := ssimWindowSize / 2
	h, w := p.height, p.width

	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var sum float64
			for k := -half; k <= half; k++ {
				if xx := x + k; xx >= 0 && xx < w {
					sum += gaussianWindow[k+half] * row[xx]
				}
			}
			p.tmp[y*w+x] = sum
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -half; k <= half; k++ {
				if yy := y + k; yy >= 0 && yy < h {
					sum += gaussianWindow[k+half] * p.tmp[yy*w+x]
				}
			}
			dst[y*w+x] = sum
		}
	}
}

func evaluateSSIM(value, target *tensor.Tensor, withGradient bool) (float64, []float64, error) {
	if err := checkInputs(value, target); err != nil {
		return 0, nil, err
	}
	if len(value.Shape) != 3 {
		return 0, nil, fmt.Errorf("SSIM expects [H W C] images, got shape %v", value.Shape)
	}

	height, width, channels := value.Shape[0], value.Shape[1], value.Shape[2]
	size := height * width
	n := float64(size * channels)

	plane := &ssimPlane{height: height, width: width, tmp: make([]float64, size)}
	buffer := func() []float64 { return make([]float64, size) }

	x, y := buffer(), buffer()
	muX, muY := buffer(), buffer()
	xx, yy, xy := buffer(), buffer(), buffer()
	a, b, c := buffer(), buffer(), buffer()

	var grad []float64
	if withGradient {
		grad = make([]float64, len(value.Data))
	}

	var total float64
	for ch := 0; ch < channels; ch++ {
		for i := 0; i < size; i++ {
			x[i] = float64(value.Data[i*channels+ch])
			y[i] = float64(target.Data[i*channels+ch])
		}

		plane.filter(muX, x)
		plane.filter(muY, y)

		floats.MulTo(a, x, x)
		plane.filter(xx, a)
		floats.MulTo(a, y, y)
		plane.filter(yy, a)
		floats.MulTo(a, x, y)
		plane.filter(xy, a)

		for i := 0; i < size; i++ {
			mx, my := muX[i], muY[i]
			varX := xx[i] - mx*mx
			varY := yy[i] - my*my
			covXY := xy[i] - mx*my

			a1 := 2*mx*my + ssimC1
			a2 := 2*covXY + ssimC2
			b1 := mx*mx + my*my + ssimC1
			b2 := varX + varY + ssimC2
			s := a1 * a2 / (b1 * b2)
			total += s

			if withGradient {
				// Partial derivatives of s with respect to the filtered
				// quantities F(x), F(x^2) and F(xy).
				a[i] = 2*my*(a2-a1)/(b1*b2) - 2*mx*s/b1 + 2*mx*s/b2
				b[i] = -s / b2
				c[i] = 2 * a1 / (b1 * b2)
			}
		}

		if withGradient {
			// The window is symmetric so the filter is its own adjoint.
			plane.filter(muX, a)
			plane.filter(xx, b)
			plane.filter(xy, c)
			for i := 0; i < size; i++ {
				grad[i*channels+ch] = (muX[i] + 2*x[i]*xx[i] + y[i]*xy[i]) / n
			}
		}
	}

	return total / n, grad, nil
}
