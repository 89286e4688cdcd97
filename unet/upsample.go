package unet

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetnd/base"
)

// UpsampleConv selects a learned transposed convolution. Any other upsampling
// type names an interpolation mode.
const UpsampleConv = "conv"

var ErrUnsupportedUpsampling = errors.New("unsupported upsampling")

// Upsampler doubles every spatial dimension of a feature map.
type Upsampler interface {
	Forward(x *ts.Tensor) *ts.Tensor
}

// interpolation modes and the spatial dimensionalities libtorch implements them for.
var interpolationDims = map[string][]int{
	"nearest":   {1, 2, 3},
	"linear":    {1},
	"bilinear":  {2},
	"bicubic":   {2},
	"trilinear": {3},
}

// NewUpsampler returns a transposed convolution (kernel 2, stride 2, channels
// preserved) when mode is UpsampleConv, otherwise an interpolation with scale
// factor 2.
func NewUpsampler(p *nn.Path, dims int, mode string, channels int64) (Upsampler, error) {
	if err := base.CheckDims(dims); err != nil {
		return nil, err
	}
	if mode == UpsampleConv {
		return newConvTranspose(p, dims, channels), nil
	}

	supported, ok := interpolationDims[mode]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedUpsampling, "unknown interpolation mode %q", mode)
	}
	for _, d := range supported {
		if d == dims {
			return &Interpolation{Dims: dims, Mode: mode}, nil
		}
	}
	return nil, errors.Wrapf(ErrUnsupportedUpsampling, "mode %q is not available for %dd inputs", mode, dims)
}

func newConvTranspose(p *nn.Path, dims int, channels int64) Upsampler {
	ksize := []int64{2}
	switch dims {
	case 1:
		return nn.NewConvTranspose1D(p, channels, channels, ksize, &nn.ConvTranspose1DConfig{
			Stride:        []int64{2},
			Padding:       []int64{0},
			OutputPadding: []int64{0},
			Dilation:      []int64{1},
			Groups:        1,
			Bias:          true,
			WsInit:        nn.NewKaimingUniformInit(),
			BsInit:        nn.NewConstInit(0.0),
		})
	case 2:
		return nn.NewConvTranspose2D(p, channels, channels, []int64{2, 2}, &nn.ConvTranspose2DConfig{
			Stride:        []int64{2, 2},
			Padding:       []int64{0, 0},
			OutputPadding: []int64{0, 0},
			Dilation:      []int64{1, 1},
			Groups:        1,
			Bias:          true,
			WsInit:        nn.NewKaimingUniformInit(),
			BsInit:        nn.NewConstInit(0.0),
		})
	default:
		return nn.NewConvTranspose3D(p, channels, channels, []int64{2, 2, 2}, &nn.ConvTranspose3DConfig{
			Stride:        []int64{2, 2, 2},
			Padding:       []int64{0, 0, 0},
			OutputPadding: []int64{0, 0, 0},
			Dilation:      []int64{1, 1, 1},
			Groups:        1,
			Bias:          true,
			WsInit:        nn.NewKaimingUniformInit(),
			BsInit:        nn.NewConstInit(0.0),
		})
	}
}

// Interpolation is a parameter-free upsampler with a fixed scale factor of 2.
type Interpolation struct {
	Dims int
	Mode string
}

// Forward implements Upsampler.
func (u *Interpolation) Forward(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	outSize := make([]int64, len(size)-2)
	for i := range outSize {
		outSize[i] = 2 * size[i+2]
	}
	scale := []float64{2.0}

	switch u.Mode {
	case "linear":
		return x.MustUpsampleLinear1d(outSize, false, scale, false)
	case "bilinear":
		return x.MustUpsampleBilinear2d(outSize, false, scale, scale, false)
	case "bicubic":
		return x.MustUpsampleBicubic2d(outSize, false, scale, scale, false)
	case "trilinear":
		return x.MustUpsampleTrilinear3d(outSize, false, scale, scale, scale, false)
	}

	switch u.Dims {
	case 1:
		return x.MustUpsampleNearest1d(outSize, scale, false)
	case 2:
		return x.MustUpsampleNearest2d(outSize, scale, scale, false)
	default:
		return x.MustUpsampleNearest3d(outSize, scale, scale, scale, false)
	}
}

func (u *Interpolation) String() string {
	return fmt.Sprintf("Interpolation%dd(mode=%s, scale=2)", u.Dims, u.Mode)
}
