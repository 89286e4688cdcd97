package unet

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetnd/base"
)

// ChannelsDim is the channel axis of a feature map shaped [batch, channels, spatial...].
const ChannelsDim = 1

var ErrShapeMismatch = errors.New("feature map shape mismatch")

// CropPad returns the pad descriptor that center crops a skip connection to
// the spatial extent of x: one (leading, trailing) pair per spatial axis,
// first spatial axis first. Negative values remove elements.
//
// Both sides get floor((skip - x) / 2), so an odd difference leaves the
// cropped skip connection one element larger than x.
//
//	CropPad([b c 10 20 30], [b c 6 14 12]) == [-2 -2 -3 -3 -9 -9]
func CropPad(skipShape, xShape []int64) []int64 {
	n := len(skipShape)
	if len(xShape) < n {
		n = len(xShape)
	}
	if n <= 2 {
		return nil
	}

	pad := make([]int64, 0, 2*(n-2))
	for i := 2; i < n; i++ {
		half := floorDiv(skipShape[i]-xShape[i], 2)
		pad = append(pad, -half, -half)
	}

	return pad
}

// CenterCrop applies CropPad(skip, x) to skip. Negative pad amounts narrow the
// axis, positive ones zero-pad it. The result is not checked against x.
func CenterCrop(skip, x *ts.Tensor) *ts.Tensor {
	pad := CropPad(skip.MustSize(), x.MustSize())

	out := skip.MustShallowClone()
	for i := 0; i < len(pad)/2; i++ {
		dim := int64(i + 2)
		lead, trail := pad[2*i], pad[2*i+1]

		var next *ts.Tensor
		switch {
		case lead < 0:
			extent := out.MustSize()[dim]
			next = out.MustNarrow(dim, -lead, extent+lead+trail, false)
		case lead > 0:
			next = base.PadAxis(out, dim, lead, base.PadZeros)
		default:
			continue
		}
		out.MustDrop()
		out = next
	}

	return out.MustContiguous(true)
}

// checkAligned reports whether a cropped skip connection can be concatenated
// with x along the channel axis.
func checkAligned(skipShape, xShape []int64) error {
	if len(skipShape) != len(xShape) || len(xShape) < 3 {
		return errors.Wrapf(ErrShapeMismatch, "skip connection %v and feature map %v differ in rank", skipShape, xShape)
	}
	for i := range xShape {
		if i == ChannelsDim {
			continue
		}
		if skipShape[i] != xShape[i] {
			return errors.Wrapf(ErrShapeMismatch,
				"center-cropped skip connection %v does not match upsampled feature map %v at axis %d", skipShape, xShape, i)
		}
	}

	return nil
}

// floorDiv rounds towards negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
