package base

import (
	"github.com/sugarme/gotch/ts"
)

// PadSpatial pads every spatial axis (axes 2 and above) of x by n elements on
// both edges. A new tensor is always returned, x is left untouched.
func PadSpatial(x *ts.Tensor, n int64, mode PaddingMode) *ts.Tensor {
	out := x.MustShallowClone()
	for dim := int64(2); dim < int64(x.Dim()); dim++ {
		next := PadAxis(out, dim, n, mode)
		out.MustDrop()
		out = next
	}

	return out
}

// PadAxis pads axis dim of x by n elements on both edges.
//
// PadReflect mirrors the border excluding the edge element and needs n to be
// smaller than the axis extent, as libtorch's reflection padding does.
func PadAxis(x *ts.Tensor, dim, n int64, mode PaddingMode) *ts.Tensor {
	if n <= 0 {
		return x.MustShallowClone()
	}

	size := x.MustSize()
	extent := size[dim]

	var lead, trail *ts.Tensor
	switch mode {
	case PadReflect:
		lead = x.MustNarrow(dim, 1, n, false).MustFlip([]int64{dim}, true)
		trail = x.MustNarrow(dim, extent-1-n, n, false).MustFlip([]int64{dim}, true)
	case PadReplicate:
		repeats := make([]int64, len(size))
		for i := range repeats {
			repeats[i] = 1
		}
		repeats[dim] = n
		lead = x.MustNarrow(dim, 0, 1, false).MustRepeat(repeats, true)
		trail = x.MustNarrow(dim, extent-1, 1, false).MustRepeat(repeats, true)
	case PadCircular:
		lead = x.MustNarrow(dim, extent-n, n, false)
		trail = x.MustNarrow(dim, 0, n, false)
	default:
		shape := append([]int64{}, size...)
		shape[dim] = n
		lead = ts.MustZeros(shape, x.DType(), x.MustDevice())
		trail = ts.MustZeros(shape, x.DType(), x.MustDevice())
	}

	out := ts.MustCat([]*ts.Tensor{lead, x, trail}, dim)
	lead.MustDrop()
	trail.MustDrop()

	return out
}
