package unet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetnd/base"
)

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(2), floorDiv(5, 2))
	assert.Equal(t, int64(-3), floorDiv(-5, 2))
	assert.Equal(t, int64(-2), floorDiv(-4, 2))
	assert.Equal(t, int64(0), floorDiv(1, 2))
}

// decodeByHand recomputes a decoding block forward pass from its parts.
func decodeByHand(b *DecodingBlock, skip, x *ts.Tensor) (cat, main, residual *ts.Tensor) {
	up := b.upsample.Forward(x)
	cropped := CenterCrop(skip, up)
	cat = ts.MustCat([]*ts.Tensor{cropped, up}, ChannelsDim)
	up.MustDrop()
	cropped.MustDrop()

	conv1 := b.conv1.ForwardT(cat, false)
	main = b.conv2.ForwardT(conv1, false)
	conv1.MustDrop()
	if b.convResidual != nil {
		residual = b.convResidual.ForwardT(cat, false)
	}
	return cat, main, residual
}

func TestDecodingBlockResidual(t *testing.T) {
	for _, residual := range []bool{false, true} {
		vs := nn.NewVarStore(gotch.CPU)
		block, err := NewDecodingBlock(vs.Root(), &DecodingBlockConfig{
			SkipChannels: 4,
			Dims:         2,
			Upsampling:   UpsampleConv,
			Residual:     residual,
			Padding:      true,
			PaddingMode:  base.PadZeros,
			Activation:   base.ActReLU,
		})
		require.NoError(t, err)
		assert.Equal(t, residual, block.Residual())

		skip := ts.MustRand([]int64{1, 4, 10, 10}, gotch.Float, gotch.CPU)
		x := ts.MustRand([]int64{1, 8, 4, 4}, gotch.Float, gotch.CPU)

		out, err := block.ForwardSkip(skip, x, false)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 4, 8, 8}, out.MustSize())

		cat, main, res := decodeByHand(block, skip, x)
		// skip channels plus upsampled channels.
		assert.Equal(t, []int64{1, 12, 8, 8}, cat.MustSize())

		want := main
		if residual {
			require.NotNil(t, res)
			want = main.MustAdd(res, false)
			res.MustDrop()
		} else {
			assert.Nil(t, res)
		}
		assert.InDeltaSlice(t, want.Float64Values(), out.Float64Values(), 1e-6)

		if residual {
			want.MustDrop()
		}
		main.MustDrop()
		cat.MustDrop()
		out.MustDrop()
		skip.MustDrop()
		x.MustDrop()
	}
}

func TestCheckAligned(t *testing.T) {
	assert.NoError(t, checkAligned([]int64{2, 4, 8, 8}, []int64{2, 8, 8, 8}))
	assert.ErrorIs(t, checkAligned([]int64{2, 4, 9, 8}, []int64{2, 8, 8, 8}), ErrShapeMismatch)
	assert.ErrorIs(t, checkAligned([]int64{1, 4, 8, 8}, []int64{2, 8, 8, 8}), ErrShapeMismatch)
	assert.ErrorIs(t, checkAligned([]int64{2, 4, 8}, []int64{2, 8, 8, 8}), ErrShapeMismatch)
}
