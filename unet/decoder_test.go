package unet_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetnd/base"
	"github.com/sugarme/unetnd/unet"
)

func int64Ptr(v int64) *int64 { return &v }

func rand(shape ...int64) *ts.Tensor {
	return ts.MustRand(shape, gotch.Float, gotch.CPU)
}

func TestNewDecoderStages(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := unet.DefaultDecoderConfig()
	cfg.SkipChannels = 64
	cfg.NumDecodingBlocks = 4
	cfg.InitialDilation = int64Ptr(8)

	dec, err := unet.NewDecoder(vs.Root(), cfg)
	require.NoError(t, err)
	require.Len(t, dec.Blocks(), 4)

	wantSkip := []int64{64, 32, 16, 8}
	wantDilation := []int64{8, 4, 2, 1}
	for k, s := range dec.Plan() {
		assert.Equal(t, k, s.Stage)
		assert.Equal(t, wantSkip[k], s.SkipChannels)
		assert.Equal(t, 3*wantSkip[k], s.InChannels)
		assert.Equal(t, wantSkip[k], s.OutChannels)
		require.NotNil(t, s.Dilation)
		assert.Equal(t, wantDilation[k], *s.Dilation)
	}
}

func TestNewDecoderNilDilation(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := unet.DefaultDecoderConfig()
	cfg.SkipChannels = 16
	cfg.NumDecodingBlocks = 3

	dec, err := unet.NewDecoder(vs.Root(), cfg)
	require.NoError(t, err)
	for _, b := range dec.Blocks() {
		assert.Nil(t, b.Dilation)
	}
}

func TestNewDecoderDilationReachesZero(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := unet.DefaultDecoderConfig()
	cfg.SkipChannels = 16
	cfg.NumDecodingBlocks = 3
	cfg.InitialDilation = int64Ptr(2) // 2, 1, 0

	_, err := unet.NewDecoder(vs.Root(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, base.ErrInvalidDilation))
}

func TestNewDecoderInvalidConfig(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	cfg := unet.DefaultDecoderConfig()
	cfg.SkipChannels = 4
	cfg.NumDecodingBlocks = 4
	_, err := unet.NewDecoder(vs.Root(), cfg)
	assert.True(t, errors.Is(err, unet.ErrInvalidConfig))

	cfg = unet.DefaultDecoderConfig()
	cfg.Upsampling = "area"
	_, err = unet.NewDecoder(vs.Root(), cfg)
	assert.True(t, errors.Is(err, unet.ErrUnsupportedUpsampling))
}

func TestDecoderForward(t *testing.T) {
	tests := []struct {
		name       string
		upsampling string
		residual   bool
	}{
		{"conv", unet.UpsampleConv, false},
		{"bilinear", "bilinear", false},
		{"conv residual", unet.UpsampleConv, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := nn.NewVarStore(gotch.CPU)
			cfg := unet.DefaultDecoderConfig()
			cfg.SkipChannels = 8
			cfg.NumDecodingBlocks = 2
			cfg.Padding = true
			cfg.Upsampling = tt.upsampling
			cfg.Residual = tt.residual
			cfg.Normalization = base.NormBatch

			dec, err := unet.NewDecoder(vs.Root(), cfg)
			require.NoError(t, err)

			// shallow -> deep, as produced by the encoder.
			skips := []*ts.Tensor{rand(2, 4, 16, 16), rand(2, 8, 8, 8)}
			bottleneck := rand(2, 16, 4, 4)

			out, err := dec.ForwardSkips(skips, bottleneck, true)
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 4, 16, 16}, out.MustSize())

			out.MustDrop()
			bottleneck.MustDrop()
			for _, s := range skips {
				s.MustDrop()
			}
		})
	}
}

func TestDecoderForwardUnpadded(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := unet.DefaultDecoderConfig()
	cfg.Dims = 3
	cfg.SkipChannels = 4
	cfg.NumDecodingBlocks = 2
	cfg.Upsampling = "trilinear"

	dec, err := unet.NewDecoder(vs.Root(), cfg)
	require.NoError(t, err)

	// bottleneck 4 -> 8, skip 12 cropped to 8, convs 8 -> 4,
	// then 4 -> 8, skip 16 cropped to 8, convs 8 -> 4.
	skips := []*ts.Tensor{rand(1, 2, 16, 16, 16), rand(1, 4, 12, 12, 12)}
	bottleneck := rand(1, 8, 4, 4, 4)

	out := dec.MustForwardSkips(skips, bottleneck, false)
	assert.Equal(t, []int64{1, 2, 4, 4, 4}, out.MustSize())

	out.MustDrop()
	bottleneck.MustDrop()
	for _, s := range skips {
		s.MustDrop()
	}
}

func TestDecoderTruncatesToShorter(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	cfg := unet.DefaultDecoderConfig()
	cfg.Dims = 1
	cfg.SkipChannels = 8
	cfg.NumDecodingBlocks = 2
	cfg.Padding = true

	dec, err := unet.NewDecoder(vs.Root(), cfg)
	require.NoError(t, err)

	// Only the deepest skip connection: a single stage runs.
	skip := rand(1, 8, 8)
	bottleneck := rand(1, 16, 4)
	out, err := dec.ForwardSkips([]*ts.Tensor{skip}, bottleneck, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 8, 8}, out.MustSize())
	out.MustDrop()

	// More skip connections than blocks: the shallowest one is never used.
	unused := rand(1, 1, 3)
	skips := []*ts.Tensor{unused, rand(1, 4, 16), rand(1, 8, 8)}
	out, err = dec.ForwardSkips(skips, bottleneck, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 16}, out.MustSize())
	out.MustDrop()

	skip.MustDrop()
	bottleneck.MustDrop()
	for _, s := range skips {
		s.MustDrop()
	}
}

func TestDecodingBlockOddCrop(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	block, err := unet.NewDecodingBlock(vs.Root(), &unet.DecodingBlockConfig{
		SkipChannels: 2,
		Dims:         1,
		Upsampling:   "nearest",
		Padding:      true,
		PaddingMode:  base.PadZeros,
		Activation:   base.ActReLU,
	})
	require.NoError(t, err)

	// x: 3 -> 6 after upsampling; skip 11 - 2*2 = 7 != 6.
	skip := rand(1, 2, 11)
	x := rand(1, 4, 3)
	_, err = block.ForwardSkip(skip, x, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unet.ErrShapeMismatch))
	assert.Contains(t, err.Error(), "[1 2 7]")

	assert.Panics(t, func() { block.MustForwardSkip(skip, x, false) })

	skip.MustDrop()
	x.MustDrop()
}

func TestNewUpsampler(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	tests := []struct {
		dims  int
		mode  string
		shape []int64
		want  []int64
	}{
		{1, unet.UpsampleConv, []int64{1, 4, 5}, []int64{1, 4, 10}},
		{2, unet.UpsampleConv, []int64{1, 4, 5, 3}, []int64{1, 4, 10, 6}},
		{3, unet.UpsampleConv, []int64{1, 4, 2, 3, 4}, []int64{1, 4, 4, 6, 8}},
		{1, "linear", []int64{1, 4, 5}, []int64{1, 4, 10}},
		{2, "nearest", []int64{1, 4, 5, 3}, []int64{1, 4, 10, 6}},
		{2, "bicubic", []int64{1, 4, 5, 3}, []int64{1, 4, 10, 6}},
		{3, "nearest", []int64{1, 4, 2, 3, 4}, []int64{1, 4, 4, 6, 8}},
	}

	for _, tt := range tests {
		up, err := unet.NewUpsampler(vs.Root().Sub(fmt.Sprintf("%s%d", tt.mode, tt.dims)), tt.dims, tt.mode, 4)
		require.NoError(t, err)

		x := rand(tt.shape...)
		out := up.Forward(x)
		assert.Equal(t, tt.want, out.MustSize(), "%dd %s", tt.dims, tt.mode)
		x.MustDrop()
		out.MustDrop()
	}

	_, err := unet.NewUpsampler(vs.Root(), 2, "trilinear", 4)
	assert.True(t, errors.Is(err, unet.ErrUnsupportedUpsampling))
	_, err = unet.NewUpsampler(vs.Root(), 2, "cubic", 4)
	assert.True(t, errors.Is(err, unet.ErrUnsupportedUpsampling))
	_, err = unet.NewUpsampler(vs.Root(), 4, unet.UpsampleConv, 4)
	assert.True(t, errors.Is(err, base.ErrInvalidDims))
}
