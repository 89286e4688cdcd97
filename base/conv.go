package base

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"
)

// ConvBlockConfig configures a ConvBlock.
type ConvBlockConfig struct {
	KernelSize    int64
	Normalization Normalization
	Activation    Activation
	Preactivation bool
	// Padding keeps the spatial extent unchanged for stride 1.
	Padding     bool
	PaddingMode PaddingMode
	// Dilation nil means no dilation.
	Dilation *int64
}

// DefaultConvBlockConfig returns a 3-kernel block with ReLU activation, no
// normalization and no padding.
func DefaultConvBlockConfig() *ConvBlockConfig {
	return &ConvBlockConfig{
		KernelSize:    3,
		Normalization: NormNone,
		Activation:    ActReLU,
		PaddingMode:   PadZeros,
	}
}

// ConvBlock is a convolution with optional normalization and activation.
// With Preactivation the order is norm, activation, conv. Otherwise conv,
// norm, activation.
type ConvBlock struct {
	seq *nn.SequentialT

	Dims       int
	CIn        int64
	COut       int64
	KernelSize int64
	Dilation   int64
	Padding    int64
	Bias       bool
}

// NewConvBlock creates a ConvBlock mapping cIn channels to cOut channels.
func NewConvBlock(p *nn.Path, dims int, cIn, cOut int64, cfg *ConvBlockConfig) (*ConvBlock, error) {
	if cfg == nil {
		cfg = DefaultConvBlockConfig()
	}
	if err := CheckDims(dims); err != nil {
		return nil, err
	}

	var dilation int64 = 1
	if cfg.Dilation != nil {
		dilation = *cfg.Dilation
	}
	if dilation < 1 {
		return nil, errors.Wrapf(ErrInvalidDilation, "dilation must be positive, got %d", dilation)
	}

	var padding int64
	if cfg.Padding {
		total := cfg.KernelSize + 2*(dilation-1) - 1
		padding = total / 2
	}

	mode, err := ParsePaddingMode(string(cfg.PaddingMode))
	if err != nil {
		return nil, err
	}
	normKind, err := ParseNormalization(string(cfg.Normalization))
	if err != nil {
		return nil, err
	}
	actKind, err := ParseActivation(string(cfg.Activation))
	if err != nil {
		return nil, err
	}
	act := activationFunc(actKind)

	bias := cfg.Preactivation || normKind == NormNone

	// Non-zero padding modes pad the input explicitly and let the conv run unpadded.
	convPadding := padding
	var prepad ts.ModuleT
	if padding > 0 && mode != PadZeros {
		convPadding = 0
		prepad = nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
			return PadSpatial(xs, padding, mode)
		})
	}

	conv := newConv(p.Sub("conv"), dims, cIn, cOut, cfg.KernelSize, convPadding, dilation, bias)

	var norm ts.ModuleT
	if normKind == NormBatch {
		features := cOut
		if cfg.Preactivation {
			features = cIn
		}
		norm = newBatchNorm(p.Sub("norm"), dims, features)
	}

	seq := nn.SeqT()
	addIfNotNil := func(m ts.ModuleT) {
		if m != nil {
			seq.Add(m)
		}
	}
	if cfg.Preactivation {
		addIfNotNil(norm)
		addIfNotNil(act)
		addIfNotNil(prepad)
		seq.Add(conv)
	} else {
		addIfNotNil(prepad)
		seq.Add(conv)
		addIfNotNil(norm)
		addIfNotNil(act)
	}

	klog.V(3).Infof("conv block %dd: %d->%d k=%d pad=%d(%s) dilation=%d norm=%q act=%q preact=%v",
		dims, cIn, cOut, cfg.KernelSize, padding, mode, dilation, normKind, actKind, cfg.Preactivation)

	return &ConvBlock{
		seq:        seq,
		Dims:       dims,
		CIn:        cIn,
		COut:       cOut,
		KernelSize: cfg.KernelSize,
		Dilation:   dilation,
		Padding:    padding,
		Bias:       bias,
	}, nil
}

// MustNewConvBlock is NewConvBlock that panics on error.
func MustNewConvBlock(p *nn.Path, dims int, cIn, cOut int64, cfg *ConvBlockConfig) *ConvBlock {
	b, err := NewConvBlock(p, dims, cIn, cOut, cfg)
	if err != nil {
		panic(err)
	}
	return b
}

// ForwardT implements ts.ModuleT for ConvBlock.
func (b *ConvBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return b.seq.ForwardT(x, train)
}

func (b *ConvBlock) String() string {
	return fmt.Sprintf("ConvBlock%dd(%d, %d, k=%d, pad=%d, dilation=%d)", b.Dims, b.CIn, b.COut, b.KernelSize, b.Padding, b.Dilation)
}

func repeat(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newConv(p *nn.Path, dims int, cIn, cOut, ksize, padding, dilation int64, bias bool) ts.ModuleT {
	stride := repeat(1, dims)
	pad := repeat(padding, dims)
	dil := repeat(dilation, dims)

	switch dims {
	case 1:
		return nn.NewConv1D(p, cIn, cOut, ksize, &nn.Conv1DConfig{
			Stride: stride, Padding: pad, Dilation: dil, Groups: 1, Bias: bias,
			WsInit: nn.NewKaimingUniformInit(), BsInit: nn.NewConstInit(0.0),
		})
	case 2:
		return nn.NewConv2D(p, cIn, cOut, ksize, &nn.Conv2DConfig{
			Stride: stride, Padding: pad, Dilation: dil, Groups: 1, Bias: bias,
			WsInit: nn.NewKaimingUniformInit(), BsInit: nn.NewConstInit(0.0),
		})
	default:
		return nn.NewConv3D(p, cIn, cOut, ksize, &nn.Conv3DConfig{
			Stride: stride, Padding: pad, Dilation: dil, Groups: 1, Bias: bias,
			WsInit: nn.NewKaimingUniformInit(), BsInit: nn.NewConstInit(0.0),
		})
	}
}

func newBatchNorm(p *nn.Path, dims int, features int64) ts.ModuleT {
	config := nn.DefaultBatchNormConfig()
	switch dims {
	case 1:
		return nn.BatchNorm1D(p, features, config)
	case 2:
		return nn.BatchNorm2D(p, features, config)
	default:
		return nn.BatchNorm3D(p, features, config)
	}
}

func activationFunc(a Activation) ts.ModuleT {
	var fn func(xs *ts.Tensor) *ts.Tensor
	switch a {
	case ActReLU:
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustRelu(false) }
	case ActSigmoid:
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustSigmoid(false) }
	case ActTanh:
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustTanh(false) }
	case ActSiLU:
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustSilu(false) }
	default:
		return nil
	}
	return nn.NewFunc(fn)
}
