package unet

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetnd/base"
)

// DecodingBlockConfig holds the parameters of a single decoding stage.
type DecodingBlockConfig struct {
	SkipChannels  int64
	Dims          int
	Upsampling    string
	Normalization base.Normalization
	Preactivation bool
	Residual      bool
	Padding       bool
	PaddingMode   base.PaddingMode
	Activation    base.Activation
	Dilation      *int64
}

// DecodingBlock upsamples a feature map, center crops the matching skip
// connection to it, concatenates both (skip first) and applies two conv blocks.
type DecodingBlock struct {
	upsample     Upsampler
	conv1        *base.ConvBlock
	conv2        *base.ConvBlock
	convResidual *base.ConvBlock // nil unless residual

	SkipChannels int64
	Dilation     *int64
}

// NewDecodingBlock creates a DecodingBlock. The upsampled map carries
// 2*SkipChannels channels, so the first conv block reads 3*SkipChannels.
func NewDecodingBlock(p *nn.Path, cfg *DecodingBlockConfig) (*DecodingBlock, error) {
	c := cfg.SkipChannels

	upsample, err := NewUpsampler(p.Sub("upsample"), cfg.Dims, cfg.Upsampling, 2*c)
	if err != nil {
		return nil, err
	}

	convCfg := &base.ConvBlockConfig{
		KernelSize:    3,
		Normalization: cfg.Normalization,
		Activation:    cfg.Activation,
		Preactivation: cfg.Preactivation,
		Padding:       cfg.Padding,
		PaddingMode:   cfg.PaddingMode,
		Dilation:      cfg.Dilation,
	}
	inFirst := c * (1 + 2)
	conv1, err := base.NewConvBlock(p.Sub("conv1"), cfg.Dims, inFirst, c, convCfg)
	if err != nil {
		return nil, errors.WithMessage(err, "conv1")
	}
	conv2, err := base.NewConvBlock(p.Sub("conv2"), cfg.Dims, c, c, convCfg)
	if err != nil {
		return nil, errors.WithMessage(err, "conv2")
	}

	block := &DecodingBlock{
		upsample:     upsample,
		conv1:        conv1,
		conv2:        conv2,
		SkipChannels: c,
		Dilation:     cfg.Dilation,
	}

	if cfg.Residual {
		resCfg := base.DefaultConvBlockConfig()
		resCfg.KernelSize = 1
		resCfg.Activation = base.ActNone
		block.convResidual, err = base.NewConvBlock(p.Sub("conv_residual"), cfg.Dims, inFirst, c, resCfg)
		if err != nil {
			return nil, errors.WithMessage(err, "conv_residual")
		}
	}

	return block, nil
}

// ForwardSkip decodes x with the given skip connection.
//
// It returns an error wrapping ErrShapeMismatch when the center-cropped skip
// connection cannot be concatenated with the upsampled x, or when the residual
// branch does not match the main branch.
func (b *DecodingBlock) ForwardSkip(skip, x *ts.Tensor, train bool) (*ts.Tensor, error) {
	up := b.upsample.Forward(x)
	cropped := CenterCrop(skip, up)
	if err := checkAligned(cropped.MustSize(), up.MustSize()); err != nil {
		up.MustDrop()
		cropped.MustDrop()
		return nil, err
	}
	cat := ts.MustCat([]*ts.Tensor{cropped, up}, ChannelsDim)
	up.MustDrop()
	cropped.MustDrop()
	defer cat.MustDrop()

	var connection *ts.Tensor
	if b.convResidual != nil {
		connection = b.convResidual.ForwardT(cat, train)
	}

	conv1 := b.conv1.ForwardT(cat, train)
	out := b.conv2.ForwardT(conv1, train)
	conv1.MustDrop()

	if connection == nil {
		return out, nil
	}

	sum, err := out.Add(connection, false)
	out.MustDrop()
	connection.MustDrop()
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "residual connection: %v", err)
	}

	return sum, nil
}

// MustForwardSkip is ForwardSkip that panics on error.
func (b *DecodingBlock) MustForwardSkip(skip, x *ts.Tensor, train bool) *ts.Tensor {
	out, err := b.ForwardSkip(skip, x, train)
	if err != nil {
		panic(err)
	}
	return out
}

// Residual reports whether the block adds a 1x1 shortcut.
func (b *DecodingBlock) Residual() bool {
	return b.convResidual != nil
}

// StagePlan describes one decoding stage.
type StagePlan struct {
	Stage        int
	SkipChannels int64
	InChannels   int64 // conv1 input: skip channels plus upsampled channels
	OutChannels  int64
	Dilation     *int64
}

func (s StagePlan) String() string {
	dilation := "none"
	if s.Dilation != nil {
		dilation = fmt.Sprint(*s.Dilation)
	}
	return fmt.Sprintf("stage %d: skip=%d in=%d out=%d dilation=%s", s.Stage, s.SkipChannels, s.InChannels, s.OutChannels, dilation)
}

// Decoder is the decoding path of a UNet: a fixed sequence of decoding blocks
// consuming skip connections deepest first.
type Decoder struct {
	blocks []*DecodingBlock
}

// NewDecoder builds cfg.NumDecodingBlocks decoding blocks. Skip channels and
// dilation are floor-halved after every stage. A dilation reaching 0 is passed
// on unchanged and rejected by the conv block.
func NewDecoder(p *nn.Path, cfg *DecoderConfig) (*Decoder, error) {
	if cfg == nil {
		cfg = DefaultDecoderConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	skipChannels := cfg.SkipChannels
	dilation := cfg.InitialDilation
	blocks := make([]*DecodingBlock, 0, cfg.NumDecodingBlocks)
	for i := 0; i < cfg.NumDecodingBlocks; i++ {
		block, err := NewDecodingBlock(p.Sub(fmt.Sprint(i)), cfg.blockConfig(skipChannels, dilation))
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding block %d", i)
		}
		blocks = append(blocks, block)

		skipChannels /= 2
		if dilation != nil {
			d := floorDiv(*dilation, 2)
			dilation = &d
		}
	}

	d := &Decoder{blocks: blocks}
	klog.V(1).Infof("decoder: %d %dd stages, upsampling %q, residual=%v", len(blocks), cfg.Dims, cfg.Upsampling, cfg.Residual)
	if klog.V(2).Enabled() {
		for _, s := range d.Plan() {
			klog.Infof("decoder %s", s)
		}
	}

	return d, nil
}

// MustNewDecoder is NewDecoder that panics on error.
func MustNewDecoder(p *nn.Path, cfg *DecoderConfig) *Decoder {
	d, err := NewDecoder(p, cfg)
	if err != nil {
		panic(err)
	}
	return d
}

// Blocks returns the decoding blocks in forward order.
func (d *Decoder) Blocks() []*DecodingBlock {
	return d.blocks
}

// Plan returns the channel and dilation bookkeeping of every stage.
func (d *Decoder) Plan() []StagePlan {
	plan := make([]StagePlan, len(d.blocks))
	for i, b := range d.blocks {
		plan[i] = StagePlan{
			Stage:        i,
			SkipChannels: b.SkipChannels,
			InChannels:   3 * b.SkipChannels,
			OutChannels:  b.SkipChannels,
			Dilation:     b.Dilation,
		}
	}
	return plan
}

// ForwardSkips decodes the bottleneck feature map x. skips are ordered as the
// encoder produced them, shallowest first, and are consumed in reverse.
//
// When the number of skip connections differs from the number of blocks only
// the shorter of the two sequences is used; this is logged, not rejected.
func (d *Decoder) ForwardSkips(skips []*ts.Tensor, x *ts.Tensor, train bool) (*ts.Tensor, error) {
	n := min(len(skips), len(d.blocks))
	if len(skips) != len(d.blocks) {
		klog.Warningf("decoder: %d skip connections for %d decoding blocks, using %d stages", len(skips), len(d.blocks), n)
	}

	out := x.MustShallowClone()
	for i := 0; i < n; i++ {
		skip := skips[len(skips)-1-i]
		next, err := d.blocks[i].ForwardSkip(skip, out, train)
		out.MustDrop()
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding block %d", i)
		}
		out = next
	}

	return out, nil
}

// MustForwardSkips is ForwardSkips that panics on error.
func (d *Decoder) MustForwardSkips(skips []*ts.Tensor, x *ts.Tensor, train bool) *ts.Tensor {
	out, err := d.ForwardSkips(skips, x, train)
	if err != nil {
		panic(err)
	}
	return out
}
