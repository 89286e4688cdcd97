package encoder

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetnd/base"
)

// Encoder is encoder interface for a image segmentation model.
// ForwardAll returns the skip connections, shallowest first, followed by the
// bottleneck feature map.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
}

// Config configures a ConvEncoder.
type Config struct {
	Dims               int
	InChannels         int64
	FirstLayerChannels int64
	Depth              int
	Normalization      base.Normalization
	Activation         base.Activation
	Preactivation      bool
	Padding            bool
	PaddingMode        base.PaddingMode
}

// ConvEncoder is the contracting path of a UNet. Stage i applies two conv
// blocks producing FirstLayerChannels*2^i channels, keeps the result as a skip
// connection and max pools it by 2. The bottleneck doubles the channels of
// the deepest stage.
type ConvEncoder struct {
	dims       int
	stages     []*doubleConv
	bottleneck *doubleConv
}

type doubleConv struct {
	conv1 *base.ConvBlock
	conv2 *base.ConvBlock
}

func newDoubleConv(p *nn.Path, dims int, cIn, cOut int64, cfg *base.ConvBlockConfig) (*doubleConv, error) {
	conv1, err := base.NewConvBlock(p.Sub("conv1"), dims, cIn, cOut, cfg)
	if err != nil {
		return nil, err
	}
	conv2, err := base.NewConvBlock(p.Sub("conv2"), dims, cOut, cOut, cfg)
	if err != nil {
		return nil, err
	}
	return &doubleConv{conv1, conv2}, nil
}

func (d *doubleConv) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := d.conv1.ForwardT(x, train)
	c2 := d.conv2.ForwardT(c1, train)
	c1.MustDrop()

	return c2
}

// NewConvEncoder creates a ConvEncoder.
func NewConvEncoder(p *nn.Path, cfg *Config) (*ConvEncoder, error) {
	if err := base.CheckDims(cfg.Dims); err != nil {
		return nil, err
	}
	if cfg.Depth < 1 {
		return nil, errors.Errorf("encoder depth must be positive, got %d", cfg.Depth)
	}

	blockCfg := base.DefaultConvBlockConfig()
	blockCfg.Normalization = cfg.Normalization
	blockCfg.Activation = cfg.Activation
	blockCfg.Preactivation = cfg.Preactivation
	blockCfg.Padding = cfg.Padding
	blockCfg.PaddingMode = cfg.PaddingMode

	cIn := cfg.InChannels
	cOut := cfg.FirstLayerChannels
	stages := make([]*doubleConv, cfg.Depth)
	for i := range stages {
		stage, err := newDoubleConv(p.Sub(fmt.Sprint(i)), cfg.Dims, cIn, cOut, blockCfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding block %d", i)
		}
		stages[i] = stage
		cIn = cOut
		cOut *= 2
	}

	bottleneck, err := newDoubleConv(p.Sub("bottleneck"), cfg.Dims, cIn, cOut, blockCfg)
	if err != nil {
		return nil, errors.WithMessage(err, "bottleneck")
	}

	klog.V(1).Infof("encoder: %d %dd stages, %d->%d channels", cfg.Depth, cfg.Dims, cfg.InChannels, cOut)

	return &ConvEncoder{
		dims:       cfg.Dims,
		stages:     stages,
		bottleneck: bottleneck,
	}, nil
}

// ForwardAll implements Encoder interface for ConvEncoder.
func (e *ConvEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	features := make([]*ts.Tensor, 0, len(e.stages)+1)
	xs := x.MustShallowClone()
	for _, stage := range e.stages {
		skip := stage.ForwardT(xs, train)
		xs.MustDrop()
		features = append(features, skip)
		xs = e.maxPool(skip)
	}
	features = append(features, e.bottleneck.ForwardT(xs, train))
	xs.MustDrop()

	return features
}

// maxPool halves every spatial dimension: ksize = 2; stride=2; padding=0; dilation=1; ceil=false
func (e *ConvEncoder) maxPool(x *ts.Tensor) *ts.Tensor {
	k := make([]int64, e.dims)
	pad := make([]int64, e.dims)
	dil := make([]int64, e.dims)
	for i := 0; i < e.dims; i++ {
		k[i] = 2
		dil[i] = 1
	}

	switch e.dims {
	case 1:
		return x.MustMaxPool1d(k, k, pad, dil, false, false)
	case 2:
		return x.MustMaxPool2d(k, k, pad, dil, false, false)
	default:
		return x.MustMaxPool3d(k, k, pad, dil, false, false)
	}
}
