package unet

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetnd/base"
	"github.com/sugarme/unetnd/encoder"
)

// UNet is a UNET model struct
// Ref: https://arxiv.org/abs/1505.04597
type UNet struct {
	encoder encoder.Encoder
	decoder *Decoder
	segHead *base.ConvBlock
}

// Forward runs encoder, decoder and segmentation head.
func (n *UNet) Forward(x *ts.Tensor, train bool) (*ts.Tensor, error) {
	// 2D, depth 4, 64 first layer channels, padded:
	// 0- Shape: [B   64 H    W   ]
	// 1- Shape: [B  128 H/2  W/2 ]
	// 2- Shape: [B  256 H/4  W/4 ]
	// 3- Shape: [B  512 H/8  W/8 ]
	// 4- Shape: [B 1024 H/16 W/16] bottleneck
	features := n.encoder.ForwardAll(x, train)
	defer func() {
		for _, f := range features {
			f.MustDrop()
		}
	}()

	last := len(features) - 1
	out, err := n.decoder.ForwardSkips(features[:last], features[last], train)
	if err != nil {
		return nil, err
	}
	logits := n.segHead.ForwardT(out, train)
	out.MustDrop()

	return logits, nil
}

// ForwardT implements ts.ModuleT for UNet struct.
func (n *UNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out, err := n.Forward(x, train)
	if err != nil {
		panic(err)
	}
	return out
}

// Decoder returns the decoding path.
func (n *UNet) Decoder() *Decoder {
	return n.decoder
}

// NewUNet creates a UNet from cfg.
func NewUNet(p *nn.Path, cfg *Config) (*UNet, error) {
	encCfg, err := cfg.EncoderConfig()
	if err != nil {
		return nil, err
	}
	decCfg, err := cfg.DecoderConfig()
	if err != nil {
		return nil, err
	}

	enc, err := encoder.NewConvEncoder(p.Sub("encoder"), encCfg)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(p.Sub("decoder"), decCfg)
	if err != nil {
		return nil, err
	}
	// cIn = first layer channels, the output channels of the last decoding stage.
	head, err := base.NewSegmentationHead(p.Sub("classifier"), cfg.Dims, cfg.FirstLayerChannels, cfg.OutClasses)
	if err != nil {
		return nil, errors.WithMessage(err, "segmentation head")
	}

	return &UNet{
		encoder: enc,
		decoder: dec,
		segHead: head,
	}, nil
}

// DefaultUNet creates UNet with default values.
func DefaultUNet(p *nn.Path) *UNet {
	net, err := NewUNet(p, DefaultConfig())
	if err != nil {
		panic(err)
	}
	return net
}
