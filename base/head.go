package base

import "github.com/sugarme/gotch/nn"

// NewSegmentationHead creates the 1x1 classifier mapping decoder features to
// class logits. No normalization, no activation.
// TODO: add an optional final activation (sigmoid/softmax) for inference-only models.
func NewSegmentationHead(p *nn.Path, dims int, cIn, cOut int64) (*ConvBlock, error) {
	config := DefaultConvBlockConfig()
	config.KernelSize = 1
	config.Activation = ActNone

	return NewConvBlock(p, dims, cIn, cOut, config)
}
