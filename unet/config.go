package unet

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sugarme/unetnd/base"
	"github.com/sugarme/unetnd/encoder"
)

var ErrInvalidConfig = errors.New("invalid config")

// DecoderConfig holds the construction parameters of a Decoder.
// SkipChannels is the channel count of the first consumed (deepest) skip
// connection. Channels and dilation are halved after every stage.
type DecoderConfig struct {
	SkipChannels      int64
	Dims              int
	Upsampling        string
	NumDecodingBlocks int
	Normalization     base.Normalization
	Preactivation     bool
	Residual          bool
	Padding           bool
	PaddingMode       base.PaddingMode
	Activation        base.Activation
	InitialDilation   *int64
}

// DefaultDecoderConfig returns a 2D, four-stage decoder with transposed
// convolution upsampling and ReLU activations.
func DefaultDecoderConfig() *DecoderConfig {
	return &DecoderConfig{
		SkipChannels:      512,
		Dims:              2,
		Upsampling:        UpsampleConv,
		NumDecodingBlocks: 4,
		Normalization:     base.NormNone,
		PaddingMode:       base.PadZeros,
		Activation:        base.ActReLU,
	}
}

// Validate checks the fields that can be rejected before any variable is created.
func (c *DecoderConfig) Validate() error {
	if err := base.CheckDims(c.Dims); err != nil {
		return err
	}
	if c.NumDecodingBlocks < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative number of decoding blocks %d", c.NumDecodingBlocks)
	}
	if c.NumDecodingBlocks > 0 && c.SkipChannels>>(c.NumDecodingBlocks-1) < 1 {
		return errors.Wrapf(ErrInvalidConfig, "%d skip channels cannot be halved over %d stages", c.SkipChannels, c.NumDecodingBlocks)
	}
	return nil
}

// blockConfig returns the parameters of one stage.
func (c *DecoderConfig) blockConfig(skipChannels int64, dilation *int64) *DecodingBlockConfig {
	return &DecodingBlockConfig{
		SkipChannels:  skipChannels,
		Dims:          c.Dims,
		Upsampling:    c.Upsampling,
		Normalization: c.Normalization,
		Preactivation: c.Preactivation,
		Residual:      c.Residual,
		Padding:       c.Padding,
		PaddingMode:   c.PaddingMode,
		Activation:    c.Activation,
		Dilation:      dilation,
	}
}

// Config describes a full UNet: encoder, decoder and segmentation head.
// It is the YAML document read by the command line tool.
type Config struct {
	Dims               int    `yaml:"dims"`
	InChannels         int64  `yaml:"in_channels"`
	OutClasses         int64  `yaml:"out_classes"`
	Depth              int    `yaml:"depth"`
	FirstLayerChannels int64  `yaml:"first_layer_channels"`
	Upsampling         string `yaml:"upsampling"`
	Normalization      string `yaml:"normalization"`
	Activation         string `yaml:"activation"`
	Preactivation      bool   `yaml:"preactivation"`
	Residual           bool   `yaml:"residual"`
	Padding            bool   `yaml:"padding"`
	PaddingMode        string `yaml:"padding_mode"`
	InitialDilation    *int64 `yaml:"initial_dilation"`
}

// DefaultConfig returns a padded 2D UNet of depth 4 for single channel inputs.
func DefaultConfig() *Config {
	return &Config{
		Dims:               2,
		InChannels:         1,
		OutClasses:         2,
		Depth:              4,
		FirstLayerChannels: 64,
		Upsampling:         UpsampleConv,
		Activation:         "ReLU",
		Padding:            true,
		PaddingMode:        string(base.PadZeros),
	}
}

// LoadConfig reads a YAML config. Missing keys keep their DefaultConfig value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}

	return cfg, nil
}

// blockSettings parses the string options shared by encoder and decoder.
func (c *Config) blockSettings() (base.Normalization, base.Activation, base.PaddingMode, error) {
	norm, err := base.ParseNormalization(c.Normalization)
	if err != nil {
		return "", "", "", err
	}
	act, err := base.ParseActivation(c.Activation)
	if err != nil {
		return "", "", "", err
	}
	mode, err := base.ParsePaddingMode(c.PaddingMode)
	if err != nil {
		return "", "", "", err
	}
	return norm, act, mode, nil
}

// EncoderConfig derives the encoder part of c.
func (c *Config) EncoderConfig() (*encoder.Config, error) {
	norm, act, mode, err := c.blockSettings()
	if err != nil {
		return nil, err
	}
	if c.InChannels < 1 || c.FirstLayerChannels < 1 || c.Depth < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "in_channels=%d first_layer_channels=%d depth=%d must be positive",
			c.InChannels, c.FirstLayerChannels, c.Depth)
	}

	return &encoder.Config{
		Dims:               c.Dims,
		InChannels:         c.InChannels,
		FirstLayerChannels: c.FirstLayerChannels,
		Depth:              c.Depth,
		Normalization:      norm,
		Activation:         act,
		Preactivation:      c.Preactivation,
		Padding:            c.Padding,
		PaddingMode:        mode,
	}, nil
}

// DecoderConfig derives the decoder part of c. The deepest skip connection
// carries FirstLayerChannels * 2^(Depth-1) channels.
func (c *Config) DecoderConfig() (*DecoderConfig, error) {
	norm, act, mode, err := c.blockSettings()
	if err != nil {
		return nil, err
	}
	if c.Depth < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "depth must be positive, got %d", c.Depth)
	}

	return &DecoderConfig{
		SkipChannels:      c.FirstLayerChannels << (c.Depth - 1),
		Dims:              c.Dims,
		Upsampling:        c.Upsampling,
		NumDecodingBlocks: c.Depth,
		Normalization:     norm,
		Preactivation:     c.Preactivation,
		Residual:          c.Residual,
		Padding:           c.Padding,
		PaddingMode:       mode,
		Activation:        act,
		InitialDilation:   c.InitialDilation,
	}, nil
}
