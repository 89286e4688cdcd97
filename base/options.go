package base

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidDims          = errors.New("invalid number of spatial dimensions")
	ErrInvalidDilation      = errors.New("invalid dilation")
	ErrInvalidNormalization = errors.New("unsupported normalization")
	ErrInvalidActivation    = errors.New("unsupported activation")
	ErrInvalidPaddingMode   = errors.New("unsupported padding mode")
)

// Normalization is the kind of normalization layer of a ConvBlock.
// NormNone disables normalization.
type Normalization string

const (
	NormNone  Normalization = ""
	NormBatch Normalization = "batch"
)

// ParseNormalization accepts case-insensitive names. Empty string and "none"
// both mean no normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NormNone, nil
	case "batch":
		return NormBatch, nil
	}
	return NormNone, errors.Wrapf(ErrInvalidNormalization, "%q", s)
}

// Activation is the non-linearity of a ConvBlock. ActNone disables it.
type Activation string

const (
	ActNone    Activation = ""
	ActReLU    Activation = "relu"
	ActSigmoid Activation = "sigmoid"
	ActTanh    Activation = "tanh"
	ActSiLU    Activation = "silu"
)

// ParseActivation accepts case-insensitive names ("ReLU", "relu", ...).
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(strings.ToLower(strings.TrimSpace(s))); a {
	case "", "none":
		return ActNone, nil
	case ActReLU, ActSigmoid, ActTanh, ActSiLU:
		return a, nil
	}
	return ActNone, errors.Wrapf(ErrInvalidActivation, "%q", s)
}

// PaddingMode selects how borders are filled when a ConvBlock pads its input.
type PaddingMode string

const (
	PadZeros     PaddingMode = "zeros"
	PadReflect   PaddingMode = "reflect"
	PadReplicate PaddingMode = "replicate"
	PadCircular  PaddingMode = "circular"
)

// ParsePaddingMode defaults to PadZeros for an empty string.
func ParsePaddingMode(s string) (PaddingMode, error) {
	switch m := PaddingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return PadZeros, nil
	case PadZeros, PadReflect, PadReplicate, PadCircular:
		return m, nil
	}
	return PadZeros, errors.Wrapf(ErrInvalidPaddingMode, "%q", s)
}

// CheckDims validates the number of spatial dimensions.
func CheckDims(dims int) error {
	if dims < 1 || dims > 3 {
		return errors.Wrapf(ErrInvalidDims, "got %d, want 1, 2 or 3", dims)
	}
	return nil
}
