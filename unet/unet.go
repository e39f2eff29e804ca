package unet

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/unetseg/encoder"
)

// Architectures accepted by New.
const (
	ArchVanilla  = "vanilla"
	ArchResNet18 = "resnet18"
	ArchResNet34 = "resnet34"
)

var resNetDepths = map[string][]int{
	ArchResNet18: encoder.ResNet18,
	ArchResNet34: encoder.ResNet34,
}

// Config selects and sizes the network.
type Config struct {
	InChannels int64
	Classes    int64
	// Arch is one of ArchVanilla, ArchResNet18 or ArchResNet34. Empty means
	// ArchVanilla.
	Arch string
	// BaseChannels is the width of the first vanilla stage. Zero means 64.
	BaseChannels int64
	// NoSCSE drops the squeeze and excitation blocks of the ResNet decoder.
	NoSCSE bool
}

// Validate reports the first setting New would reject.
func (c Config) Validate() error {
	if c.InChannels < 1 {
		return errors.Errorf("invalid number of input channels %d", c.InChannels)
	}
	if c.Classes < 2 {
		return errors.Errorf("need at least 2 classes, got %d", c.Classes)
	}

	switch c.Arch {
	case "", ArchVanilla:
		if c.BaseChannels < 0 {
			return errors.Errorf("invalid base channels %d", c.BaseChannels)
		}
	case ArchResNet18, ArchResNet34:
		if c.InChannels != 3 {
			return errors.Errorf("%s expects 3 input channels, got %d", c.Arch, c.InChannels)
		}
	default:
		return errors.Errorf("unknown architecture %q, expected %q, %q or %q", c.Arch, ArchVanilla, ArchResNet18, ArchResNet34)
	}

	return nil
}

// New creates the network described by cfg under p. The returned module maps
// [B InChannels H W] inputs to [B Classes H W] logits.
func New(p *nn.Path, cfg Config) (ts.ModuleT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if depths, ok := resNetDepths[cfg.Arch]; ok {
		return NewResNetUNet(p, depths, cfg.Classes, !cfg.NoSCSE)
	}
	w := cfg.BaseChannels
	if w == 0 {
		w = 64
	}
	return NewVanilla(p, cfg.InChannels, cfg.Classes, w), nil
}
