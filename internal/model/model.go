// Package model holds the generator networks the gear can run and the
// checkpoint plumbing around them. Two architectures are registered: the
// 3D residual transformer behind the GAMBAS model (netG "i2i_mamba") and
// the residual CNN fallback (netG "res_cnn").
package model

import (
	"errors"
	"fmt"
	"sort"

	"github.com/khula-data/gambas/internal/gear"
)

var ErrUnknownNetG = errors.New("model: unknown netG")

// Generator is an image-to-image network operating on fixed-size 3D
// patches. Patches are passed as flat x-fastest float64 buffers with the
// shape configured at construction.
type Generator interface {
	// Name returns the netG key of the architecture.
	Name() string

	// Setup loads the checkpoint weights selected by the options. It must
	// be called before Forward.
	Setup(opt *gear.Options) error

	// Forward runs one patch through the network. The input buffer is not
	// modified; the returned buffer has the same length.
	Forward(patch []float64) ([]float64, error)

	// PatchShape returns the patch dimensions the network was built for.
	PatchShape() [3]int
}

// factory builds an uninitialised generator for a patch shape.
type factory func(shape [3]int) Generator

var registry = map[string]factory{}

func register(netG string, f factory) { registry[netG] = f }

// Create instantiates the generator named by opt.NetG for the configured
// patch size. Mirrors the original create_model entry point: the options
// fully determine the network.
func Create(opt *gear.Options) (Generator, error) {
	f, ok := registry[opt.NetG]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownNetG, opt.NetG, registered())
	}
	return f(opt.PatchSize), nil
}

func registered() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
