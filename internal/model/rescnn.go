package model

import (
	"fmt"

	"github.com/khula-data/gambas/internal/gear"
)

// ResCNN geometry. Checkpoints must match.
const (
	resChannels = 16
	resBlocks   = 4
	kernel      = 3 // 3x3x3 convolutions, zero-padded
)

func init() {
	register("res_cnn", func(shape [3]int) Generator {
		return &resCNN{shape: shape}
	})
}

// resCNN is the CPU fallback generator: a plain 3D convolutional network
// with identity skips every two convolutions and a long skip from input
// to output.
type resCNN struct {
	shape [3]int

	convIn  conv3d
	blocks  []resBlock
	convOut conv3d

	ready bool
}

type resBlock struct {
	conv1, conv2 conv3d
}

// conv3d is a 3x3x3 convolution with per-output-channel bias.
type conv3d struct {
	outC, inC int
	w         []float64 // outC x inC x 3 x 3 x 3
	b         []float64 // outC
}

func (c *resCNN) Name() string       { return "res_cnn" }
func (c *resCNN) PatchShape() [3]int { return c.shape }

func (c *resCNN) Setup(opt *gear.Options) error {
	ckpt, err := LoadCheckpoint(opt.ModelDir, opt.WhichEpoch, c.Name())
	if err != nil {
		return err
	}
	return c.load(ckpt)
}

func (c *resCNN) load(ckpt *Checkpoint) error {
	var err error
	if c.convIn, err = convParam(ckpt, "conv_in", resChannels, 1); err != nil {
		return err
	}
	c.blocks = make([]resBlock, resBlocks)
	for i := range c.blocks {
		prefix := fmt.Sprintf("res.%d.", i)
		if c.blocks[i].conv1, err = convParam(ckpt, prefix+"conv1", resChannels, resChannels); err != nil {
			return err
		}
		if c.blocks[i].conv2, err = convParam(ckpt, prefix+"conv2", resChannels, resChannels); err != nil {
			return err
		}
	}
	if c.convOut, err = convParam(ckpt, "conv_out", 1, resChannels); err != nil {
		return err
	}
	c.ready = true
	return nil
}

func convParam(ckpt *Checkpoint, name string, outC, inC int) (conv3d, error) {
	w, err := ckpt.param(name+".w", outC*inC*kernel*kernel*kernel)
	if err != nil {
		return conv3d{}, err
	}
	b, err := ckpt.param(name+".b", outC)
	if err != nil {
		return conv3d{}, err
	}
	return conv3d{outC: outC, inC: inC, w: w, b: b}, nil
}

func (c *resCNN) Forward(patch []float64) ([]float64, error) {
	if !c.ready {
		return nil, fmt.Errorf("model: %s generator used before Setup", c.Name())
	}
	nx, ny, nz := c.shape[0], c.shape[1], c.shape[2]
	want := nx * ny * nz
	if len(patch) != want {
		return nil, fmt.Errorf("model: patch has %d voxels, want %d", len(patch), want)
	}

	feat := c.convIn.apply(patch, 1, nx, ny, nz)
	reluInPlace(feat)

	for _, b := range c.blocks {
		h := b.conv1.apply(feat, resChannels, nx, ny, nz)
		reluInPlace(h)
		h = b.conv2.apply(h, resChannels, nx, ny, nz)
		// identity skip
		for i := range h {
			h[i] += feat[i]
		}
		reluInPlace(h)
		feat = h
	}

	out := c.convOut.apply(feat, resChannels, nx, ny, nz)
	// long skip: the network predicts a residual on the input
	for i := range out {
		out[i] += patch[i]
	}
	return out, nil
}

// apply runs the convolution over a multi-channel volume stored as
// channel-major flat buffer (channel, then z, y, x-fastest).
func (c conv3d) apply(in []float64, inC, nx, ny, nz int) []float64 {
	out := make([]float64, c.outC*nx*ny*nz)
	voxels := nx * ny * nz
	half := kernel / 2

	for oc := 0; oc < c.outC; oc++ {
		bias := c.b[oc]
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					sum := bias
					for ic := 0; ic < inC; ic++ {
						wBase := ((oc*c.inC + ic) * kernel * kernel * kernel)
						chBase := ic * voxels
						for dz := -half; dz <= half; dz++ {
							zz := z + dz
							if zz < 0 || zz >= nz {
								continue
							}
							for dy := -half; dy <= half; dy++ {
								yy := y + dy
								if yy < 0 || yy >= ny {
									continue
								}
								for dx := -half; dx <= half; dx++ {
									xx := x + dx
									if xx < 0 || xx >= nx {
										continue
									}
									w := c.w[wBase+((dz+half)*kernel+(dy+half))*kernel+(dx+half)]
									sum += w * in[chBase+xx+nx*(yy+ny*zz)]
								}
							}
						}
					}
					out[oc*voxels+x+nx*(y+ny*z)] = sum
				}
			}
		}
	}
	return out
}

func reluInPlace(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}
