package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var ErrNoCheckpoint = errors.New("model: no checkpoint found")

// Checkpoint is the serialised weight set of a generator: a map from
// parameter name to a flat float64 buffer plus its shape.
type Checkpoint struct {
	NetG    string
	Epoch   string
	Weights map[string]Param
}

// Param is one named weight tensor.
type Param struct {
	Shape []int
	Data  []float64
}

// CheckpointPath returns the on-disk name for a netG/epoch pair, e.g.
// latest_net_i2i_mamba.ckpt.
func CheckpointPath(dir, epoch, netG string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_net_%s.ckpt", epoch, netG))
}

// ResolveEpoch maps the "latest" epoch to the newest numbered checkpoint
// in dir for the given netG, or returns epoch unchanged.
func ResolveEpoch(dir, epoch, netG string) (string, error) {
	if epoch != "latest" {
		return epoch, nil
	}
	// A literal latest_net_<netG>.ckpt wins if present.
	if _, err := os.Stat(CheckpointPath(dir, "latest", netG)); err == nil {
		return "latest", nil
	}
	suffix := fmt.Sprintf("_net_%s.ckpt", netG)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list checkpoint dir %s: %w", dir, err)
	}
	var epochs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(name, suffix)); err == nil {
			epochs = append(epochs, n)
		}
	}
	if len(epochs) == 0 {
		return "", fmt.Errorf("%w for netG %s in %s", ErrNoCheckpoint, netG, dir)
	}
	sort.Ints(epochs)
	return strconv.Itoa(epochs[len(epochs)-1]), nil
}

// LoadCheckpoint reads the weight set for netG at the given epoch from dir.
func LoadCheckpoint(dir, epoch, netG string) (*Checkpoint, error) {
	resolved, err := ResolveEpoch(dir, epoch, netG)
	if err != nil {
		return nil, err
	}
	path := CheckpointPath(dir, resolved, netG)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, path)
		}
		return nil, fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	if ckpt.NetG != "" && ckpt.NetG != netG {
		return nil, fmt.Errorf("model: checkpoint %s was trained for netG %q, want %q", path, ckpt.NetG, netG)
	}
	return &ckpt, nil
}

// SaveCheckpoint writes a weight set to dir. Used by tooling and tests;
// production checkpoints ship inside the gear image.
func SaveCheckpoint(dir string, ckpt *Checkpoint) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir %s: %w", dir, err)
	}
	path := CheckpointPath(dir, ckpt.Epoch, ckpt.NetG)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(ckpt); err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	return nil
}

// RandomCheckpoint builds a complete, correctly-shaped weight set for the
// given netG and patch shape, filled by fill (index -> value). Used by the
// checkpoint export tool and tests; it is the single place that knows each
// architecture's parameter schema besides the loaders.
func RandomCheckpoint(netG string, shape [3]int, fill func(i int) float64) (*Checkpoint, error) {
	ckpt := &Checkpoint{NetG: netG, Epoch: "latest", Weights: map[string]Param{}}
	add := func(name string, dims ...int) {
		n := 1
		for _, d := range dims {
			n *= d
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = fill(i)
		}
		ckpt.Weights[name] = Param{Shape: dims, Data: data}
	}

	switch netG {
	case "i2i_mamba":
		tokDim := tokenEdge(shape[0]) * tokenEdge(shape[1]) * tokenEdge(shape[2])
		add("embed.w", tokDim, embedDim)
		add("embed.b", embedDim)
		for i := 0; i < numBlocks; i++ {
			prefix := fmt.Sprintf("blocks.%d.", i)
			add(prefix+"ln1.g", embedDim)
			add(prefix+"ln1.b", embedDim)
			add(prefix+"attn.wq", embedDim, embedDim)
			add(prefix+"attn.wk", embedDim, embedDim)
			add(prefix+"attn.wv", embedDim, embedDim)
			add(prefix+"attn.wo", embedDim, embedDim)
			add(prefix+"ln2.g", embedDim)
			add(prefix+"ln2.b", embedDim)
			add(prefix+"ff.w1", embedDim, ffHidden)
			add(prefix+"ff.b1", ffHidden)
			add(prefix+"ff.w2", ffHidden, embedDim)
			add(prefix+"ff.b2", embedDim)
		}
		add("head.w", embedDim, tokDim)
		add("head.b", tokDim)
	case "res_cnn":
		add("conv_in.w", resChannels, 1, kernel, kernel, kernel)
		add("conv_in.b", resChannels)
		for i := 0; i < resBlocks; i++ {
			prefix := fmt.Sprintf("res.%d.", i)
			add(prefix+"conv1.w", resChannels, resChannels, kernel, kernel, kernel)
			add(prefix+"conv1.b", resChannels)
			add(prefix+"conv2.w", resChannels, resChannels, kernel, kernel, kernel)
			add(prefix+"conv2.b", resChannels)
		}
		add("conv_out.w", 1, resChannels, kernel, kernel, kernel)
		add("conv_out.b", 1)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetG, netG)
	}
	return ckpt, nil
}

// param fetches a named weight and validates its element count.
func (c *Checkpoint) param(name string, want int) ([]float64, error) {
	p, ok := c.Weights[name]
	if !ok {
		return nil, fmt.Errorf("model: checkpoint missing parameter %q", name)
	}
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	if n != len(p.Data) || n != want {
		return nil, fmt.Errorf("model: parameter %q has %d elements, want %d", name, len(p.Data), want)
	}
	return p.Data, nil
}
