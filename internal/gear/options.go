package gear

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/khula-data/gambas/internal/bids"
	"github.com/khula-data/gambas/internal/device"
)

// Options carries everything one inference pass over one input file needs.
// It is the runtime equivalent of the model's test-phase option set: the
// model/device pairing is fixed by the probe result, everything else comes
// from the gear config with the trained defaults.
type Options struct {
	Model  string // "GAMBAS" or "ResCNN"
	NetG   string // "i2i_mamba" or "res_cnn"
	Name   string // run label, "gpu" or "cpu"
	GPUIDs string // "0" on GPU, "-1" on CPU

	Image     string // input NIfTI path
	Reference string // registration template path
	ResultSR  string // super-resolved output path
	ModelDir  string // checkpoint directory

	Phase         string
	WhichEpoch    string
	PatchSize     [3]int
	StrideInplane int
	StrideLayer   int
	Resample      bool
	NewResolution [3]float64
}

// DefaultReference is the bundled registration template.
const DefaultReference = "/flywheel/v0/app/TemplateKhula.nii"

// DefaultModelDir holds the shipped generator checkpoints.
const DefaultModelDir = "/flywheel/v0/app/checkpoints"

// NewOptions builds the per-file options for one subject/session input.
// The derivative output path is computed from the rawdata anat folder so
// the output basename always mirrors an actual input file.
func NewOptions(model string, cfg *Config, sub, ses, image string) (*Options, error) {
	dev := device.Device{Kind: device.CPU, IDs: "-1"}
	name := "cpu"
	if model == "GAMBAS" {
		dev = device.Device{Kind: device.CUDA, IDs: "0"}
		name = "gpu"
	}

	layout := bids.NewLayout(cfg.WorkDir)
	inDir := bids.AnatDir(layout.RawData(), sub, ses)
	outDir := bids.AnatDir(layout.Derivatives(), sub, ses)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir %s: %w", outDir, err)
	}

	outName, err := bids.OutputBasename(inDir, model)
	if err != nil {
		return nil, err
	}

	return &Options{
		Model:         model,
		NetG:          device.NetG(model),
		Name:          name,
		GPUIDs:        dev.IDs,
		Image:         image,
		Reference:     DefaultReference,
		ResultSR:      filepath.Join(outDir, outName),
		ModelDir:      DefaultModelDir,
		Phase:         cfg.PhaseOrDefault(),
		WhichEpoch:    cfg.WhichEpochOrDefault(),
		PatchSize:     [3]int{64, 64, 32},
		StrideInplane: cfg.StrideInplaneOrDefault(),
		StrideLayer:   cfg.StrideLayerOrDefault(),
		Resample:      true,
		NewResolution: [3]float64{1.5, 1.5, 5.0},
	}, nil
}
