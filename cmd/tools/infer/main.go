// infer runs a generator over a single local NIfTI file, bypassing the
// platform. Useful for checkpoint validation and parameter tuning.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/khula-data/gambas/internal/device"
	"github.com/khula-data/gambas/internal/gear"
	"github.com/khula-data/gambas/internal/inference"
	"github.com/khula-data/gambas/internal/model"
	"github.com/khula-data/gambas/internal/nifti"
	"github.com/khula-data/gambas/internal/register"
)

var (
	in            = flag.String("in", "", "Input NIfTI file")
	out           = flag.String("out", "", "Output NIfTI file")
	modelName     = flag.String("model", "", "Model to run: GAMBAS or ResCNN (default: probe device)")
	checkpoints   = flag.String("checkpoints", gear.DefaultModelDir, "Checkpoint directory")
	epoch         = flag.String("epoch", "latest", "Checkpoint epoch to load")
	reference     = flag.String("reference", "", "Reference template for registration (skipped when empty)")
	strideInplane = flag.Int("stride-inplane", 32, "In-plane sliding-window stride")
	strideLayer   = flag.Int("stride-layer", 32, "Through-plane sliding-window stride")
	resample      = flag.Bool("resample", false, "Resample the result to the trained resolution")
)

func main() {
	flag.Parse()
	if *in == "" || *out == "" {
		log.Fatal("usage: infer -in <file.nii.gz> -out <file.nii.gz> [flags]")
	}

	name := *modelName
	if name == "" {
		name = device.ModelFor(device.Probe())
	}

	opt := &gear.Options{
		Model:         name,
		NetG:          device.NetG(name),
		Image:         *in,
		ResultSR:      *out,
		ModelDir:      *checkpoints,
		Phase:         "test",
		WhichEpoch:    *epoch,
		PatchSize:     [3]int{64, 64, 32},
		StrideInplane: *strideInplane,
		StrideLayer:   *strideLayer,
		Resample:      *resample,
		NewResolution: [3]float64{1.5, 1.5, 5.0},
	}

	vol, err := nifti.Read(*in)
	if err != nil {
		log.Fatalf("failed to read input: %v", err)
	}

	if *reference != "" {
		ref, err := nifti.Read(*reference)
		if err != nil {
			log.Fatalf("failed to read reference: %v", err)
		}
		vol, err = register.Align(vol, ref)
		if err != nil {
			log.Fatalf("registration failed: %v", err)
		}
	}

	gen, err := model.Create(opt)
	if err != nil {
		log.Fatalf("failed to create model: %v", err)
	}
	if err := gen.Setup(opt); err != nil {
		log.Fatalf("failed to load checkpoint: %v", err)
	}

	path, err := inference.Run(context.Background(), gen, vol, opt)
	if err != nil {
		log.Fatalf("inference failed: %v", err)
	}
	log.Printf("wrote %s", path)
}
