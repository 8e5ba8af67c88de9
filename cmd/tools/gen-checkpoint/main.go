// gen-checkpoint writes a correctly-shaped random checkpoint for a netG.
// It exists for integration testing and for smoke-testing a container
// image before the trained weights are baked in.
package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/khula-data/gambas/internal/model"
)

var (
	netG = flag.String("netg", "res_cnn", "Architecture: i2i_mamba or res_cnn")
	dir  = flag.String("dir", ".", "Output directory")
	seed = flag.Int64("seed", 1, "Random seed")
	px   = flag.Int("px", 64, "Patch size x")
	py   = flag.Int("py", 64, "Patch size y")
	pz   = flag.Int("pz", 32, "Patch size z")
)

func main() {
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	ckpt, err := model.RandomCheckpoint(*netG, [3]int{*px, *py, *pz}, func(int) float64 {
		return rng.NormFloat64() * 0.02
	})
	if err != nil {
		log.Fatalf("failed to build checkpoint: %v", err)
	}
	if err := model.SaveCheckpoint(*dir, ckpt); err != nil {
		log.Fatalf("failed to save checkpoint: %v", err)
	}
	log.Printf("wrote %s", model.CheckpointPath(*dir, ckpt.Epoch, ckpt.NetG))
}
