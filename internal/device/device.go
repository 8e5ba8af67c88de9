// Package device selects the compute device for a run. The gear runs in
// one of two configurations: a CUDA container where inference uses the
// full GAMBAS generator, or a plain CPU container where it falls back to
// the lighter ResCNN generator.
package device

import (
	"os/exec"
	"strings"

	"github.com/khula-data/gambas/internal/monitoring"
)

// Kind identifies the compute device class.
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "gpu"
)

// Device describes the selected compute device.
type Device struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`    // GPU product name when known
	IDs  string `json:"gpu_ids"` // "0" on GPU, "-1" on CPU
}

// runner is swapped out in tests.
var runner = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// Probe checks whether the container has access to an NVIDIA GPU by
// invoking nvidia-smi. A missing binary or non-zero exit means CPU.
func Probe() Device {
	out, err := runner("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		monitoring.Logf("no GPU detected, running on CPU")
		return Device{Kind: CPU, IDs: "-1"}
	}
	name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	monitoring.Logf("GPU detected: %s", name)
	return Device{Kind: CUDA, Name: name, IDs: "0"}
}

// ModelFor maps the device to the model the gear runs: GPU containers run
// GAMBAS, CPU containers run ResCNN.
func ModelFor(d Device) string {
	if d.Kind == CUDA {
		return "GAMBAS"
	}
	return "ResCNN"
}

// NetG maps a model name to its generator architecture key.
func NetG(model string) string {
	if model == "GAMBAS" {
		return "i2i_mamba"
	}
	return "res_cnn"
}
