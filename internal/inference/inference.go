// Package inference runs a generator over a whole volume with a
// sliding-window patch grid and overlap blending.
package inference

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/khula-data/gambas/internal/gear"
	"github.com/khula-data/gambas/internal/model"
	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/nifti"
)

// Intensity window used for normalisation; matches the training pipeline.
const (
	pctLow  = 1.0
	pctHigh = 99.0
)

var ErrEmptyVolume = errors.New("inference: empty input volume")

// Run slides the generator over vol and writes the blended result to
// opt.ResultSR. It returns the output path. The input volume is not
// modified.
func Run(ctx context.Context, gen model.Generator, vol *nifti.Volume, opt *gear.Options) (string, error) {
	if vol.Len() == 0 {
		return "", ErrEmptyVolume
	}

	work := vol.Clone()
	lo, hi := nifti.NormalizeIntensity(work, pctLow, pctHigh)

	shape := gen.PatchShape()
	origins := patchOrigins([3]int{work.Nx, work.Ny, work.Nz}, shape, opt.StrideInplane, opt.StrideLayer)
	monitoring.Logf("running %s over %d patches (%dx%dx%d, stride %d/%d)",
		gen.Name(), len(origins), shape[0], shape[1], shape[2], opt.StrideInplane, opt.StrideLayer)

	accum := make([]float64, work.Len())
	weight := make([]float64, work.Len())
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, o := range origins {
		o := o
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			patch := extractPatch(work, o, shape)
			out, err := gen.Forward(patch)
			if err != nil {
				return fmt.Errorf("patch at %v: %w", o, err)
			}
			mu.Lock()
			blendPatch(work, accum, weight, out, o, shape)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	result := nifti.NewVolume(work.Nx, work.Ny, work.Nz, work.Spacing)
	result.Origin = work.Origin
	result.Descrip = "gambas " + gen.Name()
	for i := range accum {
		if weight[i] > 0 {
			result.Data[i] = accum[i] / weight[i]
		} else {
			result.Data[i] = work.Data[i]
		}
	}
	nifti.DenormalizeIntensity(result, lo, hi)

	if opt.Resample {
		resampled, err := nifti.Resample(result, opt.NewResolution)
		if err != nil {
			return "", fmt.Errorf("failed to resample result: %w", err)
		}
		result = resampled
	}

	if err := nifti.Write(opt.ResultSR, result); err != nil {
		return "", err
	}
	return opt.ResultSR, nil
}

// patchOrigins returns the corner coordinates of every patch. Strides walk
// each axis; an extra end-aligned position guarantees full coverage when
// the stride does not divide the remainder.
func patchOrigins(dims, patch [3]int, strideInplane, strideLayer int) [][3]int {
	strides := [3]int{strideInplane, strideInplane, strideLayer}
	var axes [3][]int
	for a := 0; a < 3; a++ {
		axes[a] = axisOrigins(dims[a], patch[a], strides[a])
	}
	var out [][3]int
	for _, z := range axes[2] {
		for _, y := range axes[1] {
			for _, x := range axes[0] {
				out = append(out, [3]int{x, y, z})
			}
		}
	}
	return out
}

func axisOrigins(dim, patch, stride int) []int {
	if patch >= dim {
		return []int{0}
	}
	if stride < 1 {
		stride = 1
	}
	var out []int
	for p := 0; p+patch <= dim; p += stride {
		out = append(out, p)
	}
	if last := dim - patch; len(out) == 0 || out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

// extractPatch copies a patch into a flat buffer, clamping reads at the
// volume edge for volumes smaller than the patch.
func extractPatch(v *nifti.Volume, origin, shape [3]int) []float64 {
	patch := make([]float64, shape[0]*shape[1]*shape[2])
	i := 0
	for dz := 0; dz < shape[2]; dz++ {
		z := clampIdx(origin[2]+dz, v.Nz)
		for dy := 0; dy < shape[1]; dy++ {
			y := clampIdx(origin[1]+dy, v.Ny)
			for dx := 0; dx < shape[0]; dx++ {
				x := clampIdx(origin[0]+dx, v.Nx)
				patch[i] = v.At(x, y, z)
				i++
			}
		}
	}
	return patch
}

// blendPatch accumulates a predicted patch into the shared buffers.
// Voxels beyond the volume edge (clamped during extraction) are dropped.
func blendPatch(v *nifti.Volume, accum, weight, patch []float64, origin, shape [3]int) {
	i := 0
	for dz := 0; dz < shape[2]; dz++ {
		z := origin[2] + dz
		for dy := 0; dy < shape[1]; dy++ {
			y := origin[1] + dy
			for dx := 0; dx < shape[0]; dx++ {
				x := origin[0] + dx
				if x < v.Nx && y < v.Ny && z < v.Nz {
					idx := x + v.Nx*(y+v.Ny*z)
					accum[idx] += patch[i]
					weight[idx]++
				}
				i++
			}
		}
	}
}

func clampIdx(i, n int) int {
	if i >= n {
		return n - 1
	}
	return i
}
