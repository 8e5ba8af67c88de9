// Package register aligns an input volume to the reference template
// before inference. The original gear drove ANTs for this; the gear now
// carries a translational registration of its own, which is sufficient
// for the axial low-field acquisitions the scanner produces: resample
// onto the template grid, seed with the centre-of-mass offset, then
// refine with a local search maximising normalised cross-correlation.
package register

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/nifti"
)

// MinCorrelation is the acceptance threshold: below this the alignment is
// treated as failed and the file is skipped upstream.
const MinCorrelation = 0.1

// searchRadius bounds the local shift refinement, in template voxels.
const searchRadius = 3

var (
	ErrDegenerateInput = errors.New("register: input volume has no intensity variation")
	ErrLowCorrelation  = errors.New("register: correlation below acceptance threshold")
)

// Align resamples input onto the grid of reference and returns the aligned
// volume. A nil volume and an error are returned when registration fails;
// callers skip the file rather than aborting the session.
func Align(input, reference *nifti.Volume) (*nifti.Volume, error) {
	if input.Len() == 0 || reference.Len() == 0 {
		return nil, ErrDegenerateInput
	}

	seed := comShift(input, reference)

	best := seed
	bestScore := math.Inf(-1)
	for dz := -searchRadius; dz <= searchRadius; dz++ {
		for dy := -searchRadius; dy <= searchRadius; dy++ {
			for dx := -searchRadius; dx <= searchRadius; dx++ {
				shift := [3]float64{seed[0] + float64(dx), seed[1] + float64(dy), seed[2] + float64(dz)}
				score, err := correlationAt(input, reference, shift)
				if err != nil {
					return nil, err
				}
				if score > bestScore {
					bestScore = score
					best = shift
				}
			}
		}
	}

	if bestScore < MinCorrelation {
		return nil, fmt.Errorf("%w: best NCC %.3f at shift %v", ErrLowCorrelation, bestScore, best)
	}
	monitoring.Logf("registered with shift %v, NCC %.3f", best, bestScore)
	return nifti.ResampleToGrid(input, reference, best), nil
}

// comShift estimates the translation (in template voxels) aligning the
// intensity centre of mass of input with that of reference.
func comShift(input, reference *nifti.Volume) [3]float64 {
	ci := centerOfMass(input)
	cr := centerOfMass(reference)
	var shift [3]float64
	for a := 0; a < 3; a++ {
		// convert the input-voxel offset into template voxels
		shift[a] = ci[a]*input.Spacing[a]/reference.Spacing[a] - cr[a]
	}
	return shift
}

func centerOfMass(v *nifti.Volume) [3]float64 {
	var sx, sy, sz, total float64
	i := 0
	for z := 0; z < v.Nz; z++ {
		for y := 0; y < v.Ny; y++ {
			for x := 0; x < v.Nx; x++ {
				w := v.Data[i]
				if w > 0 {
					sx += w * float64(x)
					sy += w * float64(y)
					sz += w * float64(z)
					total += w
				}
				i++
			}
		}
	}
	if total == 0 {
		return [3]float64{float64(v.Nx) / 2, float64(v.Ny) / 2, float64(v.Nz) / 2}
	}
	return [3]float64{sx / total, sy / total, sz / total}
}

// correlationAt scores a candidate shift by sampling the moving volume on
// a decimated template grid and correlating against the template.
func correlationAt(input, reference *nifti.Volume, shift [3]float64) (float64, error) {
	// Decimate to keep the search cheap; a handful of thousand samples is
	// plenty for a translational score.
	step := maxInt(1, maxInt(reference.Nx, maxInt(reference.Ny, reference.Nz))/32)

	var moving, fixed []float64
	sx := reference.Spacing[0] / input.Spacing[0]
	sy := reference.Spacing[1] / input.Spacing[1]
	sz := reference.Spacing[2] / input.Spacing[2]
	for z := 0; z < reference.Nz; z += step {
		for y := 0; y < reference.Ny; y += step {
			for x := 0; x < reference.Nx; x += step {
				fixed = append(fixed, reference.At(x, y, z))
				moving = append(moving, input.Interp(
					(float64(x)+shift[0])*sx,
					(float64(y)+shift[1])*sy,
					(float64(z)+shift[2])*sz,
				))
			}
		}
	}
	if stat.Variance(moving, nil) == 0 {
		return 0, ErrDegenerateInput
	}
	if stat.Variance(fixed, nil) == 0 {
		return 0, fmt.Errorf("register: reference template has no intensity variation")
	}
	return stat.Correlation(moving, fixed, nil), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
