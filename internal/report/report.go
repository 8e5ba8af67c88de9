// Package report writes the per-run QC artifacts: an HTML page with input
// and output intensity histograms plus run metadata, and a PNG heatmap of
// the central axial slice of the derivative.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/khula-data/gambas/internal/db"
	"github.com/khula-data/gambas/internal/nifti"
)

const histBins = 64

// Data bundles everything one QC report needs.
type Data struct {
	Run    *db.Run
	Input  *nifti.Volume
	Output *nifti.Volume
}

// Write renders the QC artifacts into dir and returns the written paths.
func Write(dir string, data Data) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir %s: %w", dir, err)
	}
	base := fmt.Sprintf("sub-%s_ses-%s", data.Run.Subject, data.Run.Session)

	htmlPath := filepath.Join(dir, base+"_qc.html")
	if err := writeHistograms(htmlPath, data); err != nil {
		return nil, err
	}
	pngPath := filepath.Join(dir, base+"_slice.png")
	if err := writeSliceHeatmap(pngPath, data.Output); err != nil {
		return nil, err
	}
	return []string{htmlPath, pngPath}, nil
}

func writeHistograms(path string, data Data) error {
	labels, inHist := histogram(data.Input, histBins)
	_, outHist := histogram(data.Output, histBins)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "GAMBAS QC " + data.Run.ID,
			Width:     "1000px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("sub-%s ses-%s (%s)", data.Run.Subject, data.Run.Session, data.Run.Model),
			Subtitle: fmt.Sprintf("run %s, netG %s, device %s, status %s",
				data.Run.ID, data.Run.NetG, data.Run.Device, data.Run.Status),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels)
	bar.AddSeries("input", inHist)
	bar.AddSeries("output", outHist)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := bar.Render(f); err != nil {
		return fmt.Errorf("failed to render QC page: %w", err)
	}
	return nil
}

// histogram bins the voxel intensities over the volume's own range.
func histogram(v *nifti.Volume, bins int) ([]string, []opts.BarData) {
	lo := floats.Min(v.Data)
	hi := floats.Max(v.Data)
	if hi <= lo {
		hi = lo + 1
	}
	counts := make([]int, bins)
	scale := float64(bins) / (hi - lo)
	for _, val := range v.Data {
		b := int((val - lo) * scale)
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		counts[b]++
	}
	labels := make([]string, bins)
	data := make([]opts.BarData, bins)
	for i := range counts {
		center := lo + (float64(i)+0.5)/scale
		labels[i] = fmt.Sprintf("%.0f", center)
		data[i] = opts.BarData{Value: counts[i]}
	}
	return labels, data
}

// sliceGrid adapts one axial slice to the plotter.GridXYZ interface.
type sliceGrid struct {
	vol *nifti.Volume
	z   int
}

func (g sliceGrid) Dims() (int, int)   { return g.vol.Nx, g.vol.Ny }
func (g sliceGrid) X(c int) float64    { return float64(c) * g.vol.Spacing[0] }
func (g sliceGrid) Y(r int) float64    { return float64(r) * g.vol.Spacing[1] }
func (g sliceGrid) Z(c, r int) float64 { return g.vol.At(c, r, g.z) }

func writeSliceHeatmap(path string, v *nifti.Volume) error {
	p := plot.New()
	p.Title.Text = "central axial slice"
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"

	grid := sliceGrid{vol: v, z: v.Nz / 2}
	pal := moreland.SmoothBlueRed().Palette(255)
	hm := plotter.NewHeatMap(grid, pal)
	p.Add(hm)

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save slice heatmap: %w", err)
	}
	return nil
}
