// Package pipeline orchestrates a gear run: download the destination
// container, build the BIDS work tree, process every subject/session with
// the selected generator and ship the outputs back to the platform.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/khula-data/gambas/internal/api"
	"github.com/khula-data/gambas/internal/bids"
	"github.com/khula-data/gambas/internal/db"
	"github.com/khula-data/gambas/internal/device"
	"github.com/khula-data/gambas/internal/flywheel"
	"github.com/khula-data/gambas/internal/fsutil"
	"github.com/khula-data/gambas/internal/gear"
	"github.com/khula-data/gambas/internal/inference"
	"github.com/khula-data/gambas/internal/model"
	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/nifti"
	"github.com/khula-data/gambas/internal/register"
	"github.com/khula-data/gambas/internal/report"
	"github.com/khula-data/gambas/internal/timeutil"
)

// Platform is the slice of the Flywheel client the pipeline needs; tests
// substitute a fake.
type Platform interface {
	GetAnalysis(id string) (*flywheel.Container, error)
	GetContainer(id string) (*flywheel.Container, error)
	DownloadContainer(container *flywheel.Container, sourceDir string) (flywheel.Dataset, error)
	CreateAnalysis(sessionID, label string) (string, error)
	UpdateAnalysisInfo(analysisID string, info map[string]interface{}) error
	UploadOutput(analysisID, path string) error
}

// Pipeline wires the gear components together for one invocation.
type Pipeline struct {
	Client   Platform
	DB       *db.DB
	Cfg      *gear.Config
	Manifest *gear.Manifest
	Device   device.Device
	Model    string
	Tracker  *api.Tracker

	FS    fsutil.FileSystem
	Clock timeutil.Clock

	// ReferencePath and ModelDir override the bundled registration
	// template and checkpoint directory. Empty means the gear image
	// defaults.
	ReferencePath string
	ModelDir      string

	// SkipUpload disables analysis creation and upload; outputs stay in
	// the output dir. Used by local runs and tests.
	SkipUpload bool

	reference *nifti.Volume
}

// sessionResult collects the artifacts of one subject/session pass.
type sessionResult struct {
	raw     []string
	derived []string
	logs    []string
}

func (p *Pipeline) fs() fsutil.FileSystem {
	if p.FS == nil {
		p.FS = fsutil.OSFileSystem{}
	}
	return p.FS
}

func (p *Pipeline) clock() timeutil.Clock {
	if p.Clock == nil {
		p.Clock = timeutil.RealClock{}
	}
	return p.Clock
}

func (p *Pipeline) track(f func(*api.Progress)) {
	if p.Tracker != nil {
		p.Tracker.Update(f)
	}
}

// Run executes the whole gear against the destination analysis id.
func (p *Pipeline) Run(ctx context.Context, destinationID string) error {
	monitoring.Logf("step 1: parsing config (model %s on %s)", p.Model, p.Device.Kind)

	dest, err := p.Client.GetAnalysis(destinationID)
	if err != nil {
		return fmt.Errorf("failed to resolve destination %s: %w", destinationID, err)
	}
	input, err := p.Client.GetContainer(dest.Parent.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve input container: %w", err)
	}

	layout := bids.NewLayout(p.Cfg.WorkDir)
	if err := layout.Setup(); err != nil {
		return err
	}

	monitoring.Logf("step 2: downloading dataset from %s %s", input.Type, input.Label)
	p.track(func(pr *api.Progress) { pr.Stage = "downloading"; pr.Model = p.Model })
	dataset, err := p.Client.DownloadContainer(input, layout.SourceData())
	if err != nil {
		return fmt.Errorf("failed to download dataset: %w", err)
	}

	monitoring.Logf("step 3: initialising BIDS layout under %s", p.Cfg.WorkDir)
	total := 0
	for sub := range dataset {
		for ses, ref := range dataset[sub] {
			if _, err := bids.ImportSession(layout, ref.Folder, sub, ses); err != nil {
				return fmt.Errorf("failed to import %s/%s: %w", sub, ses, err)
			}
			total++
		}
	}
	p.track(func(pr *api.Progress) { pr.Stage = "processing"; pr.Total = total })

	monitoring.Logf("step 4: processing %d sessions", total)
	for sub := range dataset {
		for ses, ref := range dataset[sub] {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.track(func(pr *api.Progress) { pr.Subject = sub; pr.Session = ses })
			p.processAndShip(ctx, layout, sub, ses, ref.ID)
			p.track(func(pr *api.Progress) { pr.Completed++ })
		}
	}
	p.track(func(pr *api.Progress) { pr.Stage = "done"; pr.Subject = ""; pr.Session = "" })
	return nil
}

// processAndShip runs one session and uploads its outputs. Errors are
// logged, not returned: one bad session must not stop the batch.
func (p *Pipeline) processAndShip(ctx context.Context, layout *bids.Layout, sub, ses, sessionID string) {
	res := p.processSession(ctx, layout, sub, ses)

	if len(res.raw) == 0 {
		monitoring.Logf("[SKIPPING] no input files for %s/%s", sub, ses)
		return
	}

	status := db.StatusSuccess
	note := ""
	if len(res.derived) == 0 {
		status = db.StatusFailed
		note = "No derived outputs, processing may have failed."
		monitoring.Logf("[ERROR] processing failed for %s/%s: no derived output", sub, ses)
		// Raw downloads are only shipped next to a derivative; without one
		// they are deleted so a failed session uploads nothing but logs.
		for _, path := range res.raw {
			if err := p.fs().Remove(path); err != nil {
				monitoring.Logf("error deleting %s: %v", path, err)
			} else {
				monitoring.Logf("deleted raw file: %s", path)
			}
		}
		res.raw = nil
	}

	run := &db.Run{
		GearName:    p.Manifest.Name,
		GearVersion: p.Manifest.Version,
		Image:       p.Manifest.Custom.GearBuilder.Image,
		Subject:     sub,
		Session:     ses,
		Model:       p.Model,
		NetG:        device.NetG(p.Model),
		Device:      string(p.Device.Kind),
		Config:      p.Cfg.Snapshot(),
		StartedAt:   p.clock().Now().UTC(),
	}
	if p.DB != nil {
		if err := p.DB.CreateRun(run); err != nil {
			monitoring.Logf("failed to record run for %s/%s: %v", sub, ses, err)
		}
	}

	outFiles := append(append(append([]string{}, res.raw...), res.derived...), res.logs...)
	if p.DB != nil {
		for _, f := range outFiles {
			kind := "raw"
			switch {
			case contains(res.derived, f):
				kind = "derived"
			case contains(res.logs, f):
				kind = "log"
			}
			if err := p.DB.AddRunFile(&db.RunFile{RunID: run.ID, Kind: kind, Name: filepath.Base(f), Path: f}); err != nil {
				monitoring.Logf("failed to record file %s: %v", f, err)
			}
		}
	}

	p.writeReport(run, res)

	if !p.SkipUpload {
		p.ship(sub, ses, sessionID, status, note, outFiles)
	}

	if p.DB != nil {
		if err := p.DB.FinishRun(run.ID, status, note); err != nil {
			monitoring.Logf("failed to finish run %s: %v", run.ID, err)
		}
	}
}

// ship creates the analysis container and uploads the outputs.
func (p *Pipeline) ship(sub, ses, sessionID, status, note string, files []string) {
	date := p.clock().Now().Format("20060102_15:04:05")
	label := fmt.Sprintf("%s/%s %s", p.Manifest.Name, p.Manifest.Version, date)
	analysisID, err := p.Client.CreateAnalysis(sessionID, label)
	if err != nil {
		monitoring.Logf("failed to create analysis for %s/%s: %v", sub, ses, err)
		return
	}

	info := map[string]interface{}{
		"gear":    p.Manifest.Name,
		"version": p.Manifest.Version,
		"image":   p.Manifest.Custom.GearBuilder.Image,
		"Date":    date,
		"status":  status,
		"note":    note,
	}
	for k, v := range p.Cfg.Snapshot() {
		info[k] = v
	}
	if err := p.Client.UpdateAnalysisInfo(analysisID, info); err != nil {
		monitoring.Logf("failed to update analysis info: %v", err)
	}

	p.track(func(pr *api.Progress) { pr.Stage = "uploading" })
	for _, f := range files {
		monitoring.Logf("uploading output file: %s", filepath.Base(f))
		if err := p.Client.UploadOutput(analysisID, f); err != nil {
			monitoring.Logf("failed to upload %s: %v", f, err)
		}
	}
	p.track(func(pr *api.Progress) { pr.Stage = "processing" })
}

// processSession runs inference over every input file of one session,
// capturing a per-session log file. Per-file failures are logged and the
// next file is tried.
func (p *Pipeline) processSession(ctx context.Context, layout *bids.Layout, sub, ses string) sessionResult {
	capture := monitoring.StartCapture()
	defer capture.Stop()

	var res sessionResult
	monitoring.Logf("processing subject %s session %s", sub, ses)

	scans, err := bids.InputScans(layout, sub, ses)
	if err != nil {
		monitoring.Logf("error listing inputs for %s/%s: %v", sub, ses, err)
		return p.finishLog(capture, sub, ses, res)
	}
	for _, orient := range []string{"axi", "sag", "cor"} {
		res.raw = append(res.raw, scans[orient]...)
	}
	monitoring.Logf("starting for %s-%s (%d input files)", sub, ses, len(res.raw))

	for _, f := range res.raw {
		monitoring.Logf("input file: %s", f)
		out, err := p.processFile(ctx, sub, ses, f)
		if err != nil {
			monitoring.Logf("error processing file %s for subject %s session %s: %v", f, sub, ses, err)
			continue
		}
		res.derived = append(res.derived, out)
		monitoring.Logf("inference completed, output file: %s", out)
	}

	return p.finishLog(capture, sub, ses, res)
}

// finishLog writes the captured session log next to the work tree and
// appends it to the result.
func (p *Pipeline) finishLog(capture *monitoring.Capture, sub, ses string, res sessionResult) sessionResult {
	logPath := filepath.Join(p.Cfg.WorkDir, fmt.Sprintf("sub-%s_ses-%s_log.txt", sub, ses))
	if err := p.fs().WriteFile(logPath, []byte(capture.String()), 0o644); err != nil {
		monitoring.Logf("failed to write session log: %v", err)
		return res
	}
	res.logs = append(res.logs, logPath)
	return res
}

// processFile runs registration and inference for one input scan and
// returns the derivative path.
func (p *Pipeline) processFile(ctx context.Context, sub, ses, path string) (string, error) {
	opt, err := gear.NewOptions(p.Model, p.Cfg, sub, ses, path)
	if err != nil {
		return "", err
	}
	if p.ReferencePath != "" {
		opt.Reference = p.ReferencePath
	}
	if p.ModelDir != "" {
		opt.ModelDir = p.ModelDir
	}

	vol, err := nifti.Read(opt.Image)
	if err != nil {
		return "", err
	}

	monitoring.Logf("registering images for %s-%s", sub, ses)
	ref, err := p.loadReference(opt.Reference)
	if err != nil {
		return "", err
	}
	aligned, err := register.Align(vol, ref)
	if err != nil {
		return "", fmt.Errorf("registration failed: %w", err)
	}

	monitoring.Logf("creating model for %s-%s", sub, ses)
	gen, err := model.Create(opt)
	if err != nil {
		return "", err
	}
	if err := gen.Setup(opt); err != nil {
		return "", err
	}

	monitoring.Logf("running inference for %s-%s", sub, ses)
	return inference.Run(ctx, gen, aligned, opt)
}

func (p *Pipeline) loadReference(path string) (*nifti.Volume, error) {
	if p.reference != nil {
		return p.reference, nil
	}
	ref, err := nifti.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference template: %w", err)
	}
	p.reference = ref
	return ref, nil
}

// writeReport renders the QC artifacts for a finished session into the
// gear output dir.
func (p *Pipeline) writeReport(run *db.Run, res sessionResult) {
	if len(res.derived) == 0 || len(res.raw) == 0 {
		return
	}
	input, err := nifti.Read(res.raw[0])
	if err != nil {
		monitoring.Logf("skipping QC report, cannot read input: %v", err)
		return
	}
	output, err := nifti.Read(res.derived[0])
	if err != nil {
		monitoring.Logf("skipping QC report, cannot read output: %v", err)
		return
	}
	paths, err := report.Write(p.Cfg.OutputDir, report.Data{Run: run, Input: input, Output: output})
	if err != nil {
		monitoring.Logf("failed to write QC report: %v", err)
		return
	}
	for _, path := range paths {
		monitoring.Logf("wrote QC artifact: %s", path)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
