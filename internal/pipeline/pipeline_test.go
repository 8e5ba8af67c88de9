package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khula-data/gambas/internal/api"
	"github.com/khula-data/gambas/internal/bids"
	"github.com/khula-data/gambas/internal/db"
	"github.com/khula-data/gambas/internal/device"
	"github.com/khula-data/gambas/internal/flywheel"
	"github.com/khula-data/gambas/internal/gear"
	"github.com/khula-data/gambas/internal/model"
	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/nifti"
	"github.com/khula-data/gambas/internal/timeutil"
)

// fakePlatform serves one session destination and records the shipping
// calls.
type fakePlatform struct {
	sessionScans map[string][]byte // file name -> content for the session

	analyses  []string // labels of created analyses
	uploads   []string // base names of uploaded files
	infoCalls []map[string]interface{}
}

func (f *fakePlatform) GetAnalysis(id string) (*flywheel.Container, error) {
	c := &flywheel.Container{ID: id, Type: flywheel.TypeAnalysis, Label: "gambas job"}
	c.Parent.ID = "s1"
	c.Parent.Type = flywheel.TypeSession
	return c, nil
}

func (f *fakePlatform) GetContainer(id string) (*flywheel.Container, error) {
	c := &flywheel.Container{ID: id, Type: flywheel.TypeSession, Label: "2025-06 baseline"}
	c.Parents.Project = "p1"
	c.Parents.Subject = "u1"
	return c, nil
}

func (f *fakePlatform) DownloadContainer(container *flywheel.Container, sourceDir string) (flywheel.Dataset, error) {
	dir := filepath.Join(sourceDir, "Khula", "sub001", "202506")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for name, data := range f.sessionScans {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nil, err
		}
	}
	return flywheel.Dataset{"sub001": {"202506": flywheel.SessionRef{Folder: dir, ID: "s1"}}}, nil
}

func (f *fakePlatform) CreateAnalysis(sessionID, label string) (string, error) {
	f.analyses = append(f.analyses, label)
	return fmt.Sprintf("a%d", len(f.analyses)), nil
}

func (f *fakePlatform) UpdateAnalysisInfo(analysisID string, info map[string]interface{}) error {
	f.infoCalls = append(f.infoCalls, info)
	return nil
}

func (f *fakePlatform) UploadOutput(analysisID, path string) error {
	f.uploads = append(f.uploads, filepath.Base(path))
	return nil
}

// blobBytes encodes a Gaussian blob volume as uncompressed NIfTI bytes.
func blobBytes(t *testing.T, nx, ny, nz int) []byte {
	t.Helper()
	v := blobVolume(nx, ny, nz)
	path := filepath.Join(t.TempDir(), "blob.nii")
	if err := nifti.Write(path, v); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func blobVolume(nx, ny, nz int) *nifti.Volume {
	v := nifti.NewVolume(nx, ny, nz, [3]float64{1, 1, 1})
	cx, cy, cz := float64(nx)/2, float64(ny)/2, float64(nz)/2
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				d := (float64(x)-cx)*(float64(x)-cx) +
					(float64(y)-cy)*(float64(y)-cy) +
					(float64(z)-cz)*(float64(z)-cz)
				v.Set(x, y, z, 100*math.Exp(-d/18))
			}
		}
	}
	return v
}

type testEnv struct {
	pipe     *Pipeline
	platform *fakePlatform
	database *db.DB
	cfg      *gear.Config
}

func newTestEnv(t *testing.T, platform *fakePlatform) *testEnv {
	t.Helper()
	origLog := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(origLog) })

	base := t.TempDir()
	cfg := &gear.Config{
		BaseDir:   base,
		InputDir:  filepath.Join(base, "input"),
		WorkDir:   filepath.Join(base, "work"),
		OutputDir: filepath.Join(base, "output"),
	}
	for _, dir := range []string{cfg.WorkDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	database, err := db.Open(filepath.Join(cfg.WorkDir, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.MigrateUp(); err != nil {
		t.Fatal(err)
	}

	// Zero weights make the generator an identity; the pipeline still
	// exercises registration, patching and blending around it.
	modelDir := t.TempDir()
	ckpt, err := model.RandomCheckpoint("i2i_mamba", [3]int{64, 64, 32}, func(int) float64 { return 0 })
	if err != nil {
		t.Fatal(err)
	}
	if err := model.SaveCheckpoint(modelDir, ckpt); err != nil {
		t.Fatal(err)
	}

	refPath := filepath.Join(t.TempDir(), "template.nii")
	if err := nifti.Write(refPath, blobVolume(16, 16, 8)); err != nil {
		t.Fatal(err)
	}

	manifest := &gear.Manifest{Name: "gambas", Version: "0.2.1"}
	manifest.Custom.GearBuilder.Image = "khula/gambas:0.2.1"

	pipe := &Pipeline{
		Client:        platform,
		DB:            database,
		Cfg:           cfg,
		Manifest:      manifest,
		Device:        device.Device{Kind: device.CUDA, Name: "test", IDs: "0"},
		Model:         "GAMBAS",
		Tracker:       api.NewTracker(),
		Clock:         timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		ReferencePath: refPath,
		ModelDir:      modelDir,
	}
	return &testEnv{pipe: pipe, platform: platform, database: database, cfg: cfg}
}

func TestRun_EndToEnd(t *testing.T) {
	platform := &fakePlatform{sessionScans: map[string][]byte{
		"T2w_AXI.nii.gz": blobBytes(t, 16, 16, 8),
	}}
	env := newTestEnv(t, platform)

	if err := env.pipe.Run(context.Background(), "dest1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The derivative landed in the BIDS derivatives tree with the model
	// suffix.
	layout := bids.NewLayout(env.cfg.WorkDir)
	outPath := filepath.Join(bids.AnatDir(layout.Derivatives(), "sub001", "202506"),
		"sub-sub001_ses-202506_acq-axi_T2w_gambas.nii.gz")
	out, err := nifti.Read(outPath)
	if err != nil {
		t.Fatalf("derivative missing: %v", err)
	}
	// Resampled to the trained resolution.
	if out.Spacing != [3]float64{1.5, 1.5, 5.0} {
		t.Errorf("derivative spacing = %v", out.Spacing)
	}

	// One analysis with the gear/version + timestamp label.
	if len(platform.analyses) != 1 {
		t.Fatalf("created %d analyses, want 1", len(platform.analyses))
	}
	if platform.analyses[0] != "gambas/0.2.1 20250601_12:00:00" {
		t.Errorf("analysis label = %q", platform.analyses[0])
	}

	// Raw input, derivative and session log all uploaded.
	wantUploads := map[string]bool{
		"sub-sub001_ses-202506_acq-axi_T2w.nii.gz":        false,
		"sub-sub001_ses-202506_acq-axi_T2w_gambas.nii.gz": false,
		"sub-sub001_ses-202506_log.txt":                   false,
	}
	for _, u := range platform.uploads {
		if _, ok := wantUploads[u]; !ok {
			t.Errorf("unexpected upload %q", u)
		}
		wantUploads[u] = true
	}
	for name, seen := range wantUploads {
		if !seen {
			t.Errorf("missing upload %q", name)
		}
	}

	// Analysis info carries the effective config and status.
	if len(platform.infoCalls) != 1 {
		t.Fatalf("info updated %d times, want 1", len(platform.infoCalls))
	}
	info := platform.infoCalls[0]
	if info["status"] != db.StatusSuccess || info["gear"] != "gambas" {
		t.Errorf("analysis info = %v", info)
	}
	if info["stride_inplane"] != 32 {
		t.Errorf("info stride_inplane = %v", info["stride_inplane"])
	}

	// The run record is finished as success with its files.
	runs, err := env.database.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(runs))
	}
	if runs[0].Status != db.StatusSuccess || runs[0].Model != "GAMBAS" || runs[0].NetG != "i2i_mamba" {
		t.Errorf("run = %+v", runs[0])
	}
	files, err := env.database.RunFiles(runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]int{}
	for _, f := range files {
		kinds[f.Kind]++
	}
	if kinds["raw"] != 1 || kinds["derived"] != 1 || kinds["log"] != 1 {
		t.Errorf("file kinds = %v", kinds)
	}

	// QC artifacts in the gear output dir.
	for _, name := range []string{"sub-sub001_ses-202506_qc.html", "sub-sub001_ses-202506_slice.png"} {
		if _, err := os.Stat(filepath.Join(env.cfg.OutputDir, name)); err != nil {
			t.Errorf("QC artifact missing: %v", err)
		}
	}

	// The session log captured the processing steps.
	logData, err := os.ReadFile(filepath.Join(env.cfg.WorkDir, "sub-sub001_ses-202506_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logData), "running inference for sub001-202506") {
		t.Errorf("session log missing inference line:\n%s", logData)
	}

	if got := env.pipe.Tracker.Snapshot(); got.Stage != "done" || got.Completed != 1 {
		t.Errorf("final progress = %+v", got)
	}
}

func TestRun_SessionWithoutInputs(t *testing.T) {
	// The session folder holds no usable scans; the session is skipped
	// without a run record or an analysis.
	platform := &fakePlatform{sessionScans: map[string][]byte{
		"notes.txt": []byte("not a scan"),
	}}
	env := newTestEnv(t, platform)

	if err := env.pipe.Run(context.Background(), "dest1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(platform.analyses) != 0 {
		t.Errorf("created %d analyses for an empty session", len(platform.analyses))
	}
	runs, err := env.database.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("recorded %d runs for an empty session", len(runs))
	}
}

func TestRun_FailedSessionDeletesRaws(t *testing.T) {
	platform := &fakePlatform{sessionScans: map[string][]byte{
		"T2w_AXI.nii.gz": blobBytes(t, 16, 16, 8),
	}}
	env := newTestEnv(t, platform)
	// Break inference by pointing at an empty checkpoint dir.
	env.pipe.ModelDir = t.TempDir()

	if err := env.pipe.Run(context.Background(), "dest1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The imported raw file is deleted when no derivative was produced.
	layout := bids.NewLayout(env.cfg.WorkDir)
	rawPath := filepath.Join(bids.AnatDir(layout.RawData(), "sub001", "202506"),
		"sub-sub001_ses-202506_acq-axi_T2w.nii.gz")
	if _, err := os.Stat(rawPath); err == nil {
		t.Error("raw input survived a failed session")
	}

	// The run is recorded as failed; only the log is shipped.
	runs, err := env.database.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != db.StatusFailed {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Note == nil || !strings.Contains(*runs[0].Note, "No derived outputs") {
		t.Errorf("note = %v", runs[0].Note)
	}
	for _, u := range platform.uploads {
		if !strings.HasSuffix(u, "_log.txt") {
			t.Errorf("failed session uploaded %q", u)
		}
	}
	if len(platform.infoCalls) != 1 || platform.infoCalls[0]["status"] != db.StatusFailed {
		t.Errorf("info calls = %v", platform.infoCalls)
	}
}

func TestRun_SkipUpload(t *testing.T) {
	platform := &fakePlatform{sessionScans: map[string][]byte{
		"T2w_AXI.nii.gz": blobBytes(t, 16, 16, 8),
	}}
	env := newTestEnv(t, platform)
	env.pipe.SkipUpload = true

	if err := env.pipe.Run(context.Background(), "dest1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(platform.analyses) != 0 || len(platform.uploads) != 0 {
		t.Error("dev mode still shipped outputs")
	}
	// The run is still recorded locally.
	runs, err := env.database.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != db.StatusSuccess {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	platform := &fakePlatform{sessionScans: map[string][]byte{
		"T2w_AXI.nii.gz": blobBytes(t, 16, 16, 8),
	}}
	env := newTestEnv(t, platform)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.pipe.Run(ctx, "dest1"); err == nil {
		t.Error("expected error for cancelled context")
	}
}
