package bids

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSubjectLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"sub-001", "sub001"},
		{"khula_123", "khula123"},
		{"A B-C_D", "ABCD"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := SubjectLabel(tt.in); got != tt.want {
			t.Errorf("SubjectLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSessionLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2025-06-01 followup", "20250601"},
		{"ses_01", "ses01"},
		{"  leading spaced", "leading"},
		{"single", "single"},
	}
	for _, tt := range tests {
		if got := SessionLabel(tt.in); got != tt.want {
			t.Errorf("SessionLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProjectLabel(t *testing.T) {
	if got := ProjectLabel("Khula-SA Study"); got != "Khula_SAStudy" {
		t.Errorf("ProjectLabel = %q", got)
	}
}

func TestDedupSessionLabel(t *testing.T) {
	seen := map[string]bool{}
	labels := []string{"2025", "2025", "2025", "other"}
	var got []string
	for _, l := range labels {
		d := DedupSessionLabel(l, seen)
		seen[d] = true
		got = append(got, d)
	}
	want := []string{"2025", "2025a", "2025b", "other"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dedup mismatch (-want +got):\n%s", diff)
	}
}

func TestDedupSessionLabel_ManyCollisions(t *testing.T) {
	// A subject with more identical session labels than the alphabet has
	// letters rolls into two-letter suffixes.
	seen := map[string]bool{}
	var got []string
	for i := 0; i < 30; i++ {
		d := DedupSessionLabel("2025", seen)
		if seen[d] {
			t.Fatalf("duplicate label %q at collision %d", d, i)
		}
		seen[d] = true
		got = append(got, d)
	}
	if got[26] != "2025z" {
		t.Errorf("26th duplicate = %q, want 2025z", got[26])
	}
	if got[27] != "2025aa" {
		t.Errorf("27th duplicate = %q, want 2025aa", got[27])
	}
	if got[29] != "2025ac" {
		t.Errorf("last duplicate = %q, want 2025ac", got[29])
	}
}

func TestLayoutSetup(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)
	if err := l.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	for _, dir := range []string{l.SourceData(), l.RawData(), l.Derivatives()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}

func TestParseEntitiesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		want Entities
	}{
		{
			"sub-01_ses-2025_acq-axi_T2w.nii.gz",
			Entities{Subject: "01", Session: "2025", Acquisition: "axi", Suffix: "T2w", Extension: ".nii.gz"},
		},
		{
			"sub-khula123_ses-a_T2w.nii",
			Entities{Subject: "khula123", Session: "a", Suffix: "T2w", Extension: ".nii"},
		},
	}
	for _, tt := range tests {
		got, err := ParseEntities(tt.name)
		if err != nil {
			t.Fatalf("ParseEntities(%q) failed: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseEntities(%q) mismatch (-want +got):\n%s", tt.name, diff)
		}
		if back := got.Basename(); back != tt.name {
			t.Errorf("Basename = %q, want %q", back, tt.name)
		}
	}

	if _, err := ParseEntities("random_file.nii.gz"); err == nil {
		t.Error("expected error for non-BIDS name")
	}
}

func TestDerivativeBasename(t *testing.T) {
	got, err := DerivativeBasename("sub-01_ses-a_acq-axi_T2w.nii.gz", "GAMBAS")
	if err != nil {
		t.Fatalf("DerivativeBasename failed: %v", err)
	}
	if got != "sub-01_ses-a_acq-axi_T2w_gambas.nii.gz" {
		t.Errorf("GAMBAS name = %q", got)
	}

	got, err = DerivativeBasename("sub-01_ses-a_acq-axi_T2w.nii.gz", "ResCNN")
	if err != nil {
		t.Fatalf("DerivativeBasename failed: %v", err)
	}
	if got != "sub-01_ses-a_acq-axi_T2w_ResCNN.nii.gz" {
		t.Errorf("ResCNN name = %q", got)
	}

	if _, err := DerivativeBasename("scan.dcm", "GAMBAS"); err == nil {
		t.Error("expected error for non-NIfTI input")
	}
}

func TestIsInputScan(t *testing.T) {
	tests := []struct {
		name     string
		fileType string
		want     bool
	}{
		{"T2w_AXI.nii.gz", "nifti", true},
		{"T2_sag_fast.nii.gz", "nifti", true},
		{"T2 COR.nii.gz", "source code", true},
		{"T2w_AXI.nii.gz", "dicom", false},
		{"T1w_AXI.nii.gz", "nifti", false},
		{"T2w.nii.gz", "nifti", false},
		{"T2w_AXI_mapping.nii.gz", "nifti", false},
		{"T2w_sag_Align.nii.gz", "nifti", false},
		{"T2w_cor_brain.nii.gz", "nifti", false},
	}
	for _, tt := range tests {
		if got := IsInputScan(tt.name, tt.fileType); got != tt.want {
			t.Errorf("IsInputScan(%q, %q) = %v, want %v", tt.name, tt.fileType, got, tt.want)
		}
	}
}

func TestOrientation(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"T2w_AXI.nii.gz", "axi"},
		{"t2_SAG.nii.gz", "sag"},
		{"T2-Cor_fast.nii.gz", "cor"},
		{"T2w.nii.gz", ""},
	}
	for _, tt := range tests {
		if got := Orientation(tt.in); got != tt.want {
			t.Errorf("Orientation(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestImportSession(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)
	if err := l.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	src := filepath.Join(root, "sourcedata", "proj", "sub01", "ses01")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"T2w_AXI.nii.gz",
		"T2w_AXI_repeat.nii.gz",
		"T2w_SAG.nii.gz",
		"notes.txt",
		"T1w_plain.nii.gz",
	} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	imported, err := ImportSession(l, src, "01", "2025")
	if err != nil {
		t.Fatalf("ImportSession failed: %v", err)
	}
	var names []string
	for _, p := range imported {
		names = append(names, filepath.Base(p))
	}
	want := []string{
		"sub-01_ses-2025_acq-axi_T2w.nii.gz",
		"sub-01_ses-2025_acq-axia_T2w.nii.gz",
		"sub-01_ses-2025_acq-sag_T2w.nii.gz",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("imported names mismatch (-want +got):\n%s", diff)
	}
	for _, p := range imported {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("imported file missing: %v", err)
		}
	}
}

func TestInputScans(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)

	dir := AnatDir(l.RawData(), "01", "a")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"sub-01_ses-a_acq-axi_T2w.nii.gz",
		"sub-01_ses-a_acq-sag_T2w.nii.gz",
		"sub-01_ses-a_acq-saga_T2w.nii.gz",
		"stray.json",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	scans, err := InputScans(l, "01", "a")
	if err != nil {
		t.Fatalf("InputScans failed: %v", err)
	}
	if len(scans["axi"]) != 1 || len(scans["sag"]) != 2 {
		t.Errorf("scan groups = %v", scans)
	}

	// Missing session yields an empty map rather than an error.
	empty, err := InputScans(l, "01", "missing")
	if err != nil {
		t.Fatalf("InputScans on missing session: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no scans, got %v", empty)
	}
}

func TestOutputBasename(t *testing.T) {
	dir := t.TempDir()
	if _, err := OutputBasename(dir, "GAMBAS"); err == nil {
		t.Error("expected error for empty dir")
	}
	if err := os.WriteFile(filepath.Join(dir, "sub-01_ses-a_acq-axi_T2w.nii.gz"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := OutputBasename(dir, "GAMBAS")
	if err != nil {
		t.Fatalf("OutputBasename failed: %v", err)
	}
	if got != "sub-01_ses-a_acq-axi_T2w_gambas.nii.gz" {
		t.Errorf("OutputBasename = %q", got)
	}
}
