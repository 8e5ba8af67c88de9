package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain file", filepath.Join(dir, "scan.nii.gz"), false},
		{"nested file", filepath.Join(dir, "anat", "scan.nii.gz"), false},
		{"dot components", filepath.Join(dir, "anat", "..", "scan.nii.gz"), false},
		{"parent escape", filepath.Join(dir, "..", "outside.txt"), true},
		{"deep escape", filepath.Join(dir, "..", "..", "etc", "passwd"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q, %q) error = %v, wantErr %v",
					tt.path, dir, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithinDirectory_ServerName(t *testing.T) {
	dir := t.TempDir()

	// Shape of the real call: a session folder joined with a file name
	// taken from an API response.
	if err := ValidatePathWithinDirectory(filepath.Join(dir, "T2w_axi.nii.gz"), dir); err != nil {
		t.Errorf("legitimate download name rejected: %v", err)
	}
	if err := ValidatePathWithinDirectory(filepath.Join(dir, "../escape.nii.gz"), dir); err == nil {
		t.Error("traversal name accepted")
	}
}

func TestValidatePathWithinDirectory_SymlinkedParent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink test not applicable on windows")
	}
	base := t.TempDir()
	outside := filepath.Join(base, "outside")
	safe := filepath.Join(base, "safe")
	for _, d := range []string{outside, safe} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	link := filepath.Join(safe, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	// A not-yet-existing file under a symlink that points outside the
	// safe directory must be rejected.
	if err := ValidatePathWithinDirectory(filepath.Join(link, "new.nii.gz"), safe); err == nil {
		t.Error("symlinked escape accepted")
	}
}
