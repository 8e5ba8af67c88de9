// Package bids implements the subset of the Brain Imaging Data Structure
// conventions the gear relies on: label sanitisation, the
// sourcedata/rawdata/derivatives work tree, entity filenames and
// derivative output naming.
package bids

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrNoNIfTI = errors.New("bids: no NIfTI files found")

// lowercase alphabet used to dedup session labels within a subject.
const alphabet = "abcdefghijklmnopqrstuvwxyz"

// SubjectLabel forces BIDS compliance on a Flywheel subject label by
// removing dashes, underscores and spaces.
func SubjectLabel(label string) string {
	r := strings.NewReplacer("-", "", " ", "", "_", "")
	return r.Replace(label)
}

// SessionLabel keeps the first whitespace-separated token of a Flywheel
// session label and removes dashes and underscores.
func SessionLabel(label string) string {
	fields := strings.Fields(label)
	if len(fields) > 0 {
		label = fields[0]
	}
	r := strings.NewReplacer("-", "", "_", "")
	return r.Replace(label)
}

// ProjectLabel maps a Flywheel project label to a filesystem-safe name:
// dashes become underscores, spaces are dropped.
func ProjectLabel(label string) string {
	r := strings.NewReplacer("-", "_", " ", "")
	return r.Replace(label)
}

// DedupSessionLabel appends a letter suffix when label already exists in
// seen, so two sessions named identically inside one subject do not
// collide ("2025" -> "2025a", "2025b", ...). Past "z" the suffix grows a
// letter ("aa", "ab", ...).
func DedupSessionLabel(label string, seen map[string]bool) string {
	out := label
	for i := 0; seen[out]; i++ {
		out = label + letterSuffix(i)
	}
	return out
}

// letterSuffix maps 0.. to "a".."z", "aa", "ab", ... (spreadsheet-column
// style).
func letterSuffix(i int) string {
	var b []byte
	for i >= 0 {
		b = append([]byte{alphabet[i%len(alphabet)]}, b...)
		i = i/len(alphabet) - 1
	}
	return string(b)
}

// Layout describes the work tree the gear builds under its work dir.
type Layout struct {
	Root string
}

func NewLayout(root string) *Layout { return &Layout{Root: root} }

// SourceData returns the path holding files as downloaded from Flywheel.
func (l *Layout) SourceData() string { return filepath.Join(l.Root, "sourcedata") }

// RawData returns the BIDS rawdata root.
func (l *Layout) RawData() string { return filepath.Join(l.Root, "rawdata") }

// Derivatives returns the BIDS derivatives root.
func (l *Layout) Derivatives() string { return filepath.Join(l.Root, "derivatives") }

// AnatDir returns the anat folder for a subject/session under root
// (rawdata or derivatives).
func AnatDir(root, sub, ses string) string {
	return filepath.Join(root, "sub-"+sub, "ses-"+ses, "anat")
}

// Setup creates the three top-level directories.
func (l *Layout) Setup() error {
	for _, dir := range []string{l.SourceData(), l.RawData(), l.Derivatives()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create BIDS directory %s: %w", dir, err)
		}
	}
	return nil
}

// Entities are the BIDS filename components the gear reads and writes.
type Entities struct {
	Subject     string
	Session     string
	Acquisition string
	Suffix      string // e.g. "T2w"
	Extension   string // ".nii.gz"
}

var entityRe = regexp.MustCompile(`^sub-([a-zA-Z0-9]+)_ses-([a-zA-Z0-9]+)(?:_acq-([a-zA-Z0-9]+))?_([a-zA-Z0-9]+)\.(nii(?:\.gz)?)$`)

// ParseEntities decodes a BIDS basename like
// sub-01_ses-2025_acq-axi_T2w.nii.gz.
func ParseEntities(basename string) (Entities, error) {
	m := entityRe.FindStringSubmatch(basename)
	if m == nil {
		return Entities{}, fmt.Errorf("bids: %q is not a valid BIDS anat filename", basename)
	}
	return Entities{
		Subject:     m[1],
		Session:     m[2],
		Acquisition: m[3],
		Suffix:      m[4],
		Extension:   "." + m[5],
	}, nil
}

// Basename renders the entities back into a BIDS filename.
func (e Entities) Basename() string {
	var b strings.Builder
	b.WriteString("sub-" + e.Subject)
	b.WriteString("_ses-" + e.Session)
	if e.Acquisition != "" {
		b.WriteString("_acq-" + e.Acquisition)
	}
	b.WriteString("_" + e.Suffix)
	b.WriteString(e.Extension)
	return b.String()
}

// DerivativeBasename inserts the model suffix before the .nii.gz extension
// of basename: GAMBAS outputs get "_gambas", everything else "_ResCNN".
func DerivativeBasename(basename, model string) (string, error) {
	suffix := "_ResCNN.nii.gz"
	if model == "GAMBAS" {
		suffix = "_gambas.nii.gz"
	}
	if !strings.HasSuffix(basename, ".nii.gz") {
		return "", fmt.Errorf("bids: unsupported file type for %q", basename)
	}
	return strings.TrimSuffix(basename, ".nii.gz") + suffix, nil
}

// OutputBasename finds the first NIfTI file in dir and returns its
// derivative name for the given model.
func OutputBasename(dir, model string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.nii.gz"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoNIfTI, dir)
	}
	return DerivativeBasename(filepath.Base(matches[0]), model)
}

// orientation tokens accepted in scan names.
var orientations = []string{"axi", "sag", "cor"}

// exclusions knock out derived or secondary series that carry T2 in their
// names but are not inputs (mapping sequences, aligned repeats, brain
// extractions).
var exclusions = []string{"mapping", "align", "brain"}

// IsInputScan reports whether a Flywheel file should be downloaded as a
// model input: NIfTI (or exported source) files whose name carries T2 and
// an orientation token, minus the exclusion list.
func IsInputScan(name, fileType string) bool {
	if fileType != "nifti" && fileType != "source code" {
		return false
	}
	if !strings.Contains(name, "T2") {
		return false
	}
	lower := strings.ToLower(name)
	hasOrient := false
	for _, o := range orientations {
		if strings.Contains(lower, o) {
			hasOrient = true
			break
		}
	}
	if !hasOrient {
		return false
	}
	for _, x := range exclusions {
		if strings.Contains(lower, x) {
			return false
		}
	}
	return true
}

// Orientation extracts the orientation token from a scan name, or "".
func Orientation(name string) string {
	lower := strings.ToLower(name)
	for _, o := range orientations {
		if strings.Contains(lower, o) {
			return o
		}
	}
	return ""
}

// InputScans lists the NIfTI inputs in the rawdata anat folder for a
// subject/session, grouped by orientation. Order within a group follows
// the directory listing.
func InputScans(l *Layout, sub, ses string) (map[string][]string, error) {
	dir := AnatDir(l.RawData(), sub, ses)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	out := map[string][]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".nii.gz") {
			continue
		}
		o := Orientation(e.Name())
		if o == "" {
			continue
		}
		out[o] = append(out[o], filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// ImportSession moves the downloaded NIfTI files of one session from
// sourcedata into the rawdata anat folder under BIDS entity names. The
// original gear delegates DICOM conversion to dcm2bids; this import covers
// the NIfTI-export path (skip_dcm2niix) which is the only one the
// low-field scanners produce.
func ImportSession(l *Layout, srcDir, sub, ses string) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list session folder %s: %w", srcDir, err)
	}
	dst := AnatDir(l.RawData(), sub, ses)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	var imported []string
	used := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".nii.gz") {
			continue
		}
		o := Orientation(e.Name())
		if o == "" {
			continue
		}
		ent := Entities{Subject: sub, Session: ses, Acquisition: o, Suffix: "T2w", Extension: ".nii.gz"}
		name := ent.Basename()
		// A session can hold repeat acquisitions in the same orientation;
		// keep them apart with a run-style letter on the acq entity.
		for i := 0; used[name]; i++ {
			ent.Acquisition = o + string(alphabet[i%len(alphabet)])
			name = ent.Basename()
		}
		used[name] = true

		src := filepath.Join(srcDir, e.Name())
		target := filepath.Join(dst, name)
		if err := copyFile(src, target); err != nil {
			return nil, fmt.Errorf("failed to import %s: %w", e.Name(), err)
		}
		imported = append(imported, target)
	}
	return imported, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
