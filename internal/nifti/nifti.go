// Package nifti reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz)
// and provides the geometry operations the inference pipeline needs:
// trilinear resampling and percentile intensity normalisation.
package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

// NIfTI-1 datatype codes (subset the gear accepts).
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
)

const headerSize = 348

var (
	ErrBadMagic    = errors.New("nifti: bad magic, not a NIfTI-1 single file")
	ErrBadDatatype = errors.New("nifti: unsupported datatype")
	ErrBadDims     = errors.New("nifti: volume must be 3-dimensional")
)

// Header is the on-disk NIfTI-1 header. Field order and sizes match the
// 348-byte layout exactly so it can be read and written with encoding/binary.
type Header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XyztUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// Volume is a 3D image. Voxels are stored x-fastest (NIfTI order) as
// float64 regardless of the on-disk datatype; scl_slope/scl_inter are
// applied on read.
type Volume struct {
	Nx, Ny, Nz int
	Spacing    [3]float64 // voxel size in mm
	Origin     [3]float64 // world position of voxel (0,0,0)
	Descrip    string
	Data       []float64
}

// NewVolume allocates a zero-filled volume with the given shape and spacing.
func NewVolume(nx, ny, nz int, spacing [3]float64) *Volume {
	return &Volume{
		Nx:      nx,
		Ny:      ny,
		Nz:      nz,
		Spacing: spacing,
		Data:    make([]float64, nx*ny*nz),
	}
}

func (v *Volume) index(x, y, z int) int { return x + v.Nx*(y+v.Ny*z) }

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 { return v.Data[v.index(x, y, z)] }

// Set assigns the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) { v.Data[v.index(x, y, z)] = val }

// Len returns the number of voxels.
func (v *Volume) Len() int { return v.Nx * v.Ny * v.Nz }

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// Read opens a .nii or .nii.gz file and decodes it into a Volume.
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	// Peek for the gzip magic rather than trusting the extension; Flywheel
	// stores both compressed and uncompressed files under .nii.gz names.
	br := make([]byte, 2)
	if _, err := io.ReadFull(f, br); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if br[0] == 0x1f && br[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return vol, nil
}

// Decode reads an uncompressed NIfTI-1 stream.
func Decode(r io.Reader) (*Volume, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if hdr.SizeofHdr != headerSize {
		return nil, fmt.Errorf("%w: sizeof_hdr = %d", ErrBadMagic, hdr.SizeofHdr)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, ErrBadMagic
	}
	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("%w: dim[0] = %d", ErrBadDims, ndim)
	}
	// Trailing singleton dimensions (a 4th dim of 1 is common) are accepted.
	for i := 4; i <= ndim; i++ {
		if hdr.Dim[i] > 1 {
			return nil, fmt.Errorf("%w: dim[%d] = %d", ErrBadDims, i, hdr.Dim[i])
		}
	}

	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("%w: shape %dx%dx%d", ErrBadDims, nx, ny, nz)
	}

	// Skip any header extension up to vox_offset.
	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		skip = 4 // default single-file offset is 352
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("failed to skip header extension: %w", err)
	}

	n := nx * ny * nz
	data := make([]float64, n)
	if err := readVoxels(r, hdr.Datatype, data); err != nil {
		return nil, err
	}

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &Volume{
		Nx:      nx,
		Ny:      ny,
		Nz:      nz,
		Spacing: [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])},
		Descrip: cString(hdr.Descrip[:]),
		Data:    data,
	}
	if hdr.SformCode > 0 {
		vol.Origin = [3]float64{float64(hdr.SrowX[3]), float64(hdr.SrowY[3]), float64(hdr.SrowZ[3])}
	} else {
		vol.Origin = [3]float64{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}
	}
	for i, s := range vol.Spacing {
		if s <= 0 {
			vol.Spacing[i] = 1
		}
	}
	return vol, nil
}

func readVoxels(r io.Reader, datatype int16, out []float64) error {
	switch datatype {
	case DTUint8:
		buf := make([]byte, len(out))
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, b := range buf {
			out[i] = float64(b)
		}
	case DTInt16:
		buf := make([]int16, len(out))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, len(out))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, len(out))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat64:
		if err := binary.Read(r, binary.LittleEndian, out); err != nil {
			return fmt.Errorf("failed to read voxel data: %w", err)
		}
	default:
		return fmt.Errorf("%w: code %d", ErrBadDatatype, datatype)
	}
	return nil
}

// createFile is swapped in tests to exercise write failures at close time.
var createFile = func(path string) (io.WriteCloser, error) { return os.Create(path) }

// Write encodes the volume as float32 NIfTI-1, gzip-compressed when the
// path ends in .gz.
func Write(path string, v *Volume) error {
	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if err := Encode(w, v); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	// A close failure means the file is truncated; it must not be shipped.
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to flush %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// Encode writes the volume to w as an uncompressed NIfTI-1 stream.
func Encode(w io.Writer, v *Volume) error {
	hdr := Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		XyztUnits: 2, // millimetres
		SformCode: 1,
	}
	hdr.Dim[0] = 3
	hdr.Dim[1], hdr.Dim[2], hdr.Dim[3] = int16(v.Nx), int16(v.Ny), int16(v.Nz)
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[0] = 1
	hdr.Pixdim[1] = float32(v.Spacing[0])
	hdr.Pixdim[2] = float32(v.Spacing[1])
	hdr.Pixdim[3] = float32(v.Spacing[2])
	hdr.SrowX = [4]float32{float32(v.Spacing[0]), 0, 0, float32(v.Origin[0])}
	hdr.SrowY = [4]float32{0, float32(v.Spacing[1]), 0, float32(v.Origin[1])}
	hdr.SrowZ = [4]float32{0, 0, float32(v.Spacing[2]), float32(v.Origin[2])}
	copy(hdr.Descrip[:], v.Descrip)
	copy(hdr.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Pad to vox_offset.
	if _, err := w.Write(make([]byte, 4)); err != nil {
		return err
	}
	buf := make([]float32, len(v.Data))
	for i, val := range v.Data {
		buf[i] = float32(val)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

// Interp samples the volume at a fractional voxel coordinate using
// trilinear interpolation. Coordinates outside the volume clamp to the
// nearest edge voxel.
func (v *Volume) Interp(x, y, z float64) float64 {
	x = clampF(x, 0, float64(v.Nx-1))
	y = clampF(y, 0, float64(v.Ny-1))
	z = clampF(z, 0, float64(v.Nz-1))

	x0, y0, z0 := int(x), int(y), int(z)
	x1, y1, z1 := minInt(x0+1, v.Nx-1), minInt(y0+1, v.Ny-1), minInt(z0+1, v.Nz-1)
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)

	c000 := v.At(x0, y0, z0)
	c100 := v.At(x1, y0, z0)
	c010 := v.At(x0, y1, z0)
	c110 := v.At(x1, y1, z0)
	c001 := v.At(x0, y0, z1)
	c101 := v.At(x1, y0, z1)
	c011 := v.At(x0, y1, z1)
	c111 := v.At(x1, y1, z1)

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

// Resample returns the volume resampled to a new voxel spacing. The field
// of view is preserved; the shape changes accordingly.
func Resample(v *Volume, spacing [3]float64) (*Volume, error) {
	for _, s := range spacing {
		if s <= 0 {
			return nil, fmt.Errorf("nifti: invalid target spacing %v", spacing)
		}
	}
	nx := maxInt(1, int(math.Round(float64(v.Nx)*v.Spacing[0]/spacing[0])))
	ny := maxInt(1, int(math.Round(float64(v.Ny)*v.Spacing[1]/spacing[1])))
	nz := maxInt(1, int(math.Round(float64(v.Nz)*v.Spacing[2]/spacing[2])))

	out := NewVolume(nx, ny, nz, spacing)
	out.Origin = v.Origin
	out.Descrip = v.Descrip
	sx := spacing[0] / v.Spacing[0]
	sy := spacing[1] / v.Spacing[1]
	sz := spacing[2] / v.Spacing[2]
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				out.Set(x, y, z, v.Interp(float64(x)*sx, float64(y)*sy, float64(z)*sz))
			}
		}
	}
	return out, nil
}

// ResampleToGrid resamples v onto the voxel grid of ref, applying an
// additional translation (in voxels of ref) before sampling.
func ResampleToGrid(v, ref *Volume, shift [3]float64) *Volume {
	out := NewVolume(ref.Nx, ref.Ny, ref.Nz, ref.Spacing)
	out.Origin = ref.Origin
	out.Descrip = v.Descrip
	sx := ref.Spacing[0] / v.Spacing[0]
	sy := ref.Spacing[1] / v.Spacing[1]
	sz := ref.Spacing[2] / v.Spacing[2]
	for z := 0; z < out.Nz; z++ {
		for y := 0; y < out.Ny; y++ {
			for x := 0; x < out.Nx; x++ {
				out.Set(x, y, z, v.Interp(
					(float64(x)+shift[0])*sx,
					(float64(y)+shift[1])*sy,
					(float64(z)+shift[2])*sz,
				))
			}
		}
	}
	return out
}

// Percentile returns the p-th percentile (0..100) of the voxel values.
func Percentile(v *Volume, p float64) float64 {
	if v.Len() == 0 {
		return 0
	}
	sorted := make([]float64, len(v.Data))
	copy(sorted, v.Data)
	sort.Float64s(sorted)
	idx := p / 100 * float64(len(sorted)-1)
	lo := int(idx)
	hi := minInt(lo+1, len(sorted)-1)
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// NormalizeIntensity rescales the volume to [-1, 1] using the given
// percentile window, the range the generators were trained on. It returns
// the window so the inverse can be applied after inference.
func NormalizeIntensity(v *Volume, pLow, pHigh float64) (lo, hi float64) {
	lo = Percentile(v, pLow)
	hi = Percentile(v, pHigh)
	if hi <= lo {
		hi = lo + 1
	}
	for i, val := range v.Data {
		val = (val-lo)/(hi-lo)*2 - 1
		v.Data[i] = clampF(val, -1, 1)
	}
	return lo, hi
}

// DenormalizeIntensity maps values in [-1, 1] back to the original window.
func DenormalizeIntensity(v *Volume, lo, hi float64) {
	for i, val := range v.Data {
		v.Data[i] = (val+1)/2*(hi-lo) + lo
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
