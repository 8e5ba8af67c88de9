package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/khula-data/gambas/internal/gear"
)

// Architecture constants for the shipped GAMBAS generator. The checkpoint
// must have been exported for the same geometry.
const (
	embedDim  = 96
	numHeads  = 4
	numBlocks = 6
	ffHidden  = 2 * embedDim
)

func init() {
	register("i2i_mamba", func(shape [3]int) Generator {
		return newResidualTransformer(shape)
	})
}

// residualTransformer is the 3D residual transformer behind the GAMBAS
// model. A patch is cut into cubic token blocks, linearly embedded, run
// through pre-norm attention/feed-forward blocks with residual
// connections, decoded back to voxel space and added to the input (the
// long image-to-image skip), so the network predicts a residual on top of
// the low-field input.
type residualTransformer struct {
	shape  [3]int
	block  [3]int // token block edge lengths
	tokens int
	tokDim int // voxels per token block

	embedW *mat.Dense // tokDim x embedDim
	embedB []float64
	blocks []*transformerBlock
	headW  *mat.Dense // embedDim x tokDim
	headB  []float64

	ready bool
}

type transformerBlock struct {
	ln1g, ln1b []float64
	wq, wk     *mat.Dense // embedDim x embedDim
	wv, wo     *mat.Dense
	ln2g, ln2b []float64
	ffW1       *mat.Dense // embedDim x ffHidden
	ffB1       []float64
	ffW2       *mat.Dense // ffHidden x embedDim
	ffB2       []float64
}

func newResidualTransformer(shape [3]int) *residualTransformer {
	var block [3]int
	for i, n := range shape {
		block[i] = tokenEdge(n)
	}
	tokens := (shape[0] / block[0]) * (shape[1] / block[1]) * (shape[2] / block[2])
	return &residualTransformer{
		shape:  shape,
		block:  block,
		tokens: tokens,
		tokDim: block[0] * block[1] * block[2],
	}
}

// tokenEdge picks the largest power-of-two block edge up to 8 dividing n.
func tokenEdge(n int) int {
	for _, e := range []int{8, 4, 2} {
		if n%e == 0 {
			return e
		}
	}
	return 1
}

func (t *residualTransformer) Name() string       { return "i2i_mamba" }
func (t *residualTransformer) PatchShape() [3]int { return t.shape }

// Setup loads the transformer weights from the checkpoint selected by the
// options.
func (t *residualTransformer) Setup(opt *gear.Options) error {
	ckpt, err := LoadCheckpoint(opt.ModelDir, opt.WhichEpoch, t.Name())
	if err != nil {
		return err
	}
	return t.load(ckpt)
}

func (t *residualTransformer) load(ckpt *Checkpoint) error {
	var err error
	if t.embedW, err = denseParam(ckpt, "embed.w", t.tokDim, embedDim); err != nil {
		return err
	}
	if t.embedB, err = ckpt.param("embed.b", embedDim); err != nil {
		return err
	}
	t.blocks = make([]*transformerBlock, numBlocks)
	for i := range t.blocks {
		b := &transformerBlock{}
		prefix := fmt.Sprintf("blocks.%d.", i)
		if b.ln1g, err = ckpt.param(prefix+"ln1.g", embedDim); err != nil {
			return err
		}
		if b.ln1b, err = ckpt.param(prefix+"ln1.b", embedDim); err != nil {
			return err
		}
		if b.wq, err = denseParam(ckpt, prefix+"attn.wq", embedDim, embedDim); err != nil {
			return err
		}
		if b.wk, err = denseParam(ckpt, prefix+"attn.wk", embedDim, embedDim); err != nil {
			return err
		}
		if b.wv, err = denseParam(ckpt, prefix+"attn.wv", embedDim, embedDim); err != nil {
			return err
		}
		if b.wo, err = denseParam(ckpt, prefix+"attn.wo", embedDim, embedDim); err != nil {
			return err
		}
		if b.ln2g, err = ckpt.param(prefix+"ln2.g", embedDim); err != nil {
			return err
		}
		if b.ln2b, err = ckpt.param(prefix+"ln2.b", embedDim); err != nil {
			return err
		}
		if b.ffW1, err = denseParam(ckpt, prefix+"ff.w1", embedDim, ffHidden); err != nil {
			return err
		}
		if b.ffB1, err = ckpt.param(prefix+"ff.b1", ffHidden); err != nil {
			return err
		}
		if b.ffW2, err = denseParam(ckpt, prefix+"ff.w2", ffHidden, embedDim); err != nil {
			return err
		}
		if b.ffB2, err = ckpt.param(prefix+"ff.b2", embedDim); err != nil {
			return err
		}
		t.blocks[i] = b
	}
	if t.headW, err = denseParam(ckpt, "head.w", embedDim, t.tokDim); err != nil {
		return err
	}
	if t.headB, err = ckpt.param("head.b", t.tokDim); err != nil {
		return err
	}
	t.ready = true
	return nil
}

func denseParam(ckpt *Checkpoint, name string, rows, cols int) (*mat.Dense, error) {
	data, err := ckpt.param(name, rows*cols)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(rows, cols, data), nil
}

// Forward runs one patch through the network.
func (t *residualTransformer) Forward(patch []float64) ([]float64, error) {
	if !t.ready {
		return nil, fmt.Errorf("model: %s generator used before Setup", t.Name())
	}
	want := t.shape[0] * t.shape[1] * t.shape[2]
	if len(patch) != want {
		return nil, fmt.Errorf("model: patch has %d voxels, want %d", len(patch), want)
	}

	// Tokenise: one row per block, x-fastest within the block.
	x := mat.NewDense(t.tokens, t.tokDim, nil)
	t.scatterGather(patch, x, true)

	// Embed.
	var h mat.Dense
	h.Mul(x, t.embedW)
	addRowVector(&h, t.embedB)

	for _, b := range t.blocks {
		b.forward(&h)
	}

	// Decode back to voxel space.
	var out mat.Dense
	out.Mul(&h, t.headW)
	addRowVector(&out, t.headB)

	result := make([]float64, want)
	copy(result, patch) // long skip: predict a residual on the input
	t.scatterGather(result, &out, false)
	return result, nil
}

// scatterGather moves voxels between a flat patch buffer and the token
// matrix. gather=true fills rows of m from the patch; gather=false adds
// rows of m into the patch.
func (t *residualTransformer) scatterGather(patch []float64, m *mat.Dense, gather bool) {
	nx, ny := t.shape[0], t.shape[1]
	bx, by, bz := t.block[0], t.block[1], t.block[2]
	tilesX := t.shape[0] / bx
	tilesY := t.shape[1] / by

	row := 0
	for tz := 0; tz < t.shape[2]/bz; tz++ {
		for ty := 0; ty < tilesY; ty++ {
			for tx := 0; tx < tilesX; tx++ {
				col := 0
				for dz := 0; dz < bz; dz++ {
					for dy := 0; dy < by; dy++ {
						for dx := 0; dx < bx; dx++ {
							idx := (tx*bx + dx) + nx*((ty*by+dy)+ny*(tz*bz+dz))
							if gather {
								m.Set(row, col, patch[idx])
							} else {
								patch[idx] += m.At(row, col)
							}
							col++
						}
					}
				}
				row++
			}
		}
	}
}

func (b *transformerBlock) forward(h *mat.Dense) {
	rows, _ := h.Dims()

	// Attention sublayer, pre-norm.
	n := mat.DenseCopyOf(h)
	layerNorm(n, b.ln1g, b.ln1b)

	var q, k, v mat.Dense
	q.Mul(n, b.wq)
	k.Mul(n, b.wk)
	v.Mul(n, b.wv)

	headDim := embedDim / numHeads
	attnOut := mat.NewDense(rows, embedDim, nil)
	for head := 0; head < numHeads; head++ {
		lo := head * headDim
		qh := q.Slice(0, rows, lo, lo+headDim)
		kh := k.Slice(0, rows, lo, lo+headDim)
		vh := v.Slice(0, rows, lo, lo+headDim)

		var scores mat.Dense
		scores.Mul(qh, kh.T())
		scores.Scale(1/math.Sqrt(float64(headDim)), &scores)
		softmaxRows(&scores)

		var ctx mat.Dense
		ctx.Mul(&scores, vh)
		attnOut.Slice(0, rows, lo, lo+headDim).(*mat.Dense).Copy(&ctx)
	}
	var proj mat.Dense
	proj.Mul(attnOut, b.wo)
	h.Add(h, &proj)

	// Feed-forward sublayer, pre-norm.
	n = mat.DenseCopyOf(h)
	layerNorm(n, b.ln2g, b.ln2b)

	var ff1 mat.Dense
	ff1.Mul(n, b.ffW1)
	addRowVector(&ff1, b.ffB1)
	geluInPlace(&ff1)

	var ff2 mat.Dense
	ff2.Mul(&ff1, b.ffW2)
	addRowVector(&ff2, b.ffB2)
	h.Add(h, &ff2)
}

// layerNorm normalises each row to zero mean / unit variance then applies
// the learned gain and bias.
func layerNorm(m *mat.Dense, gain, bias []float64) {
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+1e-5)
		for c, v := range row {
			row[c] = (v-mean)*inv*gain[c] + bias[c]
		}
	}
}

func softmaxRows(m *mat.Dense) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		maxV := math.Inf(-1)
		for _, v := range row {
			if v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for c, v := range row {
			e := math.Exp(v - maxV)
			row[c] = e
			sum += e
		}
		for c := range row {
			row[c] /= sum
		}
	}
}

// geluInPlace applies the tanh approximation of GELU.
func geluInPlace(m *mat.Dense) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		for c, v := range row {
			row[c] = 0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v)))
		}
	}
}

func addRowVector(m *mat.Dense, vec []float64) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		for c := range row {
			row[c] += vec[c]
		}
	}
}
