package explain

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/lucid-vigil/warden/pkg/model"
)

const (
	defaultSurrogateSamples = 200
	surrogateTopWeights     = 20
	// Kernel width for the proximity weighting over the replaced-feature
	// fraction.
	surrogateKernelWidth = 0.5
	// Ridge term keeping the weighted normal equations solvable when a
	// feature column degenerates.
	surrogateRidge = 1e-6
)

// SurrogateExplainer fits a sparse linear model to the ensemble's behavior in
// a neighborhood of one input, yielding locally faithful feature weights.
type SurrogateExplainer struct {
	forest     ForestModel
	samples    int
	background [][]float64
	seed       int64
}

// NewSurrogateExplainer builds the explainer. background may be nil, in which
// case uniform-random rows over [0, 1) stand in for the data distribution;
// seed fixes the perturbation stream so repeated explanations agree.
func NewSurrogateExplainer(forest ForestModel, background [][]float64, seed int64) *SurrogateExplainer {
	return &SurrogateExplainer{
		forest:     forest,
		samples:    defaultSurrogateSamples,
		background: background,
		seed:       seed,
	}
}

// Explain perturbs the input by swapping random feature subsets for
// background values, scores each perturbation with the real model, and fits a
// proximity-weighted linear regression over the keep/replace masks. The
// returned weights are the top coefficients by magnitude; Prediction is the
// surrogate's value at the unperturbed input.
func (e *SurrogateExplainer) Explain(vector []float64) (*model.Surrogate, error) {
	if e.forest == nil || !e.forest.Loaded() {
		return nil, ErrUnavailable
	}

	names := e.forest.FeatureNames()
	p := len(names)
	if len(vector) != p {
		return nil, fmt.Errorf("vector length %d does not match %d model features", len(vector), p)
	}

	// Each call gets its own generator so concurrent explanations share no
	// mutable state and every call draws the same stream.
	rng := rand.New(rand.NewSource(e.seed))

	masks := make([][]float64, e.samples)
	scores := make([]float64, e.samples)
	weights := make([]float64, e.samples)

	perturbed := make([]float64, p)
	for s := 0; s < e.samples; s++ {
		mask := make([]float64, p)
		replaced := 0
		bg := e.backgroundRow(rng, p)
		for j := 0; j < p; j++ {
			if rng.Float64() < 0.5 {
				mask[j] = 1
				perturbed[j] = vector[j]
			} else {
				perturbed[j] = bg[j]
				replaced++
			}
		}

		score, err := e.forest.PredictVector(perturbed)
		if err != nil {
			return nil, fmt.Errorf("score perturbed sample: %w", err)
		}

		d := float64(replaced) / float64(p)
		masks[s] = mask
		scores[s] = score
		weights[s] = math.Exp(-(d * d) / (surrogateKernelWidth * surrogateKernelWidth))
	}

	coeffs, err := weightedLeastSquares(masks, scores, weights)
	if err != nil {
		return nil, err
	}

	// Fitted value at the original input, where every mask entry is 1.
	prediction := coeffs[0]
	for j := 0; j < p; j++ {
		prediction += coeffs[j+1]
	}

	return &model.Surrogate{
		Weights:    topWeights(names, coeffs[1:]),
		Prediction: clampUnit(prediction),
	}, nil
}

func (e *SurrogateExplainer) backgroundRow(rng *rand.Rand, p int) []float64 {
	if len(e.background) > 0 {
		row := e.background[rng.Intn(len(e.background))]
		if len(row) == p {
			return row
		}
	}
	row := make([]float64, p)
	for j := range row {
		row[j] = rng.Float64()
	}
	return row
}

// weightedLeastSquares solves (X'WX + rI) b = X'Wy for b, where X carries an
// intercept column followed by the mask columns.
func weightedLeastSquares(masks [][]float64, y, w []float64) ([]float64, error) {
	p := len(masks[0]) + 1
	xtx := make([][]float64, p)
	for i := range xtx {
		xtx[i] = make([]float64, p)
	}
	xty := make([]float64, p)

	row := make([]float64, p)
	for s := range masks {
		row[0] = 1
		copy(row[1:], masks[s])
		for i := 0; i < p; i++ {
			wi := w[s] * row[i]
			for j := i; j < p; j++ {
				xtx[i][j] += wi * row[j]
			}
			xty[i] += wi * y[s]
		}
	}
	for i := 0; i < p; i++ {
		xtx[i][i] += surrogateRidge
		for j := 0; j < i; j++ {
			xtx[i][j] = xtx[j][i]
		}
	}

	return solveLinearSystem(xtx, xty)
}

// solveLinearSystem runs Gaussian elimination with partial pivoting.
func solveLinearSystem(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular surrogate system at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	out := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * out[c]
		}
		out[r] = sum / a[r][r]
	}
	return out, nil
}

func topWeights(names []string, coeffs []float64) map[string]float64 {
	type ranked struct {
		name   string
		weight float64
	}
	candidates := make([]ranked, 0, len(names))
	for i, name := range names {
		candidates = append(candidates, ranked{name, coeffs[i]})
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := math.Abs(candidates[i].weight), math.Abs(candidates[j].weight)
		if ai != aj {
			return ai > aj
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > surrogateTopWeights {
		candidates = candidates[:surrogateTopWeights]
	}

	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.name] = c.weight
	}
	return out
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
