package detector

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ReconstructionParams hold a fitted linear encoder/decoder pair and the
// standardisation applied before encoding. Encoder is k×d, Decoder is d×k.
type ReconstructionParams struct {
	Mean      []float64   `json:"mean" yaml:"mean"`
	Scale     []float64   `json:"scale" yaml:"scale"`
	Encoder   [][]float64 `json:"encoder" yaml:"encoder"`
	EncoderB  []float64   `json:"encoder_bias,omitempty" yaml:"encoder_bias,omitempty"`
	Decoder   [][]float64 `json:"decoder" yaml:"decoder"`
	DecoderB  []float64   `json:"decoder_bias,omitempty" yaml:"decoder_bias,omitempty"`
	Threshold float64     `json:"threshold" yaml:"threshold"`
}

// Reconstruction scores rows by mean squared reconstruction error in
// standardised space. Rows the model cannot reproduce are anomalous.
type Reconstruction struct {
	name string
	p    ReconstructionParams
	d, k int
}

// NewReconstruction validates the matrix shapes against the feature count.
func NewReconstruction(name string, p ReconstructionParams) (*Reconstruction, error) {
	d := len(p.Mean)
	if d == 0 || len(p.Scale) != d {
		return nil, fmt.Errorf("%w: reconstruction needs equal, non-empty mean and scale", domain.ErrDimensionMismatch)
	}
	k := len(p.Encoder)
	if k == 0 || len(p.Decoder) != d {
		return nil, fmt.Errorf("%w: encoder must be k×%d and decoder %d×k", domain.ErrDimensionMismatch, d, d)
	}
	for i, r := range p.Encoder {
		if len(r) != d {
			return nil, fmt.Errorf("%w: encoder row %d", domain.ErrDimensionMismatch, i)
		}
	}
	for i, r := range p.Decoder {
		if len(r) != k {
			return nil, fmt.Errorf("%w: decoder row %d", domain.ErrDimensionMismatch, i)
		}
	}
	if p.EncoderB == nil {
		p.EncoderB = make([]float64, k)
	}
	if p.DecoderB == nil {
		p.DecoderB = make([]float64, d)
	}
	if len(p.EncoderB) != k || len(p.DecoderB) != d {
		return nil, fmt.Errorf("%w: bias length", domain.ErrDimensionMismatch)
	}
	scale := make([]float64, d)
	for i, s := range p.Scale {
		if s == 0 {
			s = 1
		}
		scale[i] = s
	}
	p.Scale = scale
	return &Reconstruction{name: name, p: p, d: d, k: k}, nil
}

func (r *Reconstruction) Name() string { return r.name }

func (r *Reconstruction) Score(ctx context.Context, X [][]float64) ([]float64, error) {
	if err := checkRows(X, r.d); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		var sum float64
		for _, e := range r.residuals(row) {
			sum += e * e
		}
		out[i] = sum / float64(r.d)
	}
	return out, nil
}

func (r *Reconstruction) Predict(ctx context.Context, X [][]float64) ([]bool, error) {
	scores, err := r.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	return predictFromScores(scores, r.p.Threshold), nil
}

func (r *Reconstruction) Explain(ctx context.Context, X [][]float64) ([]Explanation, error) {
	scores, err := r.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	out := make([]Explanation, len(X))
	for i, row := range X {
		res := r.residuals(row)
		for j := range res {
			if res[j] < 0 {
				res[j] = -res[j]
			}
		}
		out[i] = Explanation{
			Score:     scores[i],
			Anomalous: scores[i] > r.p.Threshold,
			Reason:    "reconstruction error",
			Features:  res,
		}
	}
	return out, nil
}

// residuals returns scaled(x) - decode(encode(scaled(x))).
func (r *Reconstruction) residuals(row []float64) []float64 {
	z := make([]float64, r.d)
	for j, v := range row {
		z[j] = (v - r.p.Mean[j]) / r.p.Scale[j]
	}
	h := make([]float64, r.k)
	for a := 0; a < r.k; a++ {
		s := r.p.EncoderB[a]
		for j := 0; j < r.d; j++ {
			s += r.p.Encoder[a][j] * z[j]
		}
		h[a] = s
	}
	res := make([]float64, r.d)
	for j := 0; j < r.d; j++ {
		s := r.p.DecoderB[j]
		for a := 0; a < r.k; a++ {
			s += r.p.Decoder[j][a] * h[a]
		}
		res[j] = z[j] - s
	}
	return res
}
