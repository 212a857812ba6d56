package detector

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GraphParams configure a Graph detector. SenderCol and ReceiverCol locate
// the integer node ids inside each input row of width Dim.
type GraphParams struct {
	Dim                 int        `json:"dim" yaml:"dim"`
	SenderCol           int        `json:"sender_col" yaml:"sender_col"`
	ReceiverCol         int        `json:"receiver_col" yaml:"receiver_col"`
	CentralityThreshold float64    `json:"centrality_threshold" yaml:"centrality_threshold"`
	CycleRiskFactor     float64    `json:"cycle_risk_factor" yaml:"cycle_risk_factor"`
	Edges               [][2]int64 `json:"edges" yaml:"edges"`
}

// Graph scores a transfer by the degree centrality of its endpoints and by
// whether money can already flow back from receiver to sender.
type Graph struct {
	name   string
	p      GraphParams
	mu     sync.RWMutex
	out    map[int64]map[int64]struct{}
	degree map[int64]int
}

// NewGraph builds the transaction graph from fitted edges.
func NewGraph(name string, p GraphParams) (*Graph, error) {
	if p.Dim <= 0 || p.SenderCol < 0 || p.SenderCol >= p.Dim || p.ReceiverCol < 0 || p.ReceiverCol >= p.Dim {
		return nil, fmt.Errorf("%w: sender/receiver columns outside row width %d", domain.ErrDimensionMismatch, p.Dim)
	}
	if p.CentralityThreshold <= 0 {
		p.CentralityThreshold = 0.8
	}
	if p.CycleRiskFactor <= 0 {
		p.CycleRiskFactor = 2.0
	}
	g := &Graph{
		name:   name,
		p:      p,
		out:    make(map[int64]map[int64]struct{}),
		degree: make(map[int64]int),
	}
	for _, e := range p.Edges {
		g.addEdge(e[0], e[1])
	}
	g.p.Edges = nil
	return g, nil
}

// AddEdge records a transfer. It must not race with a concurrent fit of
// the same graph, but is safe alongside scoring.
func (g *Graph) AddEdge(from, to int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdge(from, to)
}

func (g *Graph) addEdge(from, to int64) {
	if _, ok := g.out[from]; !ok {
		g.out[from] = make(map[int64]struct{})
	}
	if _, ok := g.out[to]; !ok {
		g.out[to] = make(map[int64]struct{})
	}
	if _, dup := g.out[from][to]; dup {
		return
	}
	g.out[from][to] = struct{}{}
	g.degree[from]++
	g.degree[to]++
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Score(ctx context.Context, X [][]float64) ([]float64, error) {
	exps, err := g.explain(X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(exps))
	for i, e := range exps {
		out[i] = e.Score
	}
	return out, nil
}

func (g *Graph) Predict(ctx context.Context, X [][]float64) ([]bool, error) {
	scores, err := g.Score(ctx, X)
	if err != nil {
		return nil, err
	}
	return predictFromScores(scores, 0.5), nil
}

func (g *Graph) Explain(ctx context.Context, X [][]float64) ([]Explanation, error) {
	return g.explain(X)
}

func (g *Graph) explain(X [][]float64) ([]Explanation, error) {
	if err := checkRows(X, g.p.Dim); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Explanation, len(X))
	for i, row := range X {
		sender, receiver := int64(math.Round(row[g.p.SenderCol])), int64(math.Round(row[g.p.ReceiverCol]))
		var (
			score   float64
			reasons []string
		)
		if g.centrality(sender) > g.p.CentralityThreshold {
			score += 0.4
			reasons = append(reasons, "central sender")
		}
		if g.centrality(receiver) > g.p.CentralityThreshold {
			score += 0.4
			reasons = append(reasons, "central receiver")
		}
		if sender != receiver && g.hasPath(receiver, sender) {
			score += g.p.CycleRiskFactor * 0.2
			reasons = append(reasons, "closes a cycle")
		}
		score = math.Min(score, 1)
		reason := "no graph signal"
		if len(reasons) > 0 {
			reason = fmt.Sprint(reasons)
		}
		out[i] = Explanation{Score: score, Anomalous: score > 0.5, Reason: reason}
	}
	return out, nil
}

// centrality is degree centrality: degree / (n - 1).
func (g *Graph) centrality(node int64) float64 {
	n := len(g.out)
	if n < 2 {
		return 0
	}
	return float64(g.degree[node]) / float64(n-1)
}

func (g *Graph) hasPath(from, to int64) bool {
	if _, ok := g.out[from]; !ok {
		return false
	}
	seen := map[int64]struct{}{from: {}}
	queue := []int64{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g.out[cur] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return false
}
