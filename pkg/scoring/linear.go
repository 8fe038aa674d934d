package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/menta2k/image-composer/pkg/types"
)

// LinearHead is a logistic regression over the feature vector
type LinearHead struct {
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights"`
}

// LinearModel is a small two-headed model loaded from JSON
type LinearModel struct {
	Version     string     `json:"version"`
	Composition LinearHead `json:"composition"`
	Aesthetic   LinearHead `json:"aesthetic"`
}

// DefaultLinearModel returns weights calibrated against the heuristic on
// typical photographs
func DefaultLinearModel() *LinearModel {
	return &LinearModel{
		Version: DefaultModelVersion,
		Composition: LinearHead{
			Bias:    -1.35,
			Weights: []float64{2.4, 1.2, 0, 0.9, 0.15, 0.35, 0.4, 0.25, 0.6, 0.5},
		},
		Aesthetic: LinearHead{
			Bias:    -1.1,
			Weights: []float64{1.3, 0.6, 0, 1.4, 0.1, 0.2, 1.5, 0.15, 0.3, 0.35},
		},
	}
}

// ParseLinearModel decodes and validates a JSON model
func ParseLinearModel(data []byte) (*LinearModel, error) {
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse linear model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadLinearModel reads a JSON model from disk
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read linear model: %w", err)
	}
	return ParseLinearModel(data)
}

// Validate checks the head sizes and that all weights are finite
func (m *LinearModel) Validate() error {
	for name, head := range map[string]LinearHead{"composition": m.Composition, "aesthetic": m.Aesthetic} {
		if len(head.Weights) != types.FeatureCount {
			return fmt.Errorf("linear model %s head has %d weights, expected %d", name, len(head.Weights), types.FeatureCount)
		}
		if !finite(head.Bias) {
			return fmt.Errorf("linear model %s head has a non-finite bias", name)
		}
		for i, w := range head.Weights {
			if !finite(w) {
				return fmt.Errorf("linear model %s head has a non-finite weight at %d", name, i)
			}
		}
	}
	return nil
}

func (h LinearHead) predict(v [types.FeatureCount]float64) float64 {
	z := h.Bias
	for i, w := range h.Weights {
		z += w * v[i]
	}
	return 1 / (1 + math.Exp(-z))
}

// Predict scores one candidate
func (m *LinearModel) Predict(f types.Features) Score {
	v := f.Vector()
	return Score{
		Composition: m.Composition.predict(v),
		Aesthetic:   m.Aesthetic.predict(v),
		Mode:        ModeLocal,
	}
}

type workItem struct {
	req Request
}

// LocalBackend runs a LinearModel on a pool of worker goroutines. Requests
// and answers travel over channels and are matched up by a Dispatcher.
type LocalBackend struct {
	model   *LinearModel
	workers int

	mu         sync.Mutex
	requests   chan workItem
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewLocalBackend creates a LocalBackend; Load starts its workers
func NewLocalBackend(model *LinearModel, workers int) *LocalBackend {
	if model == nil {
		model = DefaultLinearModel()
	}
	if workers <= 0 {
		workers = 1
	}
	return &LocalBackend{model: model, workers: workers}
}

// Mode implements Backend
func (b *LocalBackend) Mode() Mode {
	return ModeLocal
}

// Load validates the model and starts the worker pool
func (b *LocalBackend) Load(ctx context.Context) error {
	if err := b.model.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requests != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.requests = make(chan workItem)
	b.dispatcher = NewDispatcher()
	responses := make(chan Envelope, b.workers)

	b.wg.Add(b.workers + 1)
	for i := 0; i < b.workers; i++ {
		go func() {
			defer b.wg.Done()
			b.work(runCtx, b.requests, responses)
		}()
	}
	go func() {
		defer b.wg.Done()
		b.dispatcher.Run(runCtx, responses)
	}()
	return ctx.Err()
}

func (b *LocalBackend) work(ctx context.Context, in <-chan workItem, out chan<- Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-in:
			results := make([]Score, len(item.req.Features))
			for i, f := range item.req.Features {
				results[i] = b.model.Predict(f)
			}
			env := Envelope{
				ID:       item.req.ID,
				Response: Response{ID: item.req.ID, Mode: ModeLocal, Results: results},
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Score implements Backend
func (b *LocalBackend) Score(ctx context.Context, req Request) (Response, error) {
	b.mu.Lock()
	requests, dispatcher := b.requests, b.dispatcher
	b.mu.Unlock()
	if requests == nil {
		return Response{}, fmt.Errorf("local scorer not loaded")
	}

	future, err := dispatcher.Register(req.ID)
	if err != nil {
		return Response{}, err
	}

	select {
	case requests <- workItem{req: req}:
	case <-ctx.Done():
		dispatcher.Cancel(req.ID)
		return Response{}, ctx.Err()
	case <-future.Done():
		// closed before a worker picked the request up
		return future.Await(ctx)
	}

	resp, err := future.Await(ctx)
	if err != nil {
		dispatcher.Cancel(req.ID)
	}
	return resp, err
}

// Close stops the workers and fails pending requests
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	cancel, dispatcher := b.cancel, b.dispatcher
	b.requests, b.cancel, b.dispatcher = nil, nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	dispatcher.Close(ErrClosed)
	cancel()
	b.wg.Wait()
	return nil
}
