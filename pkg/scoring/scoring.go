// Package scoring rates crop candidates. A Service wraps an optional model
// backend and falls back to a closed-form heuristic whenever the backend is
// missing, slow or returns anything it cannot trust.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/menta2k/image-composer/pkg/types"
)

// Mode tags which scorer produced a result
type Mode string

const (
	ModeRules  Mode = "rules"
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// DefaultModelVersion is sent with every backend request
const DefaultModelVersion = "v2.0.0"

var (
	ErrNoBackend          = errors.New("no scoring backend configured")
	ErrMismatchedResponse = errors.New("scoring response does not match request")
	ErrNonFiniteScore     = errors.New("scoring response contains non-finite values")
	ErrInvalidTransition  = errors.New("invalid scorer state transition")
	ErrClosed             = errors.New("scorer closed")
)

// Score is the desirability of one candidate
type Score struct {
	Composition float64 `json:"composition"`
	Aesthetic   float64 `json:"aesthetic"`
	Mode        Mode    `json:"mode,omitempty"`
}

// ScoreContext gives backends image-level information alongside the features
type ScoreContext struct {
	ImageWidth         int      `json:"imageWidth"`
	ImageHeight        int      `json:"imageHeight"`
	SaliencyConfidence float64  `json:"saliencyConfidence"`
	HorizonAngle       float64  `json:"horizonAngle"`
	HorizonConfidence  float64  `json:"horizonConfidence"`
	Feedback           []string `json:"feedback,omitempty"`
	// ImageB64 is an optional thumbnail for vision backends; it is never serialized
	ImageB64 string `json:"-"`
}

// Request is one scoring call. Results must come back in feature order.
type Request struct {
	ID       string           `json:"id"`
	Version  string           `json:"version"`
	Features []types.Features `json:"features"`
	Context  *ScoreContext    `json:"context,omitempty"`
}

// Response answers a Request with the same ID
type Response struct {
	ID      string  `json:"id"`
	Mode    Mode    `json:"mode,omitempty"`
	Results []Score `json:"results"`
}

// Backend scores feature batches
type Backend interface {
	Mode() Mode
	Score(ctx context.Context, req Request) (Response, error)
}

// Loader is implemented by backends that need warming up before use
type Loader interface {
	Load(ctx context.Context) error
}

// Validate checks a backend response against the request it answers
func (r Response) Validate(req Request) error {
	if r.ID != req.ID {
		return fmt.Errorf("%w: id %q, expected %q", ErrMismatchedResponse, r.ID, req.ID)
	}
	if len(r.Results) != len(req.Features) {
		return fmt.Errorf("%w: %d results for %d candidates", ErrMismatchedResponse, len(r.Results), len(req.Features))
	}
	for i, s := range r.Results {
		if !finite(s.Composition) || !finite(s.Aesthetic) {
			return fmt.Errorf("%w: candidate %d", ErrNonFiniteScore, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
