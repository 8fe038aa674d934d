package scoring

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/menta2k/image-composer/pkg/types"
)

// DefaultTimeout bounds a single backend call
const DefaultTimeout = 8 * time.Second

// State is the lifecycle state of a Service
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReadyLocal
	StateReadyRemote
	StateRulesFallback
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReadyLocal:
		return "ready-local"
	case StateReadyRemote:
		return "ready-remote"
	case StateRulesFallback:
		return "rules-fallback"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateUninitialized: {StateLoading},
	StateLoading:       {StateReadyLocal, StateReadyRemote, StateRulesFallback, StateError},
	StateReadyLocal:    {StateRulesFallback},
	StateReadyRemote:   {StateRulesFallback},
}

// CanTransition reports whether from -> to is allowed. Every state may
// return to uninitialized.
func CanTransition(from, to State) bool {
	if to == StateUninitialized {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Batch is the outcome of scoring one candidate set
type Batch struct {
	Results []Score `json:"results"`
	Mode    Mode    `json:"mode"`
}

// Status is a snapshot of the service for health reporting
type Status struct {
	State         State         `json:"state"`
	Mode          Mode          `json:"mode"`
	Version       string        `json:"version"`
	LastError     string        `json:"lastError,omitempty"`
	LastLatency   time.Duration `json:"lastLatency"`
	LastInference time.Time     `json:"lastInference,omitempty"`
}

// Option configures a Service
type Option func(*Service)

// WithBackend sets the model backend. Without one the service scores with
// rules only.
func WithBackend(b Backend) Option {
	return func(s *Service) {
		s.backend = b
	}
}

// WithTimeout bounds each backend call
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithVersion sets the model version sent with requests
func WithVersion(v string) Option {
	return func(s *Service) {
		if v != "" {
			s.version = v
		}
	}
}

// WithLogger sets the logger used when the context carries none
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// Service scores candidate batches. A backend failure of any kind moves it
// to rules-fallback for good; results then come from Heuristic.
type Service struct {
	backend Backend
	timeout time.Duration
	version string
	logger  zerolog.Logger

	initMu sync.Mutex
	mu     sync.RWMutex
	state  State
	status Status
}

// NewService creates a Service in the uninitialized state
func NewService(opts ...Option) *Service {
	s := &Service{
		timeout: DefaultTimeout,
		version: DefaultModelVersion,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot of the service
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.State = s.state
	st.Mode = s.modeLocked()
	st.Version = s.version
	return st
}

func (s *Service) modeLocked() Mode {
	switch s.state {
	case StateReadyLocal:
		return ModeLocal
	case StateReadyRemote:
		return ModeRemote
	default:
		return ModeRules
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func (s *Service) transition(ctx context.Context, to State) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.mu.Unlock()

	s.log(ctx).Debug().Str("from", from.String()).Str("to", to.String()).Msg("scorer state changed")
	return nil
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

// Initialize loads the backend. It is called lazily by Score and is a no-op
// once the service has left the uninitialized state.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.State() != StateUninitialized {
		return nil
	}
	if err := s.transition(ctx, StateLoading); err != nil {
		return err
	}

	if s.backend == nil {
		return s.transition(ctx, StateRulesFallback)
	}

	if loader, ok := s.backend.(Loader); ok {
		loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := loader.Load(loadCtx)
		cancel()
		if err != nil {
			s.recordError(err)
			s.log(ctx).Warn().Err(err).Str("mode", string(s.backend.Mode())).Msg("scoring backend failed to load, using rules")
			if terr := s.transition(ctx, StateError); terr != nil {
				return terr
			}
			return fmt.Errorf("failed to load scoring backend: %w", err)
		}
	}

	switch s.backend.Mode() {
	case ModeLocal:
		return s.transition(ctx, StateReadyLocal)
	case ModeRemote:
		return s.transition(ctx, StateReadyRemote)
	default:
		return s.transition(ctx, StateRulesFallback)
	}
}

// Score rates every feature set. It makes at most one backend call, never
// waits longer than the timeout and never fails: any backend problem yields
// heuristic scores for the whole batch.
func (s *Service) Score(ctx context.Context, features []types.Features, sc *ScoreContext) Batch {
	if len(features) == 0 {
		return Batch{Results: []Score{}, Mode: ModeRules}
	}

	if s.State() == StateUninitialized {
		// load failures are recorded in Status and leave the service on rules
		_ = s.Initialize(ctx)
	}

	state := s.State()
	if state == StateReadyLocal || state == StateReadyRemote {
		results, err := s.callBackend(ctx, features, sc)
		if err == nil {
			return Batch{Results: results, Mode: s.backend.Mode()}
		}

		s.recordError(err)
		s.log(ctx).Warn().Err(err).Int("candidates", len(features)).Msg("scoring backend failed, falling back to rules")
		if terr := s.transition(ctx, StateRulesFallback); terr != nil {
			s.log(ctx).Debug().Err(terr).Msg("scorer already left ready state")
		}
	}

	return Batch{Results: HeuristicBatch(features), Mode: ModeRules}
}

func (s *Service) callBackend(ctx context.Context, features []types.Features, sc *ScoreContext) ([]Score, error) {
	req := Request{
		ID:       uuid.NewString(),
		Version:  s.version,
		Features: features,
		Context:  sc,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	future := Go(callCtx, req.ID, func(ctx context.Context) (Response, error) {
		return s.backend.Score(ctx, req)
	})
	resp, err := future.Await(callCtx)
	latency := time.Since(start)

	s.mu.Lock()
	s.status.LastLatency = latency
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("scoring request %s: %w", req.ID, err)
	}
	if err := resp.Validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.status.LastInference = time.Now()
	s.mu.Unlock()

	mode := s.backend.Mode()
	results := make([]Score, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = Score{Composition: r.Composition, Aesthetic: r.Aesthetic, Mode: mode}
	}
	return results, nil
}

// Close releases the backend and returns the service to uninitialized
func (s *Service) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	var err error
	if closer, ok := s.backend.(io.Closer); ok {
		err = closer.Close()
	}

	s.mu.Lock()
	s.state = StateUninitialized
	s.mu.Unlock()
	return err
}
