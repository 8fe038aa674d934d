package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/menta2k/image-composer/pkg/client"
	"github.com/menta2k/image-composer/pkg/types"
)

// ProbePrompt is sent once by Load to check the model answers at all
const ProbePrompt = `Reply with the single word: ready`

// DefaultPrompt asks a chat model to score crop candidates
const DefaultPrompt = `You are a photo editor rating candidate crops of one photograph.

Each candidate is described by composition features:
- ruleOfThirdsScore: how close the subject sits to a thirds intersection, 0..1
- saliencyConfidence: how clearly a subject stands out, 0..1
- horizonAngle: tilt of the dominant horizon in degrees
- horizonConfidence, textureStrength, colorHarmony: 0..1
- balanceRatio: subject versus background contrast, 1 is neutral
- cropArea: fraction of the original kept
- subjectSize: fraction of the crop covered by the subject
- leadingLineStrength: 0..1

Return JSON only:
{"results":[{"index":0,"composition":0.0,"aesthetic":0.0}]}

HARD RULES
- One result per candidate, using the candidate's index.
- composition and aesthetic are numbers in [0,1].
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ModelBackend scores candidates with a chat model behind a client.ModelClient
type ModelBackend struct {
	client client.ModelClient
	model  string
	prompt string
}

// NewModelBackend creates a remote backend for the named model
func NewModelBackend(c client.ModelClient, model string) *ModelBackend {
	return &ModelBackend{client: c, model: model, prompt: DefaultPrompt}
}

// WithPrompt replaces the scoring instructions
func (b *ModelBackend) WithPrompt(prompt string) *ModelBackend {
	if prompt != "" {
		b.prompt = prompt
	}
	return b
}

// Mode implements Backend
func (b *ModelBackend) Mode() Mode {
	return ModeRemote
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Load checks the model answers a trivial prompt. Clients that can ping
// their server are pinged first.
func (b *ModelBackend) Load(ctx context.Context) error {
	if b.client == nil {
		return ErrNoBackend
	}
	if p, ok := b.client.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("model server unreachable: %w", err)
		}
	}
	answer, err := b.client.SimpleQuery(ctx, b.model, ProbePrompt, "")
	if err != nil {
		return fmt.Errorf("model probe failed: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("model probe returned an empty answer")
	}
	return nil
}

type promptCandidate struct {
	Index int `json:"index"`
	types.Features
}

// BuildPrompt renders the instructions followed by the candidate records
func (b *ModelBackend) BuildPrompt(req Request) (string, error) {
	candidates := make([]promptCandidate, len(req.Features))
	for i, f := range req.Features {
		candidates[i] = promptCandidate{Index: i, Features: f}
	}

	payload := struct {
		Context    *ScoreContext     `json:"context,omitempty"`
		Candidates []promptCandidate `json:"candidates"`
	}{req.Context, candidates}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode candidates: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(b.prompt)
	sb.WriteString("\n\nCANDIDATES\n")
	sb.Write(data)
	return sb.String(), nil
}

// Score implements Backend. The model's answers are matched to candidates
// by index; answers without usable indices are taken in order.
func (b *ModelBackend) Score(ctx context.Context, req Request) (Response, error) {
	if b.client == nil {
		return Response{}, ErrNoBackend
	}

	prompt, err := b.BuildPrompt(req)
	if err != nil {
		return Response{}, err
	}

	var image string
	if req.Context != nil {
		image = req.Context.ImageB64
	}

	env, err := b.client.ScoreCandidates(ctx, b.model, prompt, image)
	if err != nil {
		return Response{}, err
	}

	results, err := alignResults(env.Results, len(req.Features))
	if err != nil {
		return Response{}, err
	}
	return Response{ID: req.ID, Mode: ModeRemote, Results: results}, nil
}

func alignResults(scores []types.ModelScore, n int) ([]Score, error) {
	if len(scores) != n {
		return nil, fmt.Errorf("%w: model returned %d scores for %d candidates", ErrMismatchedResponse, len(scores), n)
	}

	indexed := false
	for _, s := range scores {
		if s.Index != 0 {
			indexed = true
			break
		}
	}

	results := make([]Score, n)
	if !indexed {
		for i, s := range scores {
			results[i] = Score{Composition: s.Composition, Aesthetic: s.Aesthetic, Mode: ModeRemote}
		}
		return results, nil
	}

	seen := make([]bool, n)
	for _, s := range scores {
		if s.Index < 0 || s.Index >= n || seen[s.Index] {
			return nil, fmt.Errorf("%w: bad candidate index %d", ErrMismatchedResponse, s.Index)
		}
		seen[s.Index] = true
		results[s.Index] = Score{Composition: s.Composition, Aesthetic: s.Aesthetic, Mode: ModeRemote}
	}
	return results, nil
}
