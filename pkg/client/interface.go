package client

import (
	"context"

	"github.com/menta2k/image-composer/pkg/types"
)

// ModelClient is a chat-style model server able to score crop candidates.
// imgB64 may be empty for text-only requests.
type ModelClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	ScoreCandidates(ctx context.Context, model, prompt, imgB64 string) (*types.ScoreEnvelope, error)
}
