package ai

import "context"

// TextGenerator produces an assistant reply for a prompt addressed to model.
type TextGenerator interface {
	GenerateText(ctx context.Context, model, prompt string) (string, error)
}
