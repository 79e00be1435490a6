package ai

import (
	"context"
	"fmt"
	"time"
)

// DefaultMockDelay is the simulated generation time.
const DefaultMockDelay = time.Second

const mockTemplate = "This is a mock response from %s. In a production environment, this would call the actual AI API.\n\n" +
	"You said: \"%s\"\n\n" +
	"Here's a helpful response with some features:\n" +
	"- Markdown support\n" +
	"- Code syntax highlighting\n" +
	"- Multiple paragraphs\n\n" +
	"Example code:\n" +
	"```javascript\n" +
	"const greeting = \"Hello, World!\";\n" +
	"console.log(greeting);\n" +
	"```\n\n" +
	"This demonstrates the chat functionality!"

// MockGenerator answers every prompt with a fixed template after Delay.
type MockGenerator struct {
	Delay time.Duration
}

// NewMockGenerator builds a mock generator; a negative delay is treated as zero.
func NewMockGenerator(delay time.Duration) *MockGenerator {
	if delay < 0 {
		delay = 0
	}
	return &MockGenerator{Delay: delay}
}

// GenerateText implements TextGenerator.
func (g *MockGenerator) GenerateText(ctx context.Context, model, prompt string) (string, error) {
	if g.Delay > 0 {
		timer := time.NewTimer(g.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	return MockReply(model, prompt), nil
}

// MockReply renders the template for model and prompt.
func MockReply(model, prompt string) string {
	return fmt.Sprintf(mockTemplate, model, prompt)
}
