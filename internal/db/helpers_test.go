package db

import (
	"context"

	"github.com/clagradi/t3-chat-api/internal/ai"
)

type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, t ai.Turn) ai.Result {
	return ai.Result{Text: "echo: " + t.Prompt}
}

func (echoCompleter) Stream(ctx context.Context, t ai.Turn) *ai.Stream {
	return ai.StreamOf("echo: ", t.Prompt)
}
