package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/taskmesh/internal/agent"
)

// Lookup resolves a builtin executor by its config name.
func Lookup(name string) (agent.Executor, error) {
	switch name {
	case "echo":
		return agent.ExecutorFunc(Echo), nil
	case "sleep":
		return agent.ExecutorFunc(Sleep), nil
	case "word_stats":
		return agent.ExecutorFunc(WordStats), nil
	default:
		return nil, fmt.Errorf("unknown builtin executor %q", name)
	}
}

// Echo returns the input unchanged. Useful for wiring and latency checks.
func Echo(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"echo": input}, nil
}

// Sleep blocks for input["duration_ms"] milliseconds, honoring cancellation.
func Sleep(ctx context.Context, input map[string]any) (map[string]any, error) {
	ms, ok := input["duration_ms"].(float64)
	if !ok || ms < 0 {
		return nil, fmt.Errorf("sleep: duration_ms must be a non-negative number")
	}
	d := time.Duration(ms) * time.Millisecond
	select {
	case <-time.After(d):
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WordStats counts words and characters in input["text"].
func WordStats(ctx context.Context, input map[string]any) (map[string]any, error) {
	text, ok := input["text"].(string)
	if !ok {
		return nil, fmt.Errorf("word_stats: text must be a string")
	}
	words := strings.Fields(text)
	longest := ""
	for _, w := range words {
		if len(w) > len(longest) {
			longest = w
		}
	}
	return map[string]any{
		"words":        len(words),
		"chars":        len(text),
		"longest_word": longest,
	}, nil
}
