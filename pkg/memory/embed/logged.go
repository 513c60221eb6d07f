package embed

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"
)

const previewLen = 60

// LoggedEmbedder writes one debug line per embedding call.
type LoggedEmbedder struct {
	base     Embedder
	provider string
	logger   *slog.Logger
}

func NewLoggedEmbedder(base Embedder, provider string, logger *slog.Logger) *LoggedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggedEmbedder{base: base, provider: provider, logger: logger}
}

func (l *LoggedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := l.base.Embed(ctx, text)
	attrs := []any{
		"provider", l.provider,
		"preview", preview(text),
		"success", err == nil && len(vec) > 0,
		"dims", len(vec),
		"elapsed", time.Since(start),
	}
	if err != nil {
		l.logger.Warn("embedding call failed", append(attrs, "error", err)...)
		return nil, err
	}
	l.logger.Debug("embedding call", attrs...)
	return vec, nil
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	r := []rune(text)
	return string(r[:previewLen]) + "..."
}
