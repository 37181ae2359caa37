package usagelog

import (
	"context"
	"log/slog"
	"os"
)

// SlogSink emits one structured log line per entry. This is the default sink;
// a log shipper picks the lines up from stdout.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogSink{log: logger}
}

func (s *SlogSink) WriteBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID.String()),
			slog.String("user_id", e.UserID),
			slog.String("org_id", e.OrgID),
			slog.String("key_id", e.KeyID),
			slog.String("model", e.Model),
			slog.String("provider", e.Provider),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Float64("cost", e.Cost),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("success", e.Success),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}
