package llmproxy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/affinode/gpumonitord/internal/storage"
)

// SessionSink is the subset of C5's fan-out interface the proxy needs.
type SessionSink interface {
	RecordSession(storage.Session)
}

// SessionStore is the subset of C4 the proxy writes through.
type SessionStore interface {
	InsertSession(ctx context.Context, sess storage.Session) error
	CompleteSession(ctx context.Context, sess storage.Session) error
}

// sessionTracker owns one proxied stream's lifecycle: session-id
// allocation, the embedded stream parser, and the insert/update pair
// against storage.
type sessionTracker struct {
	store  SessionStore
	sink   SessionSink
	log    *zap.Logger
	parser *streamParser

	id             string
	model          string
	startTime      time.Time
	firstTokenTime time.Time
	completed      bool
}

func newSessionTracker(store SessionStore, sink SessionSink, log *zap.Logger) *sessionTracker {
	return &sessionTracker{
		store:  store,
		sink:   sink,
		log:    log,
		parser: newStreamParser(),
		id:     uuid.NewString(),
	}
}

// Feed forwards one chunk of upstream response bytes into the parser and
// acts on whatever lifecycle events fall out of it.
func (t *sessionTracker) Feed(ctx context.Context, chunk []byte) {
	for _, ev := range t.parser.Feed(chunk) {
		t.handle(ctx, ev)
	}
}

// Abort finalizes the session with best-known fields when the connection
// tears down before a done=true object arrives.
func (t *sessionTracker) Abort(ctx context.Context) {
	if t.completed {
		return
	}
	t.handle(ctx, t.parser.Abort())
}

func (t *sessionTracker) handle(ctx context.Context, ev event) {
	switch {
	case ev.firstByte:
		t.startTime = time.Now()
		if err := t.store.InsertSession(ctx, storage.Session{
			ID:        t.id,
			StartTime: t.startTime.UnixMilli(),
			Model:     "",
		}); err != nil {
			t.log.Warn("failed to insert session row", zap.Error(err), zap.String("session_id", t.id))
		}

	case ev.firstToken:
		t.firstTokenTime = time.Now()

	case ev.parseErr:
		t.log.Debug("llm proxy: malformed stream object, continuing pass-through", zap.String("session_id", t.id))

	case ev.done:
		t.finalize(ctx, ev.finalChunk)
	}
}

func (t *sessionTracker) finalize(ctx context.Context, c streamChunk) {
	if t.completed {
		return
	}
	t.completed = true

	now := time.Now()
	endTime := now.UnixMilli()

	sess := storage.Session{
		ID:               t.id,
		StartTime:        t.startTime.UnixMilli(),
		EndTime:          &endTime,
		Model:            c.Model,
		PromptTokens:     c.PromptEvalCount,
		CompletionTokens: c.EvalCount,
		TotalTokens:      c.PromptEvalCount + c.EvalCount,
	}

	if c.EvalCount > 0 {
		var tps float64
		if c.EvalDuration > 0 {
			tps = float64(c.EvalCount) / (float64(c.EvalDuration) / 1e9)
		} else if wall := now.Sub(t.startTime).Seconds(); wall > 0 {
			tps = float64(c.EvalCount) / wall
		}
		if tps > 0 {
			sess.TokensPerSecond = &tps
			tpot := 1000 / tps
			sess.TimePerOutputTokenMs = &tpot
		}
	}

	if !t.firstTokenTime.IsZero() && !t.startTime.IsZero() {
		ttft := t.firstTokenTime.Sub(t.startTime).Seconds() * 1000
		sess.TimeToFirstTokenMs = &ttft
	}

	if err := t.store.CompleteSession(ctx, sess); err != nil {
		t.log.Warn("failed to complete session row", zap.Error(err), zap.String("session_id", t.id))
	}
	if t.sink != nil {
		t.sink.RecordSession(sess)
	}
}
