package reqctx

import (
	"sync"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/rpclog"
)

// LogBuilder accumulates the key facts of one request (timings, sizes,
// the endpoint actually used) as it moves through the chain; every retry
// attempt shares the same builder. Emit writes them as a single
// structured line. Fields recorded with SetIfAbsent are write-once: a
// decorator setting ResponseFirstByteAt twice keeps the first value,
// matching the "request log" pattern of logging each milestone exactly
// once even if a decorator runs twice (retries). Set overwrites.
type LogBuilder struct {
	mu        sync.Mutex
	fields    map[string]any
	startedAt time.Time
}

func newLogBuilder() *LogBuilder {
	return &LogBuilder{fields: make(map[string]any), startedAt: time.Now()}
}

// SetIfAbsent records key=value unless key was already set.
func (b *LogBuilder) SetIfAbsent(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fields[key]; !ok {
		b.fields[key] = value
	}
}

// Set unconditionally overwrites key=value.
func (b *LogBuilder) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fields[key] = value
}

// Emit writes the accumulated fields through logger at the given
// severity, prefixed by elapsed wall time since the builder was
// created.
func (b *LogBuilder) Emit(logger rpclog.Logger, level, msg string) {
	b.mu.Lock()
	kv := make([]any, 0, len(b.fields)*2+2)
	kv = append(kv, "elapsed", time.Since(b.startedAt))
	for k, v := range b.fields {
		kv = append(kv, k, v)
	}
	b.mu.Unlock()

	switch level {
	case "debug":
		logger.Debug(msg, kv...)
	case "warn":
		logger.Warn(msg, kv...)
	case "error":
		logger.Error(msg, kv...)
	default:
		logger.Info(msg, kv...)
	}
}
