package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// HandlerFunc processes one message.
type HandlerFunc func(ctx context.Context, msg kafka.Message) error

// Middleware wraps a HandlerFunc. The first middleware given to Use runs outermost.
type Middleware func(HandlerFunc) HandlerFunc

func chain(h HandlerFunc, mws []Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns handler panics into errors so they follow the retry and DLQ path.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg kafka.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

type traceKey struct{}

// TraceHeader carries the event id from producer to consumer.
const TraceHeader = "trace_id"

// TraceHeaderFor builds the header that Trace reads back.
func TraceHeaderFor(id string) kafka.Header {
	return kafka.Header{Key: TraceHeader, Value: []byte(id)}
}

// ExtractTraceID reads the trace header of msg.
func ExtractTraceID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == TraceHeader {
			return string(h.Value)
		}
	}
	return ""
}

// TraceID returns the id stored by Trace, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// Trace copies the trace header into the handler context.
func Trace() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg kafka.Message) error {
			if id := ExtractTraceID(msg); id != "" {
				ctx = context.WithValue(ctx, traceKey{}, id)
			}
			return next(ctx, msg)
		}
	}
}
