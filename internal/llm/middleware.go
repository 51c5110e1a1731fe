package llm

import (
	"context"
	"strings"
)

// oneShotStream adapts a single completed Response into the Stream
// interface for provider adapters that don't implement incremental
// streaming: it yields one StreamDone event carrying the full response.
type oneShotStream struct {
	resp    Response
	err     error
	yielded bool
}

// NewOneShotStream wraps a Complete-style call as a Stream, for adapters
// whose underlying transport has no incremental mode.
func NewOneShotStream(resp Response, err error) Stream {
	return &oneShotStream{resp: resp, err: err}
}

func (s *oneShotStream) Next() (StreamEvent, bool) {
	if s.yielded {
		return StreamEvent{}, false
	}
	s.yielded = true
	if s.err != nil {
		return StreamEvent{Kind: StreamDone, Err: s.err}, true
	}
	return StreamEvent{Kind: StreamDone, Response: &s.resp}, true
}

func (s *oneShotStream) Close() error { return nil }

// CollectStream drains a stream to its completed Response, for callers
// whose provider policy forces a streaming request but who only need the
// finished turn. Text deltas are accumulated as a fallback for streams
// that never carry a final Response on their done event.
func CollectStream(s Stream, err error) (Response, error) {
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = s.Close() }()
	var resp Response
	var text strings.Builder
	for {
		ev, ok := s.Next()
		if !ok {
			break
		}
		if ev.Err != nil {
			return Response{}, ev.Err
		}
		switch ev.Kind {
		case StreamTextDelta:
			text.WriteString(ev.Delta)
		case StreamDone:
			if ev.Response != nil {
				resp = *ev.Response
			}
		}
	}
	if len(resp.Message.Content) == 0 && text.Len() > 0 {
		resp.Message = Assistant(text.String())
	}
	return resp, nil
}

type CompleteFunc func(ctx context.Context, req Request) (Response, error)
type StreamFunc func(ctx context.Context, req Request) (Stream, error)

// Middleware wraps provider calls for cross-cutting concerns (logging, capability
// enforcement, execution-policy rewriting). Middleware is applied in registration
// order for the request phase and in reverse order for the response phase.
type Middleware interface {
	WrapComplete(next CompleteFunc) CompleteFunc
	WrapStream(next StreamFunc) StreamFunc
}

type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
	Stream   func(ctx context.Context, req Request, next StreamFunc) (Stream, error)
}

func (m MiddlewareFunc) WrapComplete(next CompleteFunc) CompleteFunc {
	if m.Complete == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Response, error) {
		return m.Complete(ctx, req, next)
	}
}

func (m MiddlewareFunc) WrapStream(next StreamFunc) StreamFunc {
	if m.Stream == nil {
		return next
	}
	return func(ctx context.Context, req Request) (Stream, error) {
		return m.Stream(ctx, req, next)
	}
}

func applyMiddlewareComplete(base CompleteFunc, mw []Middleware) CompleteFunc {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] == nil {
			continue
		}
		h = mw[i].WrapComplete(h)
	}
	return h
}

func applyMiddlewareStream(base StreamFunc, mw []Middleware) StreamFunc {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] == nil {
			continue
		}
		h = mw[i].WrapStream(h)
	}
	return h
}
