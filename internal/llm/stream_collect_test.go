package llm

import "testing"

func TestCollectStream_OneShotCarriesFinalResponse(t *testing.T) {
	resp := Response{Provider: "p", Message: Assistant("hello")}
	got, err := CollectStream(NewOneShotStream(resp, nil), nil)
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if got.Text() != "hello" {
		t.Fatalf("Text() = %q, want %q", got.Text(), "hello")
	}
}

func TestCollectStream_PropagatesStreamError(t *testing.T) {
	wantErr := &ConfigurationError{Message: "boom"}
	if _, err := CollectStream(NewOneShotStream(Response{}, wantErr), nil); err == nil {
		t.Fatal("expected the stream's terminal error to propagate")
	}
}

func TestCollectStream_PropagatesOpenError(t *testing.T) {
	wantErr := &ConfigurationError{Message: "no provider"}
	if _, err := CollectStream(nil, wantErr); err == nil {
		t.Fatal("expected the open error to propagate before the stream is touched")
	}
}

func TestCollectStream_AccumulatesTextDeltas(t *testing.T) {
	s := &scriptedStream{events: []StreamEvent{
		{Kind: StreamTextDelta, Delta: "hel"},
		{Kind: StreamTextDelta, Delta: "lo"},
		{Kind: StreamDone},
	}}
	got, err := CollectStream(s, nil)
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if got.Text() != "hello" {
		t.Fatalf("Text() = %q, want deltas concatenated", got.Text())
	}
	if !s.closed {
		t.Fatal("expected the stream to be closed after draining")
	}
}

type scriptedStream struct {
	events []StreamEvent
	n      int
	closed bool
}

func (s *scriptedStream) Next() (StreamEvent, bool) {
	if s.n >= len(s.events) {
		return StreamEvent{}, false
	}
	ev := s.events[s.n]
	s.n++
	return ev, true
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
