package llmproxy

import "testing"

func TestFeedEmitsFirstByteOnce(t *testing.T) {
	p := newStreamParser()

	evs := p.Feed([]byte(`{"model":"llama3","response":"","done":false}` + "\n"))
	if !hasFirstByte(evs) {
		t.Fatalf("expected firstByte event on first Feed call")
	}

	evs = p.Feed([]byte(`{"model":"llama3","response":"more","done":false}` + "\n"))
	if hasFirstByte(evs) {
		t.Fatalf("did not expect a second firstByte event")
	}
}

func TestFeedEmitsFirstTokenOnNonEmptyDelta(t *testing.T) {
	p := newStreamParser()
	p.Feed([]byte(`{"model":"llama3","response":"","done":false}` + "\n"))

	evs := p.Feed([]byte(`{"model":"llama3","response":"Hello","done":false}` + "\n"))
	if !hasFirstToken(evs) {
		t.Fatalf("expected firstToken event on first non-empty delta")
	}

	evs = p.Feed([]byte(`{"model":"llama3","response":"more","done":false}` + "\n"))
	if hasFirstToken(evs) {
		t.Fatalf("did not expect a second firstToken event")
	}
}

func TestFeedHandlesPartialLineSplitAcrossChunks(t *testing.T) {
	p := newStreamParser()

	full := `{"model":"llama3","response":"hi","done":false}` + "\n"
	first := []byte(full[:20])
	second := []byte(full[20:])

	evs := p.Feed(first)
	if hasFirstToken(evs) {
		t.Fatalf("should not parse a token out of a partial line")
	}

	evs = p.Feed(second)
	if !hasFirstToken(evs) {
		t.Fatalf("expected firstToken once the split line completes")
	}
}

func TestFeedEmitsDoneWithFinalCounters(t *testing.T) {
	p := newStreamParser()
	p.Feed([]byte(`{"model":"llama3","response":"hi","done":false}` + "\n"))

	evs := p.Feed([]byte(`{"model":"llama3","done":true,"prompt_eval_count":10,"eval_count":42,"eval_duration":2000000000}` + "\n"))

	done, ok := findDone(evs)
	if !ok {
		t.Fatalf("expected a done event")
	}
	if done.finalChunk.EvalCount != 42 || done.finalChunk.PromptEvalCount != 10 {
		t.Errorf("unexpected final chunk: %+v", done.finalChunk)
	}
}

func TestFeedToleratesMalformedLineAndContinues(t *testing.T) {
	p := newStreamParser()
	p.Feed([]byte(`{"model":"llama3","response":"","done":false}` + "\n"))

	evs := p.Feed([]byte("not json at all\n"))
	if !hasParseErr(evs) {
		t.Fatalf("expected a parseErr event for malformed line")
	}

	evs = p.Feed([]byte(`{"model":"llama3","done":true,"eval_count":5,"eval_duration":1000000000}` + "\n"))
	if _, ok := findDone(evs); !ok {
		t.Fatalf("expected parsing to continue after a malformed line")
	}
}

func TestFeedDropsOversizedCarryBuffer(t *testing.T) {
	p := newStreamParser()
	huge := make([]byte, maxCarryBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}

	evs := p.Feed(huge)
	if !hasParseErr(evs) {
		t.Fatalf("expected a parseErr event when the carry buffer overflows")
	}
	if len(p.carry) != 0 {
		t.Errorf("expected carry buffer reset after overflow, got %d bytes", len(p.carry))
	}
}

func TestAbortIsNoopAfterDone(t *testing.T) {
	p := newStreamParser()
	p.Feed([]byte(`{"model":"llama3","done":true,"eval_count":1,"eval_duration":1}` + "\n"))

	ev := p.Abort()
	if ev.done {
		t.Errorf("expected Abort to be a no-op once the stream already completed")
	}
}

func hasFirstByte(evs []event) bool {
	for _, e := range evs {
		if e.firstByte {
			return true
		}
	}
	return false
}

func hasFirstToken(evs []event) bool {
	for _, e := range evs {
		if e.firstToken {
			return true
		}
	}
	return false
}

func hasParseErr(evs []event) bool {
	for _, e := range evs {
		if e.parseErr {
			return true
		}
	}
	return false
}

func findDone(evs []event) (event, bool) {
	for _, e := range evs {
		if e.done {
			return e, true
		}
	}
	return event{}, false
}
