// Package llmproxy implements C6: a transparent reverse proxy in front of
// the configured LLM backend that tees streaming generate/chat responses
// into a session-lifecycle parser without buffering the stream.
package llmproxy

import (
	"encoding/json"
)

// state is the stream parser's position in the Idle -> FirstByteSeen ->
// FirstTokenSeen -> Done|Aborted lifecycle.
type state int

const (
	stateIdle state = iota
	stateFirstByteSeen
	stateFirstTokenSeen
	stateDone
	stateAborted
)

// maxCarryBytes bounds the partial-line buffer: an object larger than this
// is a malformed upstream and is dropped rather than grown unbounded.
const maxCarryBytes = 1 << 20 // 1 MiB

// streamChunk is the subset of the upstream's newline-delimited JSON object
// this parser cares about; unrecognized fields are ignored.
type streamChunk struct {
	Model             string `json:"model"`
	Response          string `json:"response"`
	Done              bool   `json:"done"`
	PromptEvalCount   int64  `json:"prompt_eval_count"`
	EvalCount         int64  `json:"eval_count"`
	EvalDuration      int64  `json:"eval_duration"`       // nanoseconds
	PromptEvalDuration int64 `json:"prompt_eval_duration"` // nanoseconds

	// Chat-path responses nest the delta under "message" instead of
	// "response"; either may be populated depending on the observed path.
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func (c streamChunk) textDelta() string {
	if c.Response != "" {
		return c.Response
	}
	return c.Message.Content
}

// streamParser consumes raw bytes as they arrive from upstream (before
// forwarding has stalled waiting on parse — parsing never gates the
// forward) and emits lifecycle events by calling back into the session.
type streamParser struct {
	st    state
	carry []byte
}

func newStreamParser() *streamParser {
	return &streamParser{st: stateIdle}
}

// event describes what the parser observed in one Feed call, for the
// session tracker to act on.
type event struct {
	firstByte   bool
	firstToken  bool
	done        bool
	parseErr    bool
	finalChunk  streamChunk
}

// Feed appends chunk to the carry buffer, splits complete NDJSON lines off
// it, and returns the events observed — in order — across those lines. The
// caller forwards chunk to the client unconditionally before or after
// calling Feed; Feed itself never blocks on I/O.
func (p *streamParser) Feed(chunk []byte) []event {
	var events []event

	if p.st == stateIdle {
		p.st = stateFirstByteSeen
		events = append(events, event{firstByte: true})
	}

	p.carry = append(p.carry, chunk...)
	if len(p.carry) > maxCarryBytes {
		// Malformed or non-NDJSON upstream: drop the buffered bytes and
		// resume parsing with the next chunk; the proxy keeps forwarding
		// bytes regardless.
		p.carry = nil
		events = append(events, event{parseErr: true})
		return events
	}

	for {
		idx := indexByte(p.carry, '\n')
		if idx < 0 {
			break
		}
		line := p.carry[:idx]
		p.carry = p.carry[idx+1:]

		if len(trimSpace(line)) == 0 {
			continue
		}

		var c streamChunk
		if err := json.Unmarshal(line, &c); err != nil {
			events = append(events, event{parseErr: true})
			continue
		}

		if p.st == stateFirstByteSeen && c.textDelta() != "" {
			p.st = stateFirstTokenSeen
			events = append(events, event{firstToken: true})
		}

		if c.Done {
			p.st = stateDone
			events = append(events, event{done: true, finalChunk: c})
		}
	}

	return events
}

// Abort marks the stream as torn down before a done=true object arrived.
// The caller (proxy's ErrorHandler / request context done) calls this at
// most once per stream.
func (p *streamParser) Abort() event {
	if p.st == stateDone || p.st == stateAborted {
		return event{}
	}
	p.st = stateAborted
	return event{done: true}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
