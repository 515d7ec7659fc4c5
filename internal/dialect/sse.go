package dialect

import (
	"bufio"
	"fmt"
	"net/http"
)

// SetSSEHeaders applies §6's downstream SSE framing contract.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteDataFrame writes one bare `data: ...` SSE frame (OpenAI, Gemini).
func WriteDataFrame(w http.ResponseWriter, flusher http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// WriteDone writes OpenAI's terminal `data: [DONE]` frame.
func WriteDone(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// WriteEventFrame writes a named SSE event (Anthropic's event taxonomy).
func WriteEventFrame(w http.ResponseWriter, flusher http.Flusher, frame sseFrame) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.event, frame.data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// ScanUpstreamSSE splits an upstream Gemini-shaped SSE body, one raw JSON
// object per `data:` line, handing each to onObject.
func ScanUpstreamSSE(scanner *bufio.Scanner, onObject func(obj []byte) error) error {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) < 6 || string(line[:6]) != "data: " {
			continue
		}
		payload := line[6:]
		if len(payload) == 0 {
			continue
		}
		if err := onObject(payload); err != nil {
			return err
		}
	}
	return scanner.Err()
}
