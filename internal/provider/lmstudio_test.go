package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsStaleConnectionErrClassifiesEOFAndConnReset(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"connection reset", errors.New("read tcp 127.0.0.1:1234: connection reset by peer"), true},
		{"bad status", errors.New("lmstudio status 500: internal error"), false},
		{"nil", nil, false},
	}
	for _, c := range cases {
		if got := isStaleConnectionErr(c.err); got != c.want {
			t.Errorf("%s: isStaleConnectionErr(%v) = %v, want %v", c.name, c.err, got, c.want)
		}
	}
}

// brokenReader yields a few bytes of valid SSE data and then fails with an
// error that must be classified as a stale connection, simulating a
// connection that dies mid-stream after the handshake already succeeded.
type brokenReader struct {
	data []byte
	sent bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func TestParseLMStudioSSEReturnsErrorInsteadOfSendingEventError(t *testing.T) {
	reader := &brokenReader{data: []byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")}
	ch := make(chan StreamEvent, 8)

	err := parseLMStudioSSE(context.Background(), reader, ch)
	close(ch)

	if err == nil {
		t.Fatalf("expected a scanner error to be returned")
	}
	if !isStaleConnectionErr(err) {
		t.Fatalf("expected a stale-connection-classified error, got %v", err)
	}
	for evt := range ch {
		if evt.Type == EventError {
			t.Fatalf("parseLMStudioSSE must not send EventError itself, got %+v", evt)
		}
	}
}

// hijackOnceHandler hijacks the connection on its first request and closes it
// mid-chunk (simulating a dead keep-alive connection), then serves a normal
// completed SSE stream on every subsequent request.
type hijackOnceHandler struct {
	attempts int32
}

func (h *hijackOnceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&h.attempts, 1) == 1 {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijack unsupported", http.StatusInternalServerError)
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			return
		}
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		buf.Flush()
		conn.Close() // dies before any chunk, before [DONE]
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
	io.WriteString(w, "data: [DONE]\n\n")
	w.(http.Flusher).Flush()
}

func TestStreamWithRecoveryReconnectsOnceOnStaleConnection(t *testing.T) {
	handler := &hijackOnceHandler{}
	server := httptest.NewServer(handler)
	defer server.Close()

	p := NewLMStudio("lmstudio", server.URL, "test-model", 0.5)

	ch, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var gotContent string
	var gotDone bool
	var gotErr error
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				goto done
			}
			switch evt.Type {
			case EventContentDelta:
				gotContent += evt.Content
			case EventDone:
				gotDone = true
			case EventError:
				gotErr = evt.Err
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream completion")
		}
	}
done:
	if gotErr != nil {
		t.Fatalf("expected the one-shot reconnect to succeed, got error: %v", gotErr)
	}
	if !gotDone {
		t.Fatalf("expected EventDone after the reconnected stream completes")
	}
	if gotContent != "ok" {
		t.Fatalf("expected content from the reconnected stream, got %q", gotContent)
	}
	if atomic.LoadInt32(&handler.attempts) != 2 {
		t.Fatalf("expected exactly one reconnect attempt (2 total requests), got %d", handler.attempts)
	}
}
