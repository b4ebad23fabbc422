package streambridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/execbox/execbox/internal/agent"
)

// errReader is an io.ReadCloser that returns a handful of valid
// newline-delimited chunks and then fails, simulating the in-sandbox agent
// connection dropping mid-stream before it emits its own exit chunk.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func (e *errReader) Close() error { return nil }

// recvAll collects every text message received on conn until the connection
// closes or ctx expires.
func recvAll(ctx context.Context, conn *websocket.Conn) ([]agent.StreamChunk, error) {
	var chunks []agent.StreamChunk
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return chunks, err
		}
		var c agent.StreamChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func newBridgeTestServer(t *testing.T, onAccept func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		onAccept(conn)
	}))
}

func TestPumpSynthesizesInterruptedExitOnDroppedBody(t *testing.T) {
	received := make(chan []agent.StreamChunk, 1)

	srv := newBridgeTestServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chunks, _ := recvAll(ctx, conn)
		received <- chunks
	})
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialConn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dialConn.CloseNow()

	var body strings.Builder
	enc := json.NewEncoder(&body)
	enc.Encode(agent.StreamChunk{Channel: "stdout", Data: "partial output\n"})

	src := &errReader{r: strings.NewReader(body.String()), err: io.ErrUnexpectedEOF}

	if err := Pump(ctx, dialConn, src); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	dialConn.Close(websocket.StatusNormalClosure, "")

	var chunks []agent.StreamChunk
	select {
	case chunks = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed chunks")
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (stdout + synthesized exit), got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Channel != "stdout" || chunks[0].Data != "partial output\n" {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.Channel != "exit" {
		t.Fatalf("expected last chunk to be the exit sentinel, got %q", last.Channel)
	}
	if last.ExitCode == nil || *last.ExitCode != InterruptedExitCode {
		t.Fatalf("expected exit code %d, got %v", InterruptedExitCode, last.ExitCode)
	}
}

func TestPumpPassesThroughRealExitChunkUnmodified(t *testing.T) {
	received := make(chan []agent.StreamChunk, 1)

	srv := newBridgeTestServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chunks, _ := recvAll(ctx, conn)
		received <- chunks
	})
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialConn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dialConn.CloseNow()

	var body strings.Builder
	enc := json.NewEncoder(&body)
	enc.Encode(agent.StreamChunk{Channel: "stdout", Data: "ok\n"})
	exitCode := 0
	enc.Encode(agent.StreamChunk{Channel: "exit", ExitCode: &exitCode})

	src := io.NopCloser(strings.NewReader(body.String()))

	if err := Pump(ctx, dialConn, src); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	dialConn.Close(websocket.StatusNormalClosure, "")

	var chunks []agent.StreamChunk
	select {
	case chunks = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed chunks")
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	last := chunks[len(chunks)-1]
	if last.Channel != "exit" || last.ExitCode == nil || *last.ExitCode != 0 {
		t.Fatalf("expected the agent's own exit chunk to pass through unmodified, got %+v", last)
	}
}
