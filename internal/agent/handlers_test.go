package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandleHealthReportsReady(t *testing.T) {
	s := New()
	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %v", body["ok"])
	}
}

func TestHandleExecReturnsBufferedOutput(t *testing.T) {
	s := New()
	reqBody, _ := json.Marshal(ExecRequest{Command: "echo hi"})
	req := httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	s.handleExec(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ExecResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.TrimSpace(resp.Stdout) != "hi" {
		t.Fatalf("expected stdout %q, got %q", "hi", resp.Stdout)
	}
}

func TestHandleExecRejectsInvalidJSON(t *testing.T) {
	s := New()
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	s.handleExec(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleWriteThenReadFileRoundTrips(t *testing.T) {
	s := New()
	dir := t.TempDir()
	path := dir + "/greeting.txt"

	writeBody, _ := json.Marshal(WriteFileRequest{Path: path, Content: "hello"})
	w := httptest.NewRecorder()
	s.handleWriteFile(w, httptest.NewRequest(http.MethodPost, "/write_file", bytes.NewReader(writeBody)))
	var writeResp FileOpResponse
	if err := json.Unmarshal(w.Body.Bytes(), &writeResp); err != nil {
		t.Fatalf("decode write response: %v", err)
	}
	if !writeResp.Success {
		t.Fatalf("expected write success, got error %q", writeResp.Error)
	}

	readBody, _ := json.Marshal(ReadFileRequest{Path: path})
	w = httptest.NewRecorder()
	s.handleReadFile(w, httptest.NewRequest(http.MethodPost, "/read_file", bytes.NewReader(readBody)))
	var readResp FileOpResponse
	if err := json.Unmarshal(w.Body.Bytes(), &readResp); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if !readResp.Success || readResp.Content != "hello" {
		t.Fatalf("expected content %q, got success=%v content=%q error=%q", "hello", readResp.Success, readResp.Content, readResp.Error)
	}
}

func TestHandleReadFileMissingReturnsSuccessFalse(t *testing.T) {
	s := New()
	body, _ := json.Marshal(ReadFileRequest{Path: "/no/such/file"})
	w := httptest.NewRecorder()
	s.handleReadFile(w, httptest.NewRequest(http.MethodPost, "/read_file", bytes.NewReader(body)))

	var resp FileOpResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false for a missing file")
	}
	if resp.Error == "" {
		t.Fatal("expected a populated error message")
	}
}

func TestHandleExecStreamEndsWithExitChunk(t *testing.T) {
	s := New()
	reqBody, _ := json.Marshal(ExecRequest{Command: "echo a; echo b 1>&2"})
	req := httptest.NewRequest(http.MethodPost, "/exec_stream", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	s.handleExecStream(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	scanner := bufio.NewScanner(w.Body)
	var chunks []StreamChunk
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c StreamChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	last := chunks[len(chunks)-1]
	if last.Channel != "exit" {
		t.Fatalf("expected the final chunk to be the exit sentinel, got %q", last.Channel)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", last.ExitCode)
	}
}

// TestHandleExecStreamTimeoutWithTermIgnoringCommand guards the timeout
// path against a pump deadlock: a command that ignores SIGTERM and keeps
// writing during the kill grace window fills the chunk channel, and the
// blocked pumps must be cancelled before killGroup waits on them or the
// handler hangs forever holding the process group.
func TestHandleExecStreamTimeoutWithTermIgnoringCommand(t *testing.T) {
	s := New()
	reqBody, _ := json.Marshal(ExecRequest{Command: "trap '' TERM; yes line", Timeout: 1})
	req := httptest.NewRequest(http.MethodPost, "/exec_stream", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleExecStream(w, req)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("exec_stream handler deadlocked on the timeout path")
	}

	scanner := bufio.NewScanner(w.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var last StreamChunk
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c StreamChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		last = c
	}
	if last.Channel != "exit" {
		t.Fatalf("expected the final chunk to be the exit sentinel, got %q", last.Channel)
	}
	if last.ExitCode == nil || *last.ExitCode != timedOutExitCode {
		t.Fatalf("expected the timeout sentinel exit code, got %v", last.ExitCode)
	}
}

// TestHandleExecStreamDoesNotTruncateLargeOutput guards against calling
// cmd.Wait before the stdout/stderr pumps have drained: cmd.Wait closes
// the command's pipes once the process exits, and racing that close
// against an in-progress pipe read truncates output. "yes" piped through
// "head" produces well more than one pipe-buffer's worth of stdout so the
// pump goroutines need more than a single read to reach EOF.
func TestHandleExecStreamDoesNotTruncateLargeOutput(t *testing.T) {
	s := New()
	const lines = 50000
	reqBody, _ := json.Marshal(ExecRequest{Command: "yes line | head -n 50000"})
	req := httptest.NewRequest(http.MethodPost, "/exec_stream", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	s.handleExecStream(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	scanner := bufio.NewScanner(w.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var stdout strings.Builder
	var last StreamChunk
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c StreamChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		if c.Channel == "stdout" {
			stdout.WriteString(c.Data)
		}
		last = c
	}
	if last.Channel != "exit" {
		t.Fatalf("expected the final chunk to be the exit sentinel, got %q", last.Channel)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", last.ExitCode)
	}

	want := strings.Repeat("line\n", lines)
	if stdout.String() != want {
		t.Fatalf("stdout truncated or corrupted: got %d bytes, want %d bytes", stdout.Len(), len(want))
	}
}
