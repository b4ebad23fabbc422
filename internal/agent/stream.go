package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"
)

// streamChunkSize is the fixed byte threshold at which a partial line is
// flushed as its own chunk.
const streamChunkSize = 4096

// pumpChunks reads from r and sends one StreamChunk per line (or per
// streamChunkSize bytes, whichever comes first) on ch, tagged with
// channel. It returns when r hits EOF or ctx is done.
func pumpChunks(ctx context.Context, r io.Reader, channel string, ch chan<- StreamChunk) {
	buf := make([]byte, streamChunkSize)
	reader := bufio.NewReaderSize(r, streamChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := reader.ReadSlice('\n')
		if len(line) > 0 {
			send(ctx, ch, StreamChunk{Channel: channel, Data: string(line)})
		}
		if err == bufio.ErrBufferFull {
			// No newline within the threshold: flush what fit and keep
			// reading the rest of the oversized line on the next pass.
			continue
		}
		if err != nil {
			if err != io.EOF {
				n, rerr := r.Read(buf)
				if n > 0 {
					send(ctx, ch, StreamChunk{Channel: channel, Data: string(buf[:n])})
				}
				if rerr != nil {
					return
				}
				continue
			}
			return
		}
	}
}

func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) {
	select {
	case ch <- c:
	case <-ctx.Done():
	}
}

// execStream runs command and writes a chunked-transfer-encoded stream of
// newline-delimited JSON StreamChunks to w: stdout/stderr chunks as they
// arrive, followed by a terminal {channel:"exit", exit_code} chunk. The
// exit chunk is always the last one written.
func execStream(ctx context.Context, w http.ResponseWriter, command, workdir string, timeout time.Duration) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	writeChunk := func(c StreamChunk) {
		enc.Encode(c)
		if flusher != nil {
			flusher.Flush()
		}
	}

	rc, err := startCommand(command, workdir)
	if err != nil {
		exitCode := timedOutExitCode
		writeChunk(StreamChunk{Channel: "exit", ExitCode: &exitCode})
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan StreamChunk, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pumpChunks(streamCtx, rc.stdout, "stdout", chunks) }()
	go func() { defer wg.Done(); pumpChunks(streamCtx, rc.stderr, "stderr", chunks) }()

	// cmd.Wait closes the command's pipes once the process exits; calling
	// it before the pumpChunks readers have seen EOF races their reads
	// against that close. Waiting for both pumps here before calling Wait
	// mirrors execBuffered's wg.Wait()-then-cmd.Wait() sequencing.
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- rc.cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
loop:
	for {
		select {
		case c := <-chunks:
			writeChunk(c)
		case err := <-done:
			waitErr = err
			break loop
		case <-timer.C:
			// Cancel the pumps before killing: a pump blocked sending on a
			// full chunks channel only unblocks on streamCtx.Done(), and
			// killGroup waits on done, which waits on the pumps. Without
			// this, a command that ignores SIGTERM and keeps writing fills
			// the buffer and the handler hangs forever.
			cancel()
			killGroup(rc.cmd.Process.Pid, done)
			timedOut = true
			break loop
		case <-ctx.Done():
			cancel()
			killGroup(rc.cmd.Process.Pid, done)
			timedOut = true
			break loop
		}
	}

	// Drain any chunks already queued before the exit sentinel.
	drainDeadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case c := <-chunks:
			writeChunk(c)
		case <-drainDeadline:
			break drain
		default:
			if len(chunks) == 0 {
				break drain
			}
		}
	}

	ec := exitCode(waitErr)
	if timedOut {
		ec = timedOutExitCode
	}
	writeChunk(StreamChunk{Channel: "exit", ExitCode: &ec})
}
