// Package streambridge relays a streaming exec call's chunked HTTP
// response from an in-sandbox agent onto a WebSocket connection held open
// with an external RPC caller. The front-end holds both ends open and
// pumps chunks from one to the other.
package streambridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"

	"nhooyr.io/websocket"

	"github.com/execbox/execbox/internal/agent"
)

// InterruptedExitCode is sent as the terminal chunk's exit_code when the
// agent connection drops before its own exit chunk arrives.
const InterruptedExitCode = -1

// Pump reads newline-delimited agent.StreamChunk records from body and
// writes each one as a JSON text message on conn, preserving arrival
// order. The terminal "exit" chunk is always the last message written,
// whether it came from the agent or was synthesized here after a dropped
// connection.
func Pump(ctx context.Context, conn *websocket.Conn, body io.ReadCloser) error {
	defer body.Close()

	dec := json.NewDecoder(bufio.NewReader(body))
	sawExit := false

	for {
		var chunk agent.StreamChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			log.Printf("streambridge: decode chunk: %v", err)
			break
		}

		if err := writeChunk(ctx, conn, chunk); err != nil {
			return err
		}
		if chunk.Channel == "exit" {
			sawExit = true
			break
		}
	}

	if !sawExit {
		ec := InterruptedExitCode
		return writeChunk(ctx, conn, agent.StreamChunk{Channel: "exit", ExitCode: &ec})
	}
	return nil
}

func writeChunk(ctx context.Context, conn *websocket.Conn, chunk agent.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
