package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ptyhub/ptyhub/internal/client"
	"github.com/ptyhub/ptyhub/internal/protocol"
	"github.com/ptyhub/ptyhub/internal/session"
)

// reconnectDelay is the fixed backoff between attach retries.
const reconnectDelay = 3 * time.Second

func newAttachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach the local terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindFlag(cmd)
			if err != nil {
				return err
			}
			noReconnect, _ := cmd.Flags().GetBool("no-reconnect")

			c, err := client.New()
			if err != nil {
				return err
			}
			return runAttach(cmd.Context(), c, args[0], kind, !noReconnect)
		},
	}
	cmd.Flags().String("kind", "agent", "terminal kind (agent, shell, alt-agent)")
	cmd.Flags().Bool("no-reconnect", false, "exit on disconnect instead of retrying")
	return cmd
}

// runAttach keeps one attach loop alive, redialling after a fixed delay on
// connection loss. Every rejoin replays the daemon's scrollback, so no
// output appears lost to the viewer.
func runAttach(ctx context.Context, c *client.Client, sessionID string, kind session.TerminalKind, reconnect bool) error {
	fmt.Printf("Attaching to %s/%s...\n", sessionID, kind)
	fmt.Println("Press Ctrl+C to detach")

	var oldState *term.State
	if term.IsTerminal(int(os.Stdin.Fd())) {
		var err error
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	// One reader owns stdin for the whole attach lifetime. Reconnects pick
	// up the same channel, so two connection attempts never race for the
	// descriptor and chunks are consumed exactly once.
	input := startInputReader(os.Stdin)

	for {
		exited, err := attachOnce(ctx, c, sessionID, kind, input)
		if exited || ctx.Err() != nil {
			return nil
		}
		if !reconnect {
			return err
		}

		fmt.Fprintf(os.Stderr, "\r\n[disconnected, retrying in %s]\r\n", reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// attachOnce runs a single connection lifetime. It reports exited=true when
// the session itself finished, as opposed to the connection dropping.
func attachOnce(ctx context.Context, c *client.Client, sessionID string, kind session.TerminalKind, input <-chan []byte) (exited bool, err error) {
	conn, err := c.DialTerminal(ctx, sessionID, kind)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	// The websocket allows a single writer at a time; the input forwarder
	// and the resize loop share the connection through this lock.
	writer := &frameWriter{conn: conn}

	go forwardInput(done, input, writer)

	// Propagate local window size changes.
	resizeCh := make(chan os.Signal, 1)
	notifyResize(resizeCh)
	defer signal.Stop(resizeCh)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-resizeCh:
				sendResize(writer)
			}
		}
	}()
	sendResize(writer)

	for {
		_, frame, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return false, nil
			}
			return false, readErr
		}

		var probe struct {
			Type protocol.Type `json:"type"`
		}
		if json.Unmarshal(frame, &probe) != nil {
			continue
		}

		switch probe.Type {
		case protocol.TypeTerminalOutput:
			var msg protocol.OutputMessage
			if json.Unmarshal(frame, &msg) == nil {
				os.Stdout.WriteString(msg.Data)
			}
		case protocol.TypeTerminalScrollback:
			var msg protocol.ScrollbackMessage
			if json.Unmarshal(frame, &msg) == nil {
				for _, line := range msg.Data {
					fmt.Fprintf(os.Stdout, "%s\r\n", line)
				}
			}
		case protocol.TypeSessionStatus:
			var msg protocol.StatusMessage
			if json.Unmarshal(frame, &msg) == nil && msg.Status == "idle" {
				fmt.Fprintf(os.Stderr, "\r\n[session exited")
				if msg.ExitCode != nil {
					fmt.Fprintf(os.Stderr, " with code %d", *msg.ExitCode)
				}
				fmt.Fprintf(os.Stderr, "]\r\n")
				return true, nil
			}
		case protocol.TypeSessionError, protocol.TypeError:
			var msg protocol.ErrorMessage
			if json.Unmarshal(frame, &msg) == nil {
				fmt.Fprintf(os.Stderr, "\r\n[%s: %s]\r\n", msg.Code, msg.Message)
			}
		}
	}
}

func sendResize(w *frameWriter) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	_ = w.writeJSON(protocol.ResizeMessage{
		Type: protocol.TypeTerminalResize,
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// startInputReader pumps stdin chunks into an unbuffered channel. A chunk
// read while no connection is up simply waits in the reader until the next
// connection's forwarder consumes it.
func startInputReader(r io.Reader) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		buffer := make([]byte, 1024)
		for {
			n, err := r.Read(buffer)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buffer[:n])
				ch <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

type inputWriter interface {
	writeJSON(v any) error
}

// forwardInput turns stdin chunks into terminal:input frames until the
// connection ends or stdin is exhausted.
func forwardInput(done <-chan struct{}, input <-chan []byte, w inputWriter) {
	for {
		select {
		case <-done:
			return
		case chunk, ok := <-input:
			if !ok {
				return
			}
			frame := protocol.InputMessage{Type: protocol.TypeTerminalInput, Data: string(chunk)}
			if w.writeJSON(frame) != nil {
				return
			}
		}
	}
}

type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}
