package transport

import (
	"fmt"
	"net"

	"github.com/opd-ai/meshconnect/errs"
)

// DecoyRole distinguishes which side of the HTTP decoy handshake a stream
// plays.
type DecoyRole uint8

const (
	DecoyClient DecoyRole = iota
	DecoyServer
)

// connectDecoyLine is the cosmetic request line clients write before every
// peer stream, and okDecoyLine is the cosmetic response servers write back.
// Per spec §4.1 the host in the CONNECT line carries no meaning; any value
// is accepted by a server that only scans for four consecutive CR/LF bytes.
const (
	connectDecoyLine = "CONNECT mesh.invalid:443 HTTP/1.1\r\n\r\n"
	okDecoyLine      = "HTTP/1.1 200 OK\r\n\r\n"
)

// WrapHTTPDecoy prepends the cosmetic HTTP/1.1 exchange to conn and, once
// both sides have unwrapped it, returns conn unchanged for the caller to use
// as the raw peer stream. It writes its own side's decoy line from a
// separate goroutine (so unbuffered streams such as net.Pipe do not
// deadlock) while reading byte-by-byte until four consecutive CR/LF bytes (the blank line ending an
// HTTP message) have been observed; any non-CR/LF byte resets the counter.
//
// A premature EOF before the terminator completes fails with
// errs.ErrDecoyAborted, never as a generic I/O error, so callers can treat
// it uniformly regardless of role.
func WrapHTTPDecoy(conn net.Conn, role DecoyRole) error {
	line := okDecoyLine
	if role == DecoyClient {
		line = connectDecoyLine
	}
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte(line))
		writeErr <- err
	}()
	if err := readUntilBlankLine(conn); err != nil {
		return err
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("transport: write decoy preamble: %w", err)
	}
	return nil
}

// readUntilBlankLine consumes bytes from conn until it has seen four
// consecutive CR/LF bytes, tracking progress with a counter rather than
// buffering the whole header (the decoy's content is never otherwise used).
func readUntilBlankLine(conn net.Conn) error {
	matched := 0
	buf := make([]byte, 1)

	for matched < 4 {
		n, err := conn.Read(buf)
		if n == 0 && err != nil {
			return fmt.Errorf("transport: read decoy preamble: %w: %w", errs.ErrDecoyAborted, err)
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\r' || buf[0] == '\n' {
			matched++
		} else {
			matched = 0
		}
	}
	return nil
}
