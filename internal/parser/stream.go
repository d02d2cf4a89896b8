package parser

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
)

// Output receives the lines a protocol marks visible.
type Output interface {
	AppendOutput(line string)
}

const readChunk = 4096

// Stream reads r until EOF or ctx is done. Each complete line is cleaned,
// passed through proto and, when visible, appended to out. Events go to sink.
// A PTY reports EIO once the child is gone; that is treated as end of stream.
func Stream(ctx context.Context, r io.Reader, out Output, proto Protocol, sink func(Event)) error {
	if sink == nil {
		sink = func(Event) {}
	}
	var lb LineBuffer
	handle := func(raw string) {
		line := Clean(raw)
		if proto.Line(line, sink) {
			out.AppendOutput(line)
		}
	}
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				handle(line)
			}
		}
		if err != nil {
			if rest, ok := lb.Flush(); ok {
				handle(rest)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
