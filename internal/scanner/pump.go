package scanner

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// Stream names the child output a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one console line without its terminator.
type Line struct {
	Stream Stream
	Text   string
}

// Pump reads r until EOF and calls fn for every line. A final line without a
// terminator is still delivered. io.EOF and closed-pipe errors are not
// reported.
func Pump(r io.Reader, stream Stream, fn func(Line)) error {
	reader := bufio.NewReader(r)
	for {
		s, err := reader.ReadString('\n')
		if len(s) != 0 {
			fn(Line{Stream: stream, Text: strings.TrimRight(s, "\r\n")})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
