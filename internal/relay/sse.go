package relay

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/protocols"
)

// frame is one raw SSE frame plus its parsed view. Raw keeps the upstream
// bytes untouched so relayed output is byte-identical.
type frame struct {
	raw []byte
	ev  protocols.Event
}

// frameReader splits an upstream body into SSE frames (blocks of lines
// terminated by a blank line).
type frameReader struct {
	br *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{br: bufio.NewReader(r)}
}

// next returns the next frame. io.EOF marks a clean end of stream; a final
// unterminated frame before EOF is still returned first.
func (f *frameReader) next() (*frame, error) {
	var raw bytes.Buffer
	var dataLines []string
	var name string
	for {
		line, err := f.br.ReadString('\n')
		if line != "" {
			raw.WriteString(line)
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case trimmed == "":
				return parsedFrame(raw.Bytes(), name, dataLines), nil
			case strings.HasPrefix(trimmed, "event:"):
				name = strings.TrimSpace(trimmed[len("event:"):])
			case strings.HasPrefix(trimmed, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
			}
		}
		if err != nil {
			if err == io.EOF && raw.Len() > 0 {
				return parsedFrame(raw.Bytes(), name, dataLines), nil
			}
			return nil, err
		}
	}
}

func parsedFrame(raw []byte, name string, dataLines []string) *frame {
	out := make([]byte, len(raw))
	copy(out, raw)
	return &frame{
		raw: out,
		ev:  protocols.Event{Name: name, Data: []byte(strings.Join(dataLines, "\n"))},
	}
}
