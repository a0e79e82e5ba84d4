package transport

import (
	"bufio"
	"io"
	"strings"
)

// serverEvent is one parsed SSE event.
type serverEvent struct {
	name string
	data string
}

// readEventStream parses text/event-stream data from r and hands each event to
// emit. It returns when the stream ends or emit returns false. Comment lines
// and fields other than event/data are ignored.
func readEventStream(r io.Reader, bufferSize int, emit func(ev serverEvent) bool) error {
	scanner := bufio.NewScanner(r)
	if bufferSize > 0 {
		scanner.Buffer(make([]byte, 0, 4096), bufferSize)
	}

	var ev serverEvent
	var data []string
	flush := func() bool {
		if len(data) == 0 && ev.name == "" {
			return true
		}
		ev.data = strings.Join(data, "\n")
		keep := true
		if ev.data != "" || ev.name != "" {
			keep = emit(ev)
		}
		ev = serverEvent{}
		data = data[:0]
		return keep
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return scanner.Err()
}
