package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxEventSize = 10 * 1024 * 1024 // 10MB

// scanEvents parses a text/event-stream body and calls fn for every complete
// event. It returns when the body ends or fn returns false.
func scanEvents(r io.Reader, fn func(eventType string, data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var eventType string
	var dataBuffer bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if dataBuffer.Len() > 0 {
				data := bytes.TrimSpace(dataBuffer.Bytes())
				msg := make([]byte, len(data))
				copy(msg, data)
				if !fn(eventType, msg) {
					return nil
				}
				dataBuffer.Reset()
			}
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			dataBuffer.WriteString(value)
			dataBuffer.WriteByte('\n')
		}
	}

	return scanner.Err()
}
