package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStreamClosed is returned when the server ends the stream.
var ErrStreamClosed = errors.New("event stream closed by server")

// Message is one event received from a stream.
type Message struct {
	Event string
	Data  string
}

// Subscribe connects to an event stream and calls fn for every event until
// the stream ends, ctx is cancelled, or the transport fails. It never
// reconnects. A nil client uses a client without timeout, since the stream
// is long-lived.
func Subscribe(ctx context.Context, client *http.Client, url string, fn func(Message)) error {
	if client == nil {
		client = &http.Client{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connecting to %s: HTTP %d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("connecting to %s: unexpected content type %q", url, ct)
	}

	err = readStream(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readStream parses the text/event-stream framing: "field: value" lines,
// events terminated by a blank line, ":" comments ignored.
func readStream(r io.Reader, fn func(Message)) error {
	reader := bufio.NewReader(r)
	var (
		msg  Message
		data []string
	)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if msg.Event != "" || len(data) > 0 {
				msg.Data = strings.Join(data, "\n")
				if msg.Event == "" {
					msg.Event = "message"
				}
				fn(msg)
			}
			msg, data = Message{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
		case "data":
			data = append(data, value)
		}
	}
}
