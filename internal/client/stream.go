package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"sealchat/go-backend/pkg/models"
)

const eventMessageNew = "notify.message.new"

// maxEventBytes bounds one SSE data line; ciphertexts are capped well below it.
const maxEventBytes = 2 << 20

// Stream subscribes to live envelopes and calls onEvent for each one until ctx
// is done, the server closes the stream, or onEvent returns an error. ready,
// when not nil, is closed once the subscription is confirmed.
func (c *Client) Stream(ctx context.Context, ready chan<- struct{}, onEvent func(models.EnvelopeEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rpc/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// The call client's timeout would cut the stream short.
	streamClient := *c.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stream: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if ready != nil {
		close(ready)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == eventMessageNew:
			var n struct {
				Params models.EnvelopeEvent `json:"params"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n); err != nil {
				return fmt.Errorf("stream: decode event: %w", err)
			}
			if err := onEvent(n.Params); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
