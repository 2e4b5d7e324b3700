package alarms

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sender delivers one notification to a destination. Implementations are
// pure sinks; the engine logs failures and never retries.
type Sender interface {
	Send(ctx context.Context, destination, message string) error
}

// LogSender writes notifications to the log. Default wiring for channel
// types without a real backend configured.
type LogSender struct {
	Logger log.Logger
}

func (s *LogSender) Send(_ context.Context, destination, message string) error {
	level.Info(s.Logger).Log("msg", "alarm notification", "destination", destination, "notification", message)
	return nil
}

// WebhookSender POSTs the notification as JSON to the destination URL.
type WebhookSender struct {
	Client *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, destination, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", destination, resp.StatusCode)
	}
	return nil
}
