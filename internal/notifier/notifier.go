// Package notifier forwards failures and storage warnings to a webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// WebhookNotifier posts {"content": "..."}, the shape Discord and most chat
// webhooks accept.
type WebhookNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (w *WebhookNotifier) Notify(ctx context.Context, content string) error {
	if w.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Subscribe forwards download failures, storage warnings and module
// removals on bus to n. Delivery runs off the publisher's goroutine.
func Subscribe(ctx context.Context, bus *events.Bus, n Notifier) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "notifier")

	send := func(content string) {
		if err := n.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	handlers := map[string]any{
		events.TopicDownloadFailed: func(ev events.DownloadFailed) {
			send(formatDownloadFailed(ev))
		},
		events.TopicStorageLow: func(ev events.StorageEvent) {
			send(formatStorage("low on space", ev))
		},
		events.TopicStorageCritical: func(ev events.StorageEvent) {
			send(formatStorage("critically low on space", ev))
		},
		events.TopicModuleRemoved: func(ev events.ModuleRemoved) {
			send(fmt.Sprintf("Module %s removed from device %s: %s", ev.ModuleID, ev.DeviceID, ev.Reason))
		},
	}

	for topic, fn := range handlers {
		if err := bus.SubscribeAsync(topic, fn); err != nil {
			return err
		}
	}

	return nil
}

func formatDownloadFailed(ev events.DownloadFailed) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Download %s failed", ev.TaskID)

	if len(ev.Chunks) > 0 {
		fmt.Fprintf(&b, " (chunks %v)", ev.Chunks)
	}

	if ev.Err != nil {
		fmt.Fprintf(&b, ": %v", ev.Err)
	}

	return b.String()
}

func formatStorage(what string, ev events.StorageEvent) string {
	return fmt.Sprintf("Device %s (%s) %s: %s free, threshold %s",
		ev.DeviceID, ev.Path, what, humanize.IBytes(ev.Available), humanize.IBytes(ev.Threshold))
}
