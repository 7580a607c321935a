package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepperapp/prepper/internal/events"
)

func TestWebhookNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{WebhookURL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])
}

func TestWebhookNotifier_Errors(t *testing.T) {
	assert.Error(t, (&WebhookNotifier{}).Notify(context.Background(), "x"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, content)

	return nil
}

func TestSubscribe(t *testing.T) {
	bus := events.New()
	rec := &recorder{}

	require.NoError(t, Subscribe(context.Background(), bus, rec))

	bus.Publish(events.TopicDownloadFailed, events.DownloadFailed{TaskID: "core@1.0.0", Chunks: []int{2, 5}, Err: errors.New("checksum mismatch")})
	bus.Publish(events.TopicStorageLow, events.StorageEvent{DeviceID: "sdb1", Path: "/media/usb", Available: 400 << 20, Threshold: 500 << 20})
	bus.Publish(events.TopicStorageCritical, events.StorageEvent{DeviceID: "sdb1", Path: "/media/usb", Available: 50 << 20, Threshold: 100 << 20})
	bus.Publish(events.TopicModuleRemoved, events.ModuleRemoved{ModuleID: "plants", DeviceID: "sdb1", Reason: "storage critical"})
	bus.Publish(events.TopicDownloadProgress, events.DownloadProgress{TaskID: "ignored"})
	bus.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	sort.Strings(rec.msgs)
	assert.Equal(t, []string{
		"Device sdb1 (/media/usb) critically low on space: 50 MiB free, threshold 100 MiB",
		"Device sdb1 (/media/usb) low on space: 400 MiB free, threshold 500 MiB",
		"Download core@1.0.0 failed (chunks [2 5]): checksum mismatch",
		"Module plants removed from device sdb1: storage critical",
	}, rec.msgs)
}
