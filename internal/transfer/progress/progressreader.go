package progress

import (
	"io"
	"sync"
	"time"
)

// Reader wraps an io.Reader and reports progress via a callback.
type Reader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(delta, written, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, total int64, interval int64, cb func(delta, written, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Read reports once every reportInterval bytes and once more at EOF so the
// callback always sees the final count.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)
	}

	if pr.lastReport > 0 && (pr.lastReport >= pr.reportInterval || err == io.EOF) {
		pr.OnProgress(pr.lastReport, pr.totalRead, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

// Meter measures throughput over a sliding window. It is safe for
// concurrent use by chunk workers.
type Meter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	now     func() time.Time
}

type sample struct {
	at    time.Time
	bytes int64
}

func NewMeter(window time.Duration) *Meter {
	return &Meter{window: window, now: time.Now}
}

func (m *Meter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.now()
	m.samples = append(m.samples, sample{at: t, bytes: n})
	m.trim(t)
}

// Rate returns bytes per second observed inside the window.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.now()
	m.trim(t)

	if len(m.samples) == 0 {
		return 0
	}

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}

	elapsed := t.Sub(m.samples[0].at)
	if elapsed < time.Second {
		elapsed = time.Second
	}

	return float64(total) / elapsed.Seconds()
}

func (m *Meter) trim(t time.Time) {
	cut := 0
	for cut < len(m.samples) && t.Sub(m.samples[cut].at) > m.window {
		cut++
	}

	m.samples = m.samples[cut:]
}
