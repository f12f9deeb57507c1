package clock

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	syncProbes   = 5
	probeTimeout = 5 * time.Second
)

// HTTPSource derives the server clock from the Date header of HEAD
// responses. The offset is measured with a few probes, keeping the one with
// the shortest round trip, and re-measured once it is older than Resync.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Resync time.Duration

	now func() time.Time

	mu       sync.Mutex
	offset   time.Duration
	syncedAt time.Time
}

// NewHTTPSource creates a remote clock backed by url.
func NewHTTPSource(url string, resync time.Duration) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: probeTimeout},
		Resync: resync,
		now:    time.Now,
	}
}

// Now returns the current server time.
func (s *HTTPSource) Now() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syncedAt.IsZero() || (s.Resync > 0 && s.now().Sub(s.syncedAt) > s.Resync) {
		if err := s.sync(); err != nil {
			return time.Time{}, err
		}
	}
	return s.now().Add(s.offset), nil
}

func (s *HTTPSource) sync() error {
	var (
		best    time.Duration
		bestRTT time.Duration = -1
		lastErr error
	)
	for i := 0; i < syncProbes; i++ {
		offset, rtt, err := s.probe()
		if err != nil {
			lastErr = err
			continue
		}
		if bestRTT < 0 || rtt < bestRTT {
			best, bestRTT = offset, rtt
		}
	}
	if bestRTT < 0 {
		return fmt.Errorf("sync server time from %s: %w", s.URL, lastErr)
	}
	s.offset = best
	s.syncedAt = s.now()
	return nil
}

func (s *HTTPSource) probe() (offset, rtt time.Duration, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("create http request: %w", err)
	}

	start := s.now()
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("http request: %w", err)
	}
	end := s.now()
	resp.Body.Close()

	date, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return 0, 0, fmt.Errorf("parse Date header: %w", err)
	}

	rtt = end.Sub(start)
	// Date has one second resolution; assume the middle of that second.
	server := date.Add(500 * time.Millisecond)
	local := end.Add(-rtt / 2)
	return server.Sub(local), rtt, nil
}
