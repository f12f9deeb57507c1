// Package recorder writes the local copy of a capture: VP8 video to IVF and
// Opus audio to Ogg.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2

	// DefaultFinalizeWait bounds how long Finalize waits for readers to drain.
	DefaultFinalizeWait = 5 * time.Second
)

var ErrNotRecordable = errors.New("stream does not expose RTP tracks")

type mediaWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Recorder writes recordings below Dir.
type Recorder struct {
	Dir          string
	FinalizeWait time.Duration
	logger       zerolog.Logger
}

// New returns a Recorder writing to dir.
func New(dir string) *Recorder {
	return &Recorder{
		Dir:          dir,
		FinalizeWait: DefaultFinalizeWait,
		logger:       xlog.WithComponent("recorder"),
	}
}

// Record starts writing every track of stream to <Dir>/<name>.{ivf,ogg}.
// Finalize adds a <name>.json manifest.
func (r *Recorder) Record(stream domain.MediaStream, name string) (domain.LocalRecording, error) {
	src, ok := stream.(domain.TrackSource)
	if !ok {
		return nil, ErrNotRecordable
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	tracks, err := src.OpenTracks()
	if err != nil {
		return nil, fmt.Errorf("open tracks: %w", err)
	}

	rec := &Recording{
		manifest:  filepath.Join(r.Dir, name+".json"),
		startedAt: time.Now(),
		tracks:    tracks,
		wait:      r.FinalizeWait,
		logger:    r.logger.With().Str("stream_id", stream.ID()).Logger(),
		done:      make(chan struct{}),
	}
	for _, t := range tracks {
		w, path, err := r.openWriter(t, name)
		if err != nil {
			for _, t := range tracks {
				_ = t.Close()
			}
			_ = rec.closeWriters()
			return nil, err
		}
		rec.sinks = append(rec.sinks, &sink{track: t, writer: w, path: path})
	}

	for _, s := range rec.sinks {
		s := s
		rec.group.Go(func() error { return rec.pump(s) })
	}
	go func() {
		rec.pumpErr = rec.group.Wait()
		close(rec.done)
	}()

	rec.logger.Info().Strs("files", rec.Files()).Msg("local recording started")
	return rec, nil
}

func (r *Recorder) openWriter(t domain.RTPTrack, name string) (mediaWriter, string, error) {
	switch t.Kind() {
	case "video":
		path := filepath.Join(r.Dir, name+".ivf")
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
		return w, path, nil
	case "audio":
		path := filepath.Join(r.Dir, name+".ogg")
		w, err := oggwriter.New(path, opusSampleRate, opusChannels)
		if err != nil {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
		return w, path, nil
	default:
		return nil, "", fmt.Errorf("unsupported track kind %q", t.Kind())
	}
}

type sink struct {
	track  domain.RTPTrack
	path   string
	mu     sync.Mutex
	writer mediaWriter
	closed bool
	frames int
}

func (s *sink) write(pkts []*rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	var errs []error
	for _, p := range pkts {
		if err := s.writer.WriteRTP(p); err != nil {
			errs = append(errs, err)
			continue
		}
		s.frames++
	}
	return errors.Join(errs...)
}

func (s *sink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

// Recording is a running local recording.
type Recording struct {
	manifest  string
	startedAt time.Time

	tracks []domain.RTPTrack
	sinks  []*sink
	wait   time.Duration
	logger zerolog.Logger

	group   errgroup.Group
	done    chan struct{}
	pumpErr error

	finalizeOnce sync.Once
	finalizeErr  error
}

func (rec *Recording) pump(s *sink) error {
	for {
		pkts, err := s.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read %s track: %w", s.track.Kind(), err)
		}
		if err := s.write(pkts); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			rec.logger.Debug().Err(err).Str("file", s.path).Msg("dropped packets")
		}
	}
}

// Files lists the files being written.
func (rec *Recording) Files() []string {
	files := make([]string, 0, len(rec.sinks))
	for _, s := range rec.sinks {
		files = append(files, s.path)
	}
	return files
}

// Finalize stops reading, flushes and closes every file. It is safe to call
// more than once.
func (rec *Recording) Finalize() ([]string, error) {
	rec.finalizeOnce.Do(func() {
		var errs []error
		for _, t := range rec.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close reader %s: %w", t.ID(), err))
			}
		}

		select {
		case <-rec.done:
			if rec.pumpErr != nil {
				errs = append(errs, rec.pumpErr)
			}
		case <-time.After(rec.wait):
			rec.logger.Warn().Dur("wait", rec.wait).Msg("readers did not drain, closing files anyway")
		}

		if err := rec.closeWriters(); err != nil {
			errs = append(errs, err)
		}
		if err := rec.writeManifest(); err != nil {
			errs = append(errs, err)
		}
		rec.finalizeErr = errors.Join(errs...)

		ev := rec.logger.Info()
		for _, s := range rec.sinks {
			ev = ev.Int(filepath.Base(s.path), s.written())
		}
		ev.Msg("local recording finalized")
	})
	return append(rec.Files(), rec.manifest), rec.finalizeErr
}

// Manifest describes a finalized recording.
type Manifest struct {
	StartedAt   time.Time      `json:"started_at"`
	FinalizedAt time.Time      `json:"finalized_at"`
	Files       []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Packets int    `json:"packets"`
}

func (rec *Recording) writeManifest() error {
	m := Manifest{StartedAt: rec.startedAt, FinalizedAt: time.Now()}
	for _, s := range rec.sinks {
		m.Files = append(m.Files, ManifestFile{Path: filepath.Base(s.path), Kind: s.track.Kind(), Packets: s.written()})
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := renameio.WriteFile(rec.manifest, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (rec *Recording) closeWriters() error {
	var errs []error
	for _, s := range rec.sinks {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.path, err))
		}
	}
	return errors.Join(errs...)
}
