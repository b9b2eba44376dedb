package segment

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
)

// fakeMuxer is a muxer substitute for tests: it never spawns a subprocess,
// just records what was written so writer logic can be asserted without
// ffmpeg installed or executed. If filePath is set, close() flushes the
// accumulated bytes to disk so callers that os.Stat the sealed segment (e.g.
// mp4Writer.seal) see a real file.
type fakeMuxer struct {
	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	failWrite bool
	failClose bool
	filePath  string
}

func (m *fakeMuxer) write(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("fake write failure")
	}
	m.writes = append(m.writes, append([]byte(nil), raw...))
	return nil
}

func (m *fakeMuxer) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.failClose {
		return errors.New("fake close failure")
	}
	if m.filePath != "" {
		var buf []byte
		for _, w := range m.writes {
			buf = append(buf, w...)
		}
		if err := os.WriteFile(m.filePath, buf, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMuxer) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// newFakeSpawn returns a spawnFunc that always hands back the given muxer,
// recording how many times it was invoked.
func newFakeSpawn(m *fakeMuxer) (spawnFunc, *int) {
	calls := 0
	return func(ctx context.Context, args []string, logger *slog.Logger) (muxer, error) {
		calls++
		return m, nil
	}, &calls
}

// newFakeSpawnFactory returns a spawnFunc that creates a fresh fakeMuxer on
// each call, wired to flush to the output path named by the last element of
// args (mp4MuxerArgs/hlsMuxerArgs both put the output path last). Every
// created muxer is appended to created for post-hoc inspection.
func newFakeSpawnFactory(created *[]*fakeMuxer) spawnFunc {
	return func(ctx context.Context, args []string, logger *slog.Logger) (muxer, error) {
		m := &fakeMuxer{}
		if len(args) > 0 {
			m.filePath = args[len(args)-1]
		}
		*created = append(*created, m)
		return m, nil
	}
}

// muxerList is a mutex-guarded []*fakeMuxer for use across the writer's own
// goroutine (Run) and the test goroutine polling it, avoiding a data race on
// the plain slice newFakeSpawnFactory would otherwise append to.
type muxerList struct {
	mu    sync.Mutex
	items []*fakeMuxer
}

func (l *muxerList) add(m *fakeMuxer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, m)
}

func (l *muxerList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *muxerList) at(i int) *fakeMuxer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items[i]
}

func newFakeSpawnFactorySafe(created *muxerList) spawnFunc {
	return func(ctx context.Context, args []string, logger *slog.Logger) (muxer, error) {
		m := &fakeMuxer{}
		if len(args) > 0 {
			m.filePath = args[len(args)-1]
		}
		created.add(m)
		return m, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
