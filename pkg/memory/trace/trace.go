// Package trace records domain audit events: a local line-delimited JSON
// log plus optional mirrors.
package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

// Sink receives every event a domain emits.
type Sink interface {
	Record(ctx context.Context, ev model.Event) error
	Close(ctx context.Context) error
}

// Log appends events to a JSONL file and reads them back.
type Log struct {
	mu   sync.Mutex
	path string
}

var _ Sink = (*Log)(nil)

func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "create trace directory", goerr.V("path", path))
	}
	return &Log{path: path}, nil
}

func (l *Log) Path() string { return l.path }

func (l *Log) Record(_ context.Context, ev model.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return goerr.Wrap(err, "encode event")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return goerr.Wrap(err, "open trace log", goerr.V("path", l.path))
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return goerr.Wrap(err, "append trace log", goerr.V("path", l.path))
	}
	return f.Close()
}

// Events returns logged events in append order, keeping only the given
// types when any are passed. Lines that do not decode are skipped.
func (l *Log) Events(_ context.Context, types ...model.EventType) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "open trace log", goerr.V("path", l.path))
	}
	defer f.Close()

	var out []model.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, ev.EventType) {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, goerr.Wrap(err, "read trace log", goerr.V("path", l.path))
	}
	return out, nil
}

func (l *Log) Close(context.Context) error { return nil }

// Fanout forwards each event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
