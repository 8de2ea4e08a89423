package events

import (
	"context"
	"errors"
	"fmt"
)

// Sink receives one routed JSON event.
type Sink interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Recorder counts deliveries per sink.
type Recorder interface {
	EventPublished(sink string, err error)
}

type namedSink struct {
	name string
	sink Sink
}

// Fanout publishes every event to all of its sinks. A failing sink does not
// stop the others; their errors are joined.
type Fanout struct {
	sinks    []namedSink
	recorder Recorder
}

func NewFanout(recorder Recorder) *Fanout {
	return &Fanout{recorder: recorder}
}

// Add registers s under name. Nil sinks are ignored.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	if s != nil {
		f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	}
	return f
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) PublishJSON(ctx context.Context, key string, v any) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.sink.PublishJSON(ctx, key, v)
		if f.recorder != nil {
			f.recorder.EventPublished(s.name, err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
