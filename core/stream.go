package core

import (
	"errors"
	"slices"
	"time"

	"github.com/c360/eventcore/event"
)

// ErrNoIndex is returned by the index helpers when the core carries no
// index service.
var ErrNoIndex = errors.New("core has no index")

// Stream dispatches e through every stream function of the core, in list
// order, measuring wall-clock latency against the core's StreamRate.
//
// Errors from individual streams are not caught here: the first error
// aborts the dispatch and propagates to the ingestion caller. Streams are
// expected to handle their own failures; latency is recorded either way.
func (c *Core) Stream(e *event.Event) error {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		if c.StreamRate != nil {
			c.StreamRate.Observe(d)
		}
		if c.metrics != nil {
			c.metrics.StreamDuration.Observe(d.Seconds())
			c.metrics.EventsStreamed.Inc()
		}
	}()

	for _, stream := range c.Streams {
		if err := stream(e); err != nil {
			if c.metrics != nil {
				c.metrics.StreamErrors.Inc()
			}
			return err
		}
	}
	return nil
}

// UpdateIndex stores e in the core's index. When the index reports an
// actual change and the core has a pubsub, the event is also published on
// the "index" topic.
func (c *Core) UpdateIndex(e *event.Event) error {
	if c.Index == nil {
		return ErrNoIndex
	}
	if c.Index.Update(e) && c.PubSub != nil {
		c.PubSub.Publish(IndexTopic, e)
	}
	return nil
}

// DeleteFromIndex removes the index entry matching e's identity key.
func (c *Core) DeleteFromIndex(e *event.Event) error {
	if c.Index == nil {
		return ErrNoIndex
	}
	c.Index.Delete(e)
	return nil
}

// DeleteFromIndexFields projects e onto the ordered field list and deletes
// every indexed event whose projection onto the same fields matches. This
// is a linear scan over a snapshot of the whole index, meant for broad
// invalidation (evict everything for a host), not per-event bookkeeping.
func (c *Core) DeleteFromIndexFields(fields []string, e *event.Event) error {
	if c.Index == nil {
		return ErrNoIndex
	}
	want := e.Fields(fields)
	for _, indexed := range c.Index.Events() {
		if slices.Equal(indexed.Fields(fields), want) {
			c.Index.DeleteExactly(indexed)
		}
	}
	return nil
}
