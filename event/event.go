// Package event defines the sparse event record that flows through the
// eventcore processing pipeline. Events are open records: only the fields a
// producer sets carry meaning, everything else is absent.
package event

import (
	"fmt"
	"strconv"
	"time"
)

// Key identifies an event's logical origin. Two events with the same Key
// describe the same monitored thing at different points in time.
type Key struct {
	Host    string
	Service string
}

// String renders the key for use as a map key. The NUL separator cannot
// occur in host or service names arriving over the wire.
func (k Key) String() string {
	return k.Host + "\x00" + k.Service
}

// Event is the unit of data in the system. All fields are optional; Metric
// is a pointer so that "no metric" and "metric zero" stay distinguishable.
type Event struct {
	Host        string            `json:"host,omitempty"`
	Service     string            `json:"service,omitempty"`
	State       string            `json:"state,omitempty"`
	Description string            `json:"description,omitempty"`
	Metric      *float64          `json:"metric,omitempty"`
	Time        time.Time         `json:"time,omitzero"`
	TTL         float64           `json:"ttl,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Key returns the (host, service) identity of the event.
func (e *Event) Key() Key {
	return Key{Host: e.Host, Service: e.Service}
}

// Clone returns a deep copy. Events are shared between streams, the index
// and pubsub subscribers, so mutation always happens on a copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metric != nil {
		m := *e.Metric
		c.Metric = &m
	}
	if e.Tags != nil {
		c.Tags = make([]string, len(e.Tags))
		copy(c.Tags, e.Tags)
	}
	if e.Attributes != nil {
		c.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Field returns the string rendition of a single named field. Core fields
// are addressed by their JSON names; any other name is looked up in
// Attributes. The second return reports whether the field is present.
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "host":
		return e.Host, e.Host != ""
	case "service":
		return e.Service, e.Service != ""
	case "state":
		return e.State, e.State != ""
	case "description":
		return e.Description, e.Description != ""
	case "metric":
		if e.Metric == nil {
			return "", false
		}
		return strconv.FormatFloat(*e.Metric, 'g', -1, 64), true
	case "time":
		if e.Time.IsZero() {
			return "", false
		}
		return e.Time.UTC().Format(time.RFC3339Nano), true
	case "ttl":
		if e.TTL == 0 {
			return "", false
		}
		return strconv.FormatFloat(e.TTL, 'g', -1, 64), true
	default:
		v, ok := e.Attributes[name]
		return v, ok
	}
}

// Fields projects the event onto an ordered list of field names, returning
// the string rendition of each. Absent fields project to the empty string,
// so two events agree on a projection exactly when they agree on every
// named field.
func (e *Event) Fields(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i], _ = e.Field(name)
	}
	return out
}

// Project returns a new event carrying only the named fields; everything
// else is left absent. Unknown names copy attribute entries when present.
func (e *Event) Project(names []string) *Event {
	p := &Event{}
	for _, name := range names {
		switch name {
		case "host":
			p.Host = e.Host
		case "service":
			p.Service = e.Service
		case "state":
			p.State = e.State
		case "description":
			p.Description = e.Description
		case "metric":
			if e.Metric != nil {
				m := *e.Metric
				p.Metric = &m
			}
		case "time":
			p.Time = e.Time
		case "ttl":
			p.TTL = e.TTL
		default:
			if v, ok := e.Attributes[name]; ok {
				if p.Attributes == nil {
					p.Attributes = make(map[string]string)
				}
				p.Attributes[name] = v
			}
		}
	}
	return p
}

// Equal reports whether two events carry the same values in every field.
func Equal(a, b *Event) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Host != b.Host || a.Service != b.Service || a.State != b.State ||
		a.Description != b.Description || a.TTL != b.TTL || !a.Time.Equal(b.Time) {
		return false
	}
	if (a.Metric == nil) != (b.Metric == nil) {
		return false
	}
	if a.Metric != nil && *a.Metric != *b.Metric {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i, t := range a.Tags {
		if b.Tags[i] != t {
			return false
		}
	}
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return false
		}
	}
	return true
}

// String gives a compact human-readable rendition for logs.
func (e *Event) String() string {
	metric := "nil"
	if e.Metric != nil {
		metric = strconv.FormatFloat(*e.Metric, 'g', -1, 64)
	}
	return fmt.Sprintf("event{host=%q service=%q state=%q metric=%s}",
		e.Host, e.Service, e.State, metric)
}
