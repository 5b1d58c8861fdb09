package core

// MergeCores produces a core with the shape of newCore that reuses the
// running instances of oldCore wherever they are logically equivalent, so
// stateful resources survive reconfiguration instead of being torn down
// and rebuilt.
//
// MergeCores is pure: it performs no I/O and never calls Start, Stop or
// Reload on anything.
func MergeCores(oldCore, newCore *Core) *Core {
	merged := &Core{
		// Streams are pure functions, not stateful resources: always take
		// the latest definition.
		Streams: newCore.Streams,

		Services: make([]Service, 0, len(newCore.Services)),

		StreamRate:   newCore.StreamRate,
		logger:       newCore.logger,
		metrics:      newCore.metrics,
		phaseTimeout: newCore.phaseTimeout,
	}

	// A construction path that omitted the accumulator must not lose the
	// stats the old core collected.
	if merged.StreamRate == nil {
		merged.StreamRate = oldCore.StreamRate
	}
	if merged.metrics == nil {
		merged.metrics = oldCore.metrics
	}
	if merged.phaseTimeout == 0 {
		merged.phaseTimeout = oldCore.phaseTimeout
	}

	for _, s := range newCore.Services {
		// CoreServices tolerates nil entries, so the merge must too.
		if s == nil {
			continue
		}
		if o := findEquiv(oldCore.Services, s); o != nil {
			merged.Services = append(merged.Services, o)
		} else {
			merged.Services = append(merged.Services, s)
		}
	}

	if newCore.Index != nil {
		if oldCore.Index != nil && newCore.Index.Equiv(oldCore.Index) {
			merged.Index = oldCore.Index
		} else {
			merged.Index = newCore.Index
		}
	}

	if newCore.PubSub != nil {
		if oldCore.PubSub != nil && newCore.PubSub.Equiv(oldCore.PubSub) {
			merged.PubSub = oldCore.PubSub
		} else {
			merged.PubSub = newCore.PubSub
		}
	}

	return merged
}

// findEquiv returns the first service in services equivalent to s, or nil.
func findEquiv(services []Service, s Service) Service {
	for _, o := range services {
		if o == nil {
			continue
		}
		if o.Equiv(s) {
			return o
		}
	}
	return nil
}
