package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPhaseTimeout marks a service that had not finished its lifecycle
// operation when the phase deadline expired. The operation keeps running in
// its goroutine; the transition reports it and moves on.
var ErrPhaseTimeout = errors.New("lifecycle phase timed out")

// LifecycleError collects the per-service failures of one transition phase.
// The other services in the phase completed their attempt regardless.
type LifecycleError struct {
	Phase  string
	Errors []error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s phase: %d service(s) failed: %v", e.Phase, len(e.Errors), errors.Join(e.Errors...))
}

// Unwrap exposes the per-service errors to errors.Is/As.
func (e *LifecycleError) Unwrap() []error {
	return e.Errors
}

type phaseResult struct {
	svc Service
	err error
}

// runPhase dispatches op for every service concurrently and waits for all
// of them, up to timeout. One service's failure never prevents the others
// from being attempted; all failures are collected and returned together.
func runPhase(c *Core, phase string, services []Service, op func(Service) error) *LifecycleError {
	if len(services) == 0 {
		return nil
	}

	results := make(chan phaseResult, len(services))
	for _, s := range services {
		go func(s Service) {
			results <- phaseResult{svc: s, err: op(s)}
		}(s)
	}

	pending := make(map[Service]struct{}, len(services))
	for _, s := range services {
		pending[s] = struct{}{}
	}

	timer := time.NewTimer(c.phaseTimeout)
	defer timer.Stop()

	var errs []error
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.svc)
			if r.err != nil {
				c.logger.Error("lifecycle phase failure",
					"phase", phase, "service", r.svc.Name(), "error", r.err)
				errs = append(errs, fmt.Errorf("%s %s: %w", phase, r.svc.Name(), r.err))
			}
		case <-timer.C:
			for s := range pending {
				c.logger.Error("lifecycle phase timeout",
					"phase", phase, "service", s.Name(), "timeout", c.phaseTimeout)
				errs = append(errs, fmt.Errorf("%s %s: %w", phase, s.Name(), ErrPhaseTimeout))
			}
			pending = nil
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &LifecycleError{Phase: phase, Errors: errs}
}

// Transition replaces the running configuration oldCore with the shape of
// newCore, reusing equivalent running services. It merges the two cores,
// stops the old services that were not reused, reloads every service in
// the merged core, then starts them. Each phase fans out across its
// services in parallel; the phases themselves are strictly sequential.
//
// Failures in one phase never prevent the later phases from proceeding:
// the new configuration comes up even when tearing down the old one
// partially failed. All failures are surfaced in the returned error, one
// LifecycleError per failing phase.
//
// The returned merged core is the new system of record; the old core is
// inert afterwards and nothing may be dispatched through it.
func Transition(ctx context.Context, oldCore, newCore *Core) (*Core, error) {
	merged := MergeCores(oldCore, newCore)

	mergedServices := CoreServices(merged)
	mergedSet := make(map[Service]struct{}, len(mergedServices))
	for _, s := range mergedServices {
		mergedSet[s] = struct{}{}
	}

	// A service reused through equivalence is the same instance in both
	// sets, so it never appears here.
	var obsolete []Service
	for _, s := range CoreServices(oldCore) {
		if _, reused := mergedSet[s]; !reused {
			obsolete = append(obsolete, s)
		}
	}

	merged.logger.Info("core transition",
		"stopping", len(obsolete),
		"services", len(mergedServices),
		"streams", len(merged.Streams))

	var phaseErrs []error
	if err := runPhase(merged, "stop", obsolete, func(s Service) error {
		return s.Stop(merged.phaseTimeout)
	}); err != nil {
		phaseErrs = append(phaseErrs, err)
	}
	if err := runPhase(merged, "reload", mergedServices, func(s Service) error {
		return s.Reload(merged)
	}); err != nil {
		phaseErrs = append(phaseErrs, err)
	}
	if err := runPhase(merged, "start", mergedServices, func(s Service) error {
		return s.Start(ctx)
	}); err != nil {
		phaseErrs = append(phaseErrs, err)
	}

	if merged.metrics != nil {
		merged.metrics.TransitionsTotal.Inc()
		if len(phaseErrs) > 0 {
			merged.metrics.TransitionFailures.Inc()
		}
	}

	return merged, errors.Join(phaseErrs...)
}

// StartCore reloads then starts every service of c, in parallel within each
// step. It is the degenerate transition with no old core to tear down.
func StartCore(ctx context.Context, c *Core) error {
	services := CoreServices(c)

	var phaseErrs []error
	if err := runPhase(c, "reload", services, func(s Service) error {
		return s.Reload(c)
	}); err != nil {
		phaseErrs = append(phaseErrs, err)
	}
	if err := runPhase(c, "start", services, func(s Service) error {
		return s.Start(ctx)
	}); err != nil {
		phaseErrs = append(phaseErrs, err)
	}
	return errors.Join(phaseErrs...)
}

// StopCore stops every service of c in parallel.
func StopCore(c *Core) error {
	if err := runPhase(c, "stop", CoreServices(c), func(s Service) error {
		return s.Stop(c.phaseTimeout)
	}); err != nil {
		return err
	}
	return nil
}
