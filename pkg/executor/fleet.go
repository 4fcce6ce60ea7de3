package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/liliang-cn/fleetrun/pkg/inventory"
	"github.com/liliang-cn/fleetrun/pkg/metrics"
	"github.com/liliang-cn/fleetrun/pkg/ssh"
	"golang.org/x/sync/errgroup"
)

// Policy decides what RunOnFleet does when a host fails.
type Policy int

const (
	// PolicyWaitAll waits for every host, then reports the first failure.
	PolicyWaitAll Policy = iota
	// PolicyFailFast cancels the remaining hosts on the first failure.
	PolicyFailFast
	// PolicyCollectAll waits for every host and returns the successful
	// results together with every failure.
	PolicyCollectAll
)

func (p Policy) String() string {
	switch p {
	case PolicyWaitAll:
		return "wait-all"
	case PolicyFailFast:
		return "fail-fast"
	case PolicyCollectAll:
		return "collect-all"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "wait-all", "fail-fast" or "collect-all".
// An empty string is wait-all.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "wait-all":
		return PolicyWaitAll, nil
	case "fail-fast":
		return PolicyFailFast, nil
	case "collect-all":
		return PolicyCollectAll, nil
	}
	return PolicyWaitAll, fmt.Errorf("unknown policy %q (want wait-all, fail-fast or collect-all)", s)
}

// HostError pairs a failed host with its error.
type HostError struct {
	Host string
	Err  error
}

func (e HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e HostError) Unwrap() error { return e.Err }

// FleetError is the cluster-level failure of RunOnFleet. Host and Err are
// the first failure observed; Failures lists every failed host in request
// order.
type FleetError struct {
	Host     string
	Err      error
	Failures []HostError
}

func (e *FleetError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

// Unwrap returns the first failure's cause.
func (e *FleetError) Unwrap() error { return e.Err }

// RequestBuilder derives the command for one host.
type RequestBuilder func(inventory.Host) ssh.CommandRequest

// Same returns a builder sending req to every host.
func Same(req ssh.CommandRequest) RequestBuilder {
	return func(inventory.Host) ssh.CommandRequest { return req }
}

// RunOnFleet runs build(host) on every host concurrently and returns one
// result per host, keyed by host name. It returns only after every host
// operation has terminated and released its connection.
//
// Under PolicyWaitAll and PolicyFailFast any failure yields nil results
// and a *FleetError. Under PolicyCollectAll the successful results are
// returned alongside the *FleetError.
func (e *Executor) RunOnFleet(ctx context.Context, hosts []inventory.Host, build RequestBuilder) (map[string]*ssh.CommandResult, error) {
	hosts = uniqueHosts(hosts)
	if len(hosts) == 0 {
		return map[string]*ssh.CommandResult{}, nil
	}

	runID := uuid.NewString()
	log := e.logger.WithField("run", runID)
	log.Debug("dispatching to %d hosts (policy %s, parallel %d)", len(hosts), e.policy, e.parallel)

	outcomes := e.dispatch(ctx, hosts, build)

	results := make(map[string]*ssh.CommandResult, len(hosts))
	var fleetErr *FleetError
	for _, h := range hosts {
		name := h.String()
		o := outcomes.slots[name]
		if o.Err == nil {
			results[name] = o.Result
			continue
		}
		if fleetErr == nil {
			fleetErr = &FleetError{Host: outcomes.first.Host, Err: outcomes.first.Err}
		}
		fleetErr.Failures = append(fleetErr.Failures, HostError{Host: name, Err: o.Err})
	}

	if fleetErr == nil {
		e.metrics.RecordFleetRun(metrics.ResultSuccess)
		log.Debug("all %d hosts succeeded", len(hosts))
		return results, nil
	}

	if errors.Is(fleetErr.Err, context.Canceled) || errors.Is(fleetErr.Err, context.DeadlineExceeded) {
		e.metrics.RecordFleetRun(metrics.ResultCancelled)
	} else {
		e.metrics.RecordFleetRun(metrics.ResultFailure)
	}
	log.Debug("%d of %d hosts failed, first: %v", len(fleetErr.Failures), len(hosts), fleetErr)

	if e.policy == PolicyCollectAll {
		return results, fleetErr
	}
	return nil, fleetErr
}

type outcomeSet struct {
	mu    sync.Mutex
	slots map[string]Outcome
	first *HostError
}

func (s *outcomeSet) record(host string, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[host] = o
	if o.Err != nil && s.first == nil {
		s.first = &HostError{Host: host, Err: o.Err}
	}
}

// dispatch runs every host and waits for all of them. Under
// PolicyFailFast the first failure cancels the others.
func (e *Executor) dispatch(ctx context.Context, hosts []inventory.Host, build RequestBuilder) *outcomeSet {
	set := &outcomeSet{slots: make(map[string]Outcome, len(hosts))}

	g, runCtx := &errgroup.Group{}, ctx
	if e.policy == PolicyFailFast {
		g, runCtx = errgroup.WithContext(ctx)
	}
	if e.parallel > 0 {
		g.SetLimit(e.parallel)
	}

	for _, h := range hosts {
		g.Go(func() error {
			name := h.String()
			if err := runCtx.Err(); err != nil {
				// Cancelled before this host got a slot.
				set.record(name, Outcome{Err: &ssh.ConnectionError{Host: name, Err: err}})
				return err
			}
			result, err := e.RunOnHost(runCtx, h, build(h))
			set.record(name, Outcome{Result: result, Err: err})
			if e.policy == PolicyFailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	return set
}

// uniqueHosts drops hosts whose String() repeats, keeping the first occurrence.
func uniqueHosts(hosts []inventory.Host) []inventory.Host {
	seen := make(map[string]bool, len(hosts))
	out := make([]inventory.Host, 0, len(hosts))
	for _, h := range hosts {
		if seen[h.String()] {
			continue
		}
		seen[h.String()] = true
		out = append(out, h)
	}
	return out
}
