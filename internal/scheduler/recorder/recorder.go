package recorder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sessionscheduler/internal/scheduler/schedulerobjects"
)

// ErrNoActiveScope is returned by Current when no recording scope is open on the context.
var ErrNoActiveScope = errors.New("no active transition recording scope")

type StepStatus string

const (
	StepStarted StepStatus = "started"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

type StepRecord struct {
	Phase     []string
	Name      string
	Status    StepStatus
	Detail    string
	Timestamp time.Time
}

// Path returns the phase path and step name joined with "/".
func (r StepRecord) Path() string {
	return strings.Join(append(append([]string(nil), r.Phase...), r.Name), "/")
}

type poolKey struct{}

type Option func(*Pool)

func WithClock(c clock.PassiveClock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// Pool collects the step records of one operation (one scheduling cycle), keyed by entity id.
type Pool struct {
	operation string
	cycleID   string
	clock     clock.PassiveClock

	mu        sync.Mutex
	shared    []StepRecord
	records   map[string][]StepRecord
	recorders map[string]*TransitionRecorder
	order     []string
	closed    bool
}

// Scope opens a recording scope for operation and returns a context carrying it. The caller must
// Close the pool when the operation ends.
func Scope(ctx context.Context, operation string, opts ...Option) (context.Context, *Pool) {
	pool := &Pool{
		operation: operation,
		cycleID:   uuid.NewString(),
		clock:     clock.RealClock{},
		records:   map[string][]StepRecord{},
		recorders: map[string]*TransitionRecorder{},
	}
	for _, opt := range opts {
		opt(pool)
	}
	return context.WithValue(ctx, poolKey{}, pool), pool
}

// Current returns the pool of the innermost open scope on ctx.
func Current(ctx context.Context) (*Pool, error) {
	pool, ok := ctx.Value(poolKey{}).(*Pool)
	if !ok || pool == nil {
		return nil, ErrNoActiveScope
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.closed {
		return nil, ErrNoActiveScope
	}
	return pool, nil
}

func (p *Pool) Operation() string {
	return p.operation
}

func (p *Pool) CycleID() string {
	return p.cycleID
}

// Entity returns the recorder of entityID, creating it on first use.
func (p *Pool) Entity(entityID string) *TransitionRecorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.recorders[entityID]; ok {
		return r
	}
	r := &TransitionRecorder{pool: p, entityID: entityID}
	p.recorders[entityID] = r
	p.order = append(p.order, entityID)
	return r
}

// SharedStep runs fn once and records the step for every entity of the pool, including entities
// created afterwards.
func (p *Pool) SharedStep(phase, name, successDetail string, fn func() error) error {
	path := []string{phase}
	return runStep(p.clock, path, name, successDetail, fn, func(record StepRecord) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.closed {
			p.shared = append(p.shared, record)
		}
	})
}

// Records returns the shared records followed by the records of entityID.
func (p *Pool) Records(entityID string) []StepRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordsLocked(entityID)
}

func (p *Pool) recordsLocked(entityID string) []StepRecord {
	result := make([]StepRecord, 0, len(p.shared)+len(p.records[entityID]))
	result = append(result, p.shared...)
	return append(result, p.records[entityID]...)
}

// AllRecords returns the records of every entity seen in this scope.
func (p *Pool) AllRecords() map[string][]StepRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string][]StepRecord, len(p.order))
	for _, id := range p.order {
		result[id] = p.recordsLocked(id)
	}
	return result
}

// Close seals the pool and writes its records to log at debug level. Records added afterwards are
// dropped and Current stops returning the pool.
func (p *Pool) Close(log *logrus.Entry) map[string][]StepRecord {
	all := p.AllRecords()
	p.mu.Lock()
	p.closed = true
	order := append([]string(nil), p.order...)
	p.mu.Unlock()

	if log != nil && log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, id := range order {
			for _, r := range all[id] {
				log.WithFields(logrus.Fields{
					"operation": p.operation,
					"cycleId":   p.cycleID,
					"entity":    id,
					"status":    r.Status,
				}).Debugf("%s %s", r.Path(), r.Detail)
			}
		}
	}
	return all
}

func (p *Pool) append(entityID string, record StepRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.records[entityID] = append(p.records[entityID], record)
}

// TransitionRecorder records the phases and steps of a single entity. It is not safe for concurrent
// use; each entity is driven by one goroutine at a time.
type TransitionRecorder struct {
	pool     *Pool
	entityID string
	path     []string
}

func (r *TransitionRecorder) EntityID() string {
	return r.entityID
}

// Phase runs fn with name pushed onto the phase path. Steps recorded inside carry the path.
func (r *TransitionRecorder) Phase(name string, fn func() error) error {
	r.path = append(r.path, name)
	depth := len(r.path)
	defer func() {
		r.path = r.path[:depth-1]
	}()
	return fn()
}

// Step records a started record, runs fn, then records success with successDetail or failure with
// the error message. The error, or panic, of fn is passed on unchanged.
func (r *TransitionRecorder) Step(name, successDetail string, fn func() error) error {
	path := append([]string(nil), r.path...)
	return runStep(r.pool.clock, path, name, successDetail, fn, func(record StepRecord) {
		r.pool.append(r.entityID, record)
	})
}

func runStep(clk clock.PassiveClock, path []string, name, successDetail string, fn func() error, emit func(StepRecord)) (err error) {
	record := func(status StepStatus, detail string) {
		emit(StepRecord{Phase: path, Name: name, Status: status, Detail: detail, Timestamp: clk.Now()})
	}
	record(StepStarted, "")
	defer func() {
		if p := recover(); p != nil {
			record(StepFailed, fmt.Sprint(p))
			panic(p)
		}
	}()
	if err = fn(); err != nil {
		record(StepFailed, err.Error())
		return err
	}
	record(StepSuccess, successDetail)
	return nil
}

// Predicates splits finished steps into passed and failed checks.
func Predicates(records []StepRecord) (passed, failed []schedulerobjects.Predicate) {
	for _, r := range records {
		switch r.Status {
		case StepSuccess:
			passed = append(passed, schedulerobjects.Predicate{Name: r.Path(), Message: r.Detail})
		case StepFailed:
			failed = append(failed, schedulerobjects.Predicate{Name: r.Path(), Message: r.Detail})
		}
	}
	return passed, failed
}
