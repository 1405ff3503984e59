package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/portel-dev/ncp/internal/upstream"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// duplicateThreshold is the Jaccard similarity of name tokens above which a
// new job is considered a duplicate of an existing one.
const duplicateThreshold = 0.7

// ErrDuplicate is returned by Create when a token-similar job already
// exists.
var ErrDuplicate = errors.New("scheduler: a similar job already exists")

// Constraints bound how many times a job may fire.
type Constraints struct {
	FireOnce      bool       `json:"fireOnce,omitempty"`
	MaxExecutions int        `json:"maxExecutions,omitempty"`
	EndDate       *time.Time `json:"endDate,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Schedule       string      `json:"schedule"`
	Action         string      `json:"action"`
	Recurring      bool        `json:"recurring"`
	Cron           string      `json:"cron,omitempty"`
	NextRun        time.Time   `json:"nextRun"`
	Constraints    Constraints `json:"constraints"`
	Status         Status      `json:"status"`
	ExecutionCount int         `json:"executionCount"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Notifier is the capability the scheduler holds to tell the upstream
// server a resource changed, without holding the concrete server type.
type Notifier interface {
	NotifyResourceUpdated(uri string, payload any)
}

// Scheduler owns every job for the process and persists them as a single
// JSON document, rewritten atomically on each mutation.
type Scheduler struct {
	path     string
	notifier Notifier

	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	crontab map[string]cron.Schedule

	newID func() string
	now   func() time.Time
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithIDFunc overrides job id generation, used in tests for determinism.
func WithIDFunc(f func() string) Option {
	return func(s *Scheduler) { s.newID = f }
}

// WithClock overrides the scheduler's notion of "now", used in tests.
func WithClock(f func() time.Time) Option {
	return func(s *Scheduler) { s.now = f }
}

// SetNotifier wires the notifier in after construction, breaking the
// construction-order cycle between the scheduler (which notifies the
// upstream server) and the server (which dispatches "ncp:schedule" to the
// scheduler via upstream.SchedulerView).
func (s *Scheduler) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Open loads (or creates) the job document at dir/scheduled-jobs.json and
// arms timers for every job still active.
func Open(dir string, notifier Notifier, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:     filepath.Join(dir, "scheduled-jobs.json"),
		notifier: notifier,
		jobs:     make(map[string]*Job),
		timers:   make(map[string]*time.Timer),
		crontab:  make(map[string]cron.Schedule),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newID == nil {
		s.newID = defaultIDFunc
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scheduler: create base dir: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("scheduler: read job document: %w", err)
		}
		return s, nil
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("scheduler: parse job document: %w", err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
		if j.Status == StatusActive {
			s.arm(j)
		}
	}
	return s, nil
}

// Create parses schedule, rejects a token-similar duplicate, persists the
// new job, and arms its timer.
func (s *Scheduler) Create(name, schedule, action string, constraints Constraints) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if jaccardSimilarity(name, existing.Name) > duplicateThreshold {
			return nil, fmt.Errorf("%w: %q resembles existing job %q", ErrDuplicate, name, existing.Name)
		}
	}

	parsed, err := ParseSchedule(schedule, s.now())
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          s.newID(),
		Name:        name,
		Schedule:    schedule,
		Action:      action,
		Recurring:   parsed.Recurring,
		Cron:        parsed.Cron,
		Constraints: constraints,
		Status:      StatusActive,
		CreatedAt:   s.now(),
	}
	if parsed.Recurring {
		sched, err := cron.ParseStandard(parsed.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse cron %q: %w", parsed.Cron, err)
		}
		s.crontab[job.ID] = sched
		job.NextRun = sched.Next(s.now())
	} else {
		job.NextRun = parsed.At
	}

	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	s.arm(job)
	return job, nil
}

// Cancel removes a job outright, stopping any armed timer.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("scheduler: job %q not found", id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.jobs, id)
	delete(s.crontab, id)
	return s.persistLocked()
}

// List returns every job, sorted by ID for deterministic output.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one job by id.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// CreateJob implements upstream.SchedulerView by delegating to Create and
// marshaling the result.
func (s *Scheduler) CreateJob(name, schedule, action string) (json.RawMessage, error) {
	job, err := s.Create(name, schedule, action, Constraints{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

// CancelJob implements upstream.SchedulerView.
func (s *Scheduler) CancelJob(id string) error {
	return s.Cancel(id)
}

// ListResources implements upstream.SchedulerView.
func (s *Scheduler) ListResources() []upstream.ResourceSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]upstream.ResourceSummary, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, upstream.ResourceSummary{URI: "ncp://scheduler/" + j.ID, Name: j.Name})
	}
	return out
}

// ReadResource implements upstream.SchedulerView.
func (s *Scheduler) ReadResource(uri string) (json.RawMessage, bool) {
	const prefix = "ncp://scheduler/"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return nil, false
	}
	id := uri[len(prefix):]
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Scheduler) arm(job *Job) {
	delay := job.NextRun.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() { s.fire(job.ID) })
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	job.ExecutionCount++
	completed := false
	switch {
	case job.Constraints.FireOnce && job.ExecutionCount >= 1:
		completed = true
	case job.Constraints.MaxExecutions > 0 && job.ExecutionCount >= job.Constraints.MaxExecutions:
		completed = true
	case job.Constraints.EndDate != nil && !s.now().Before(*job.Constraints.EndDate):
		completed = true
	}

	if completed {
		job.Status = StatusCompleted
	} else if job.Recurring {
		if sched, ok := s.crontab[job.ID]; ok {
			job.NextRun = sched.Next(s.now())
			s.timers[job.ID] = time.AfterFunc(job.NextRun.Sub(s.now()), func() { s.fire(job.ID) })
		}
	}

	_ = s.persistLocked()
	payload := map[string]any{
		"jobId":       job.ID,
		"jobName":     job.Name,
		"executeTime": s.now(),
		"status":      job.Status,
		"action":      job.Action,
		"nextRun":     job.NextRun,
		"constraints": job.Constraints,
	}
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.NotifyResourceUpdated("ncp://scheduler/"+id, payload)
	}
}

// persistLocked rewrites the whole job document. The caller must hold mu.
func (s *Scheduler) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal jobs: %w", err)
	}
	return writeAtomic(s.path, data)
}

// PatchJobField rewrites a single field of a single job directly against
// the persisted document, without round-tripping every job through Go
// structs. It is meant for administrative correction of a job's stored
// state (e.g. forcing status to "paused") when the in-memory Scheduler
// already agrees the job exists but the caller wants a narrow, auditable
// mutation rather than a full Create/Cancel cycle.
func (s *Scheduler) PatchJobField(jobID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("scheduler: job %q not found", jobID)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("scheduler: read job document: %w", err)
	}
	patched, err := patchJobField(raw, jobID, field, value)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, patched)
}

// patchJobField locates jobID within the array-of-jobs document raw and
// returns the document with field set to value at that job only.
func patchJobField(raw []byte, jobID, field string, value any) ([]byte, error) {
	jobs := gjson.ParseBytes(raw).Array()
	for i, j := range jobs {
		if j.Get("id").String() == jobID {
			return sjson.SetBytes(raw, fmt.Sprintf("%d.%s", i, field), value)
		}
	}
	return nil, fmt.Errorf("scheduler: job %q not found in document", jobID)
}

func defaultIDFunc() string {
	return fmt.Sprintf("job-%d", time.Now().UnixNano())
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("scheduler: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: rename temp file: %w", err)
	}
	return nil
}

// Close stops every armed timer without touching persisted state.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
}
