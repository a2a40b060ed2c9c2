package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/convertmaster-go/internal/domain"
	"github.com/yourusername/convertmaster-go/pkg/logger"
)

const (
	causeCancelledByUser = "cancelled by user"
	causeShutdown        = "orchestrator stopped"
	causeInterrupted     = "interrupted: process exited while the job was running"
)

// JobRunner drives one job to a terminal outcome
type JobRunner interface {
	Run(ctx context.Context, job domain.Job, reporter domain.ProgressReporter) domain.Outcome
}

type orchestratorState int

const (
	stateIdle orchestratorState = iota
	stateRunning
	stateStopped
)

// Orchestrator admits jobs, schedules them FIFO onto a bounded set of
// runners and keeps the job table. The table is owned by a single loop
// goroutine; every other goroutine talks to it through the inbox.
type Orchestrator struct {
	config      domain.OrchestratorConfig
	validator   *RequestValidator
	runner      JobRunner
	reporter    domain.ProgressReporter
	repo        domain.JobRepository
	multiLogger *logger.MultiLogger
	logger      *zap.Logger

	inbox    *mailbox[func(*scheduler)]
	outbox   *mailbox[func()]
	loopDone chan struct{}
	dispDone chan struct{}
	runners  sync.WaitGroup

	mu    sync.RWMutex
	state orchestratorState
}

// OrchestratorDeps groups the collaborators of an Orchestrator
type OrchestratorDeps struct {
	Validator   *RequestValidator
	Runner      JobRunner
	Reporter    domain.ProgressReporter
	Repository  domain.JobRepository // optional
	MultiLogger *logger.MultiLogger  // optional
	Logger      *zap.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(config domain.OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	if config.MaxConcurrentJobs < 1 {
		config.MaxConcurrentJobs = 1
	}
	if deps.Reporter == nil {
		deps.Reporter = domain.NopReporter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		config:      config,
		validator:   deps.Validator,
		runner:      deps.Runner,
		reporter:    deps.Reporter,
		repo:        deps.Repository,
		multiLogger: deps.MultiLogger,
		logger:      deps.Logger,
		inbox:       newMailbox[func(*scheduler)](),
		outbox:      newMailbox[func()](),
		loopDone:    make(chan struct{}),
		dispDone:    make(chan struct{}),
	}
}

// Start restores the job history and starts the coordinating loop.
// Runner contexts derive from ctx. When ctx is done every unfinished job is
// cancelled and no new work is accepted; Stop still flushes the reporter.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case stateRunning:
		return fmt.Errorf("orchestrator already running")
	case stateStopped:
		return domain.ErrOrchestratorStopped
	}

	s := &scheduler{
		o:    o,
		ctx:  ctx,
		jobs: make(map[string]*entry),
	}
	if err := s.restore(); err != nil {
		return fmt.Errorf("failed to restore job history: %w", err)
	}

	o.state = stateRunning
	go o.dispatch()
	go o.loop(s)

	o.logEvent("orchestrator_started",
		zap.Int("max_concurrent_jobs", o.config.MaxConcurrentJobs),
		zap.Int("restored_jobs", len(s.jobs)))

	return nil
}

// Stop cancels queued and running jobs, waits for runners to finish and
// flushes pending reporter calls.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator not running")
	}
	o.state = stateStopped
	o.mu.Unlock()

	o.inbox.Push(func(s *scheduler) { s.shutdown() })
	<-o.loopDone
	o.runners.Wait()

	o.outbox.Close()
	<-o.dispDone

	o.logEvent("orchestrator_stopped")
	return nil
}

// IsRunning returns whether the orchestrator accepts work. It turns false
// after Stop or once the context passed to Start is done.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state != stateRunning {
		return false
	}
	select {
	case <-o.loopDone:
		return false
	default:
		return true
	}
}

// Submit validates req on the caller's goroutine and enqueues a new job
func (o *Orchestrator) Submit(ctx context.Context, req domain.Request) (string, error) {
	if !o.IsRunning() {
		return "", domain.ErrOrchestratorStopped
	}

	req, err := o.validator.Validate(ctx, req)
	if err != nil {
		o.logger.Debug("Submission rejected",
			zap.String("locator", req.SourceLocator),
			zap.Error(err))
		return "", err
	}

	job := domain.NewJob(req)
	var enqueueErr error
	if err := o.call(func(s *scheduler) { enqueueErr = s.enqueue(job) }); err != nil {
		return "", err
	}
	if enqueueErr != nil {
		return "", enqueueErr
	}
	return job.ID, nil
}

// Cancel cancels a queued or running job
func (o *Orchestrator) Cancel(id string) error {
	var cancelErr error
	if err := o.call(func(s *scheduler) { cancelErr = s.cancel(id) }); err != nil {
		return err
	}
	return cancelErr
}

// Status returns the current state of a job
func (o *Orchestrator) Status(id string) (domain.JobState, error) {
	summary, err := o.Get(id)
	if err != nil {
		return "", err
	}
	return summary.State, nil
}

// Get returns a snapshot of a job
func (o *Orchestrator) Get(id string) (domain.JobSummary, error) {
	var (
		summary domain.JobSummary
		found   bool
	)
	err := o.call(func(s *scheduler) {
		if e, ok := s.jobs[id]; ok {
			summary, found = *e.summary, true
		}
	})
	if err != nil {
		return domain.JobSummary{}, err
	}
	if !found {
		return domain.JobSummary{}, domain.ErrJobNotFound
	}
	return summary, nil
}

// List returns snapshots of the jobs matching filter in submission order
func (o *Orchestrator) List(filter domain.JobFilter) ([]domain.JobSummary, error) {
	var list []domain.JobSummary
	err := o.call(func(s *scheduler) { list = s.list(filter) })
	return list, err
}

// Stats returns job counts per state
func (o *Orchestrator) Stats() (domain.JobStats, error) {
	var stats domain.JobStats
	err := o.call(func(s *scheduler) {
		for _, e := range s.jobs {
			stats.Add(e.summary.State)
		}
	})
	return stats, err
}

// Renditions probes the locator so a caller can choose a quality
func (o *Orchestrator) Renditions(ctx context.Context, locator string) ([]domain.Rendition, error) {
	if !o.validator.locators.Accept(locator) {
		return nil, domain.NewValidationError("source locator %q is not supported", locator)
	}
	return o.validator.Probe(ctx, locator)
}

// Resubmit submits a new job with the request of a failed or cancelled job
func (o *Orchestrator) Resubmit(ctx context.Context, id string) (string, error) {
	summary, err := o.Get(id)
	if err != nil {
		return "", err
	}
	if summary.State != domain.StateFailed && summary.State != domain.StateCancelled {
		return "", domain.NewValidationError("job %s is %s; only failed or cancelled jobs can be retried", id, summary.State)
	}
	return o.Submit(ctx, summary.Request())
}

// call runs fn on the loop goroutine and waits for it
func (o *Orchestrator) call(fn func(*scheduler)) error {
	if !o.IsRunning() {
		return domain.ErrOrchestratorStopped
	}

	done := make(chan struct{})
	if !o.inbox.Push(func(s *scheduler) {
		fn(s)
		close(done)
	}) {
		return domain.ErrOrchestratorStopped
	}

	select {
	case <-done:
		return nil
	case <-o.loopDone:
		select {
		case <-done:
			return nil
		default:
			return domain.ErrOrchestratorStopped
		}
	}
}

// loop is the coordinating goroutine
func (o *Orchestrator) loop(s *scheduler) {
	defer close(o.loopDone)
	defer o.inbox.Close()

	var tick <-chan time.Time
	if o.config.PruneInterval > 0 && (o.config.HistoryMaxAge > 0 || o.config.HistoryLimit > 0) {
		ticker := time.NewTicker(o.config.PruneInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.schedule()

	ctxDone := s.ctx.Done()
	for {
		select {
		case <-o.inbox.Ready():
			for _, cmd := range o.inbox.Drain() {
				cmd(s)
			}
		case <-tick:
			s.prune(time.Now())
		case <-ctxDone:
			ctxDone = nil
			if !s.stopping {
				s.logEvent("orchestrator_context_done")
				s.shutdown()
			}
		}

		if s.stopping && s.active == 0 {
			// fail anything that slipped in after shutdown
			for _, cmd := range o.inbox.Drain() {
				cmd(s)
			}
			return
		}
	}
}

// dispatch runs reporter, persistence and logging calls off the loop goroutine
func (o *Orchestrator) dispatch() {
	defer close(o.dispDone)

	for {
		<-o.outbox.Ready()
		for _, fn := range o.outbox.Drain() {
			fn()
		}
		if o.outbox.Closed() {
			return
		}
	}
}

func (o *Orchestrator) logEvent(event string, fields ...zap.Field) {
	o.logger.Info(event, fields...)
	if o.multiLogger != nil {
		o.multiLogger.LogJobEvent(event, fields...)
	}
}

func (o *Orchestrator) logError(msg string, fields ...zap.Field) {
	o.logger.Error(msg, fields...)
	if o.multiLogger != nil {
		o.multiLogger.LogAppError(msg, fields...)
	}
}

// relay forwards runner progress into the inbox without blocking the runner
type relay struct {
	inbox *mailbox[func(*scheduler)]
}

func (r relay) OnProgress(event domain.ProgressEvent) {
	r.inbox.Push(func(s *scheduler) { s.progress(event) })
}

func (r relay) OnTerminal(string, domain.Outcome) {}

type entry struct {
	summary *domain.JobSummary
	cancel  context.CancelFunc
}

// scheduler is the state owned by the loop goroutine
type scheduler struct {
	o        *Orchestrator
	ctx      context.Context
	jobs     map[string]*entry
	queue    []string
	active   int
	seq      int64
	stopping bool
}

// restore loads persisted history. Queued jobs are queued again in their
// original order; jobs that were running are recorded as failed.
func (s *scheduler) restore() error {
	if s.o.repo == nil {
		return nil
	}
	summaries, err := s.o.repo.FindAll(domain.JobFilter{})
	if err != nil {
		return err
	}

	for _, summary := range summaries {
		if summary.Seq > s.seq {
			s.seq = summary.Seq
		}
		switch summary.State {
		case domain.StateRunning:
			if err := summary.MarkFailed(fmt.Errorf("%s", causeInterrupted)); err != nil {
				return err
			}
			if err := s.o.repo.Save(summary); err != nil {
				return err
			}
		case domain.StateQueued:
			s.queue = append(s.queue, summary.ID)
		}
		s.jobs[summary.ID] = &entry{summary: summary}
	}

	s.prune(time.Now())
	return nil
}

func (s *scheduler) enqueue(job domain.Job) error {
	if s.stopping || s.ctx.Err() != nil {
		return domain.ErrOrchestratorStopped
	}

	s.seq++
	summary := domain.NewSummary(job, s.seq)
	s.jobs[job.ID] = &entry{summary: summary}
	s.queue = append(s.queue, job.ID)
	s.persist(summary)

	s.logEvent("job_submitted",
		zap.String("job_id", job.ID),
		zap.String("locator", job.SourceLocator),
		zap.String("format", string(job.TargetFormat)),
		zap.String("quality", job.TargetQuality),
		zap.Int("queue_length", len(s.queue)))

	s.schedule()
	return nil
}

// schedule starts queued jobs in FIFO order while capacity allows
func (s *scheduler) schedule() {
	for !s.stopping && s.active < s.o.config.MaxConcurrentJobs && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		e, ok := s.jobs[id]
		if !ok || e.summary.State != domain.StateQueued {
			continue
		}
		if err := e.summary.MarkRunning(); err != nil {
			s.logError("Failed to start job", zap.String("job_id", id), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithCancel(s.ctx)
		e.cancel = cancel
		s.active++
		s.persist(e.summary)

		s.logEvent("job_started", zap.String("job_id", id), zap.Int("active", s.active))

		job := e.summary.Job()
		o := s.o
		o.runners.Add(1)
		go func() {
			defer o.runners.Done()
			outcome := o.runner.Run(ctx, job, relay{inbox: o.inbox})
			o.inbox.Push(func(s *scheduler) { s.finished(job.ID, outcome) })
		}()
	}
}

func (s *scheduler) progress(event domain.ProgressEvent) {
	e, ok := s.jobs[event.JobID]
	if !ok || e.summary.CancelRequested {
		return
	}
	if !e.summary.ApplyProgress(event) {
		return
	}
	reporter := s.o.reporter
	s.o.outbox.Push(func() { reporter.OnProgress(event) })
}

func (s *scheduler) finished(id string, outcome domain.Outcome) {
	e, ok := s.jobs[id]
	if !ok {
		return
	}
	s.active--
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	summary := e.summary
	switch {
	case summary.CancelRequested || outcome.State == domain.StateCancelled:
		reason := summary.Cause
		if reason == "" && s.ctx.Err() != nil {
			reason = causeShutdown
		}
		if reason == "" {
			reason = causeCancelledByUser
		}
		if outcome.State == domain.StateSucceeded && outcome.FilePath != "" {
			// cancel won the race; discard what the runner produced
			file := outcome.FilePath
			s.o.outbox.Push(func() { os.Remove(file) })
		}
		_ = summary.MarkCancelled(reason)
		outcome = domain.Outcome{State: domain.StateCancelled}
	case outcome.State == domain.StateSucceeded:
		_ = summary.MarkSucceeded(outcome.FilePath)
	default:
		err := outcome.Err
		if err == nil {
			err = fmt.Errorf("runner ended without a result")
		}
		outcome = domain.Outcome{State: domain.StateFailed, Err: err}
		_ = summary.MarkFailed(err)
	}

	s.terminal(summary, outcome)
	s.schedule()
}

func (s *scheduler) cancel(id string) error {
	e, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	return s.cancelEntry(e, causeCancelledByUser)
}

func (s *scheduler) cancelEntry(e *entry, reason string) error {
	summary := e.summary
	if summary.IsTerminal() {
		return domain.ErrAlreadyTerminal
	}

	switch summary.State {
	case domain.StateQueued:
		s.removeFromQueue(summary.ID)
		_ = summary.MarkCancelled(reason)
		s.terminal(summary, domain.Outcome{State: domain.StateCancelled})
	case domain.StateRunning:
		if summary.CancelRequested {
			return nil
		}
		summary.CancelRequested = true
		summary.Cause = reason
		if e.cancel != nil {
			e.cancel()
		}
		s.logEvent("job_cancel_requested", zap.String("job_id", summary.ID))
	}
	return nil
}

func (s *scheduler) removeFromQueue(id string) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// terminal records a terminal transition and notifies the reporter
func (s *scheduler) terminal(summary *domain.JobSummary, outcome domain.Outcome) {
	s.persist(summary)

	fields := []zap.Field{
		zap.String("job_id", summary.ID),
		zap.String("state", string(summary.State)),
	}
	if summary.FilePath != "" {
		fields = append(fields, zap.String("file", summary.FilePath))
	}
	if summary.Cause != "" {
		fields = append(fields, zap.String("cause", summary.Cause))
	}
	if summary.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", summary.ErrorKind))
	}
	s.logEvent("job_"+string(summary.State), fields...)

	reporter := s.o.reporter
	id := summary.ID
	s.o.outbox.Push(func() { reporter.OnTerminal(id, outcome) })

	s.prune(time.Now())
}

// persist saves a copy of the summary on the dispatcher goroutine
func (s *scheduler) persist(summary *domain.JobSummary) {
	if s.o.repo == nil {
		return
	}
	snapshot := *summary
	repo := s.o.repo
	o := s.o
	s.o.outbox.Push(func() {
		if err := repo.Save(&snapshot); err != nil {
			o.logError("Failed to persist job", zap.String("job_id", snapshot.ID), zap.Error(err))
		}
	})
}

func (s *scheduler) list(filter domain.JobFilter) []domain.JobSummary {
	list := make([]domain.JobSummary, 0, len(s.jobs))
	for _, e := range s.jobs {
		if filter.Matches(e.summary) {
			list = append(list, *e.summary)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list
}

// prune evicts terminal jobs older than the max age or beyond the history limit
func (s *scheduler) prune(now time.Time) {
	maxAge, limit := s.o.config.HistoryMaxAge, s.o.config.HistoryLimit
	if maxAge <= 0 && limit <= 0 {
		return
	}

	var terminal []*domain.JobSummary
	for _, e := range s.jobs {
		if e.summary.IsTerminal() {
			terminal = append(terminal, e.summary)
		}
	}
	// newest first
	sort.Slice(terminal, func(i, j int) bool {
		ti, tj := finishedAt(terminal[i]), finishedAt(terminal[j])
		if ti.Equal(tj) {
			return terminal[i].Seq > terminal[j].Seq
		}
		return ti.After(tj)
	})

	var evicted []string
	for i, summary := range terminal {
		expired := maxAge > 0 && now.Sub(finishedAt(summary)) > maxAge
		overflow := limit > 0 && i >= limit
		if expired || overflow {
			evicted = append(evicted, summary.ID)
			delete(s.jobs, summary.ID)
		}
	}
	if len(evicted) == 0 {
		return
	}

	s.logEvent("jobs_evicted", zap.Int("count", len(evicted)))
	if s.o.repo != nil {
		repo := s.o.repo
		o := s.o
		s.o.outbox.Push(func() {
			if err := repo.Delete(evicted...); err != nil {
				o.logError("Failed to delete evicted jobs", zap.Strings("job_ids", evicted), zap.Error(err))
			}
		})
	}
}

func (s *scheduler) shutdown() {
	s.stopping = true

	ids := make([]string, 0, len(s.jobs))
	for id, e := range s.jobs {
		if !e.summary.IsTerminal() {
			ids = append(ids, id)
		}
	}
	// queued jobs first in submission order so reporters see FIFO cancellations
	sort.Slice(ids, func(i, j int) bool { return s.jobs[ids[i]].summary.Seq < s.jobs[ids[j]].summary.Seq })
	for _, id := range ids {
		_ = s.cancelEntry(s.jobs[id], causeShutdown)
	}
}

// logEvent writes a job event from the dispatcher goroutine
func (s *scheduler) logEvent(event string, fields ...zap.Field) {
	o := s.o
	o.outbox.Push(func() { o.logEvent(event, fields...) })
}

func (s *scheduler) logError(msg string, fields ...zap.Field) {
	o := s.o
	o.outbox.Push(func() { o.logError(msg, fields...) })
}

func finishedAt(s *domain.JobSummary) time.Time {
	if s.FinishedAt != nil {
		return *s.FinishedAt
	}
	return s.SubmittedAt
}
