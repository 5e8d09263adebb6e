package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portfolio-scraper/internal/service"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// RunFunc performs one complete, independent scrape run.
type RunFunc func(ctx context.Context) (service.RunReport, error)

// ScrapeJob runs scrapes on a cron schedule. A tick that fires while the
// previous run is still going is skipped, including the run made at start.
type ScrapeJob struct {
	tracer   trace.Tracer
	log      zerolog.Logger
	run      RunFunc
	schedule cron.Schedule
	spec     string
	cron     *cron.Cron
	entry    cron.EntryID

	mu   sync.RWMutex
	last *service.RunReport
	runs int
}

func NewScrapeJob(tracer trace.Tracer, log zerolog.Logger, spec string, run RunFunc) (*ScrapeJob, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	log = log.With().Str("component", "scrape-job").Logger()
	return &ScrapeJob{
		tracer:   tracer,
		log:      log,
		run:      run,
		schedule: sched,
		spec:     spec,
		cron:     cron.New(cron.WithLogger(cronLogger{log: log})),
	}, nil
}

// Start runs once immediately and then on schedule. Blocks until ctx is
// cancelled and any in-flight run has finished.
func (j *ScrapeJob) Start(ctx context.Context) {
	j.log.Info().Str("schedule", j.spec).Msg("Scrape job starting...")

	cl := cronLogger{log: j.log}
	tick := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(cron.FuncJob(func() { j.RunOnce(ctx) }))

	j.mu.Lock()
	j.entry = j.cron.Schedule(j.schedule, tick)
	j.mu.Unlock()
	j.cron.Start()

	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		tick.Run()
	}()

	<-ctx.Done()
	<-j.cron.Stop().Done()
	first.Wait()
	j.log.Info().Int("runs", j.Runs()).Msg("Scrape job stopped")
}

// RunOnce performs a single run and remembers its report.
func (j *ScrapeJob) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, span := j.tracer.Start(ctx, "scrape-job.run")
	defer span.End()

	report, err := j.run(ctx)
	if err != nil {
		span.RecordError(err)
		j.log.Error().Err(err).Msg("Scheduled scrape failed")
	}

	j.mu.Lock()
	j.last = &report
	j.runs++
	j.mu.Unlock()
}

// Last returns the most recent report.
func (j *ScrapeJob) Last() (service.RunReport, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.last == nil {
		return service.RunReport{}, false
	}
	return *j.last, true
}

func (j *ScrapeJob) Runs() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.runs
}

// Next is the time of the next scheduled run, or zero when not started.
func (j *ScrapeJob) Next() time.Time {
	j.mu.RLock()
	entry := j.entry
	j.mu.RUnlock()
	if entry == 0 {
		return time.Time{}
	}
	return j.cron.Entry(entry).Next
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
