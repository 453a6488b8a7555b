// Package schedules starts batch submissions on cron ticks and serves the
// schedule CRUD operations behind /schedules.
package schedules

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"form-courier/internal/graph"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/internal/tasks"
)

const (
	DefaultCheckInterval = time.Minute
	// fallbackDelay pushes back a schedule whose stored expression no longer parses.
	fallbackDelay  = time.Hour
	maxPutAttempts = 16
	statsListSize  = 5
)

// errNotDue aborts a fire when another runner already advanced the schedule.
var errNotDue = errors.New("schedule not due")

// BatchCreator starts the batch a schedule fires.
type BatchCreator interface {
	CreateBatch(ctx context.Context, req tasks.BatchRequest) (*models.Job, error)
}

// Catalog is the lookups needed to validate a schedule.
type Catalog interface {
	Companies(ctx context.Context, ids []int64) (map[int64]models.Company, error)
	Template(ctx context.Context, id int64) (models.Template, error)
}

// Clock is the subset of clock.Clock the runner uses.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Options tunes the service. Zero values use the defaults.
type Options struct {
	CheckInterval time.Duration
	MaxBatchSize  int
}

// Service owns schedules and fires the due ones.
type Service struct {
	backend Backend
	batches BatchCreator
	catalog Catalog
	clock   Clock
	opts    Options
	log     *zap.SugaredLogger
}

// New returns a schedule service. A nil clock uses the wall clock.
func New(backend Backend, batches BatchCreator, catalog Catalog, clk Clock, opts Options, log *zap.SugaredLogger) *Service {
	if clk == nil {
		clk = clock.C
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	return &Service{backend: backend, batches: batches, catalog: catalog, clock: clk, opts: opts, log: log}
}

func validation(format string, args ...any) error {
	return models.NewJobError(models.ErrorKindValidation, format, args...)
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron accepts a five-field expression, or six fields with seconds first.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if n := len(fields); n != 5 && n != 6 {
		return nil, validation("cron expression must have 5 or 6 fields, got %d", n)
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, validation("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

func (s *Service) nextRun(sc *models.Schedule, after time.Time) time.Time {
	parsed, err := ParseCron(sc.CronExpression)
	if err != nil {
		s.log.Warnw("cron expression no longer parses; retrying in an hour",
			"schedule_id", sc.ID, "cron", sc.CronExpression, "error", err)
		return after.Add(fallbackDelay)
	}
	return parsed.Next(after).UTC()
}

// CreateRequest defines a new schedule.
type CreateRequest struct {
	Name            string   `json:"name"`
	CompanyIDs      []int64  `json:"company_ids"`
	TemplateID      int64    `json:"template_id"`
	CronExpression  string   `json:"cron_expression"`
	Enabled         *bool    `json:"enabled,omitempty"`
	IntervalSeconds *float64 `json:"interval_seconds,omitempty"`
	ComplianceLevel string   `json:"compliance_level,omitempty"`
	TestMode        bool     `json:"test_mode,omitempty"`
}

// UpdateRequest changes the fields that are set.
type UpdateRequest struct {
	Name            *string  `json:"name,omitempty"`
	CompanyIDs      []int64  `json:"company_ids,omitempty"`
	TemplateID      *int64   `json:"template_id,omitempty"`
	CronExpression  *string  `json:"cron_expression,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty"`
	IntervalSeconds *float64 `json:"interval_seconds,omitempty"`
	ComplianceLevel *string  `json:"compliance_level,omitempty"`
	TestMode        *bool    `json:"test_mode,omitempty"`
}

// check validates the fields of sc that need no lookups.
func (s *Service) check(sc *models.Schedule) error {
	sc.Name = strings.TrimSpace(sc.Name)
	if sc.Name == "" || len(sc.Name) > 255 {
		return validation("name must be 1 to 255 characters")
	}
	if len(sc.CompanyIDs) == 0 {
		return validation("company_ids must not be empty")
	}
	if len(sc.CompanyIDs) > s.opts.MaxBatchSize {
		return validation("schedule of %d companies exceeds the batch limit of %d", len(sc.CompanyIDs), s.opts.MaxBatchSize)
	}
	if sc.TemplateID <= 0 {
		return validation("template_id is required")
	}
	if sc.IntervalSeconds < 0 {
		return validation("interval_seconds must not be negative")
	}
	level, ok := models.ParseComplianceLevel(string(sc.ComplianceLevel), "")
	if !ok {
		return validation("unknown compliance level %q", sc.ComplianceLevel)
	}
	sc.ComplianceLevel = level
	_, err := ParseCron(sc.CronExpression)
	return err
}

func (s *Service) checkTemplate(ctx context.Context, id int64) error {
	if _, err := s.catalog.Template(ctx, id); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return validation("template %d does not exist", id)
		}
		return errors.Wrapf(err, "look up template %d", id)
	}
	return nil
}

// checkCompanies rejects the whole list if any company is missing; a batch
// started later would otherwise skip them on every run.
func (s *Service) checkCompanies(ctx context.Context, ids []int64) error {
	found, err := s.catalog.Companies(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "look up schedule companies")
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return validation("companies not found: %v", missing)
	}
	return nil
}

// Create stores a new schedule. It is enabled unless the request says otherwise.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Schedule, error) {
	now := s.clock.Now().UTC()
	sc := &models.Schedule{
		ID:              uuid.NewString(),
		Name:            req.Name,
		TemplateID:      req.TemplateID,
		CompanyIDs:      dedupe(req.CompanyIDs),
		CronExpression:  strings.TrimSpace(req.CronExpression),
		Enabled:         req.Enabled == nil || *req.Enabled,
		IntervalSeconds: models.DefaultScheduleIntervalSeconds,
		ComplianceLevel: models.ComplianceLevel(req.ComplianceLevel),
		TestMode:        req.TestMode,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.IntervalSeconds != nil {
		sc.IntervalSeconds = *req.IntervalSeconds
	}
	if err := s.check(sc); err != nil {
		return nil, err
	}
	if err := s.checkTemplate(ctx, sc.TemplateID); err != nil {
		return nil, err
	}
	if err := s.checkCompanies(ctx, sc.CompanyIDs); err != nil {
		return nil, err
	}
	next := s.nextRun(sc, now)
	sc.NextRunAt = &next

	ok, err := s.backend.Put(ctx, sc, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrConflict, "schedule %s already exists", sc.ID)
	}
	s.log.Infow("schedule created", "schedule_id", sc.ID, "name", sc.Name,
		"cron", sc.CronExpression, "companies", len(sc.CompanyIDs), "next_run_at", next)
	return sc, nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return s.backend.Get(ctx, id)
}

// ListResult is one page of schedules, newest first.
type ListResult struct {
	Items   []*models.Schedule `json:"items"`
	Total   int                `json:"total"`
	Page    int                `json:"page"`
	PerPage int                `json:"per_page"`
	Pages   int                `json:"pages"`
}

// List returns a page of schedules, optionally only enabled or disabled ones.
func (s *Service) List(ctx context.Context, enabled *bool, page, perPage int) (ListResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		return ListResult{}, validation("per_page must be between 1 and 100")
	}
	all, err := s.backend.List(ctx)
	if err != nil {
		return ListResult{}, err
	}
	matched := all[:0]
	for _, sc := range all {
		if enabled == nil || sc.Enabled == *enabled {
			matched = append(matched, sc)
		}
	}
	res := ListResult{
		Items:   []*models.Schedule{},
		Total:   len(matched),
		Page:    page,
		PerPage: perPage,
		Pages:   (len(matched) + perPage - 1) / perPage,
	}
	if from := (page - 1) * perPage; from < len(matched) {
		to := from + perPage
		if to > len(matched) {
			to = len(matched)
		}
		res.Items = matched[from:to]
	}
	return res, nil
}

// Update applies the set fields of req. A changed expression, or enabling
// the schedule, recomputes the next run from now.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*models.Schedule, error) {
	if req.TemplateID != nil {
		if err := s.checkTemplate(ctx, *req.TemplateID); err != nil {
			return nil, err
		}
	}
	if req.CompanyIDs != nil {
		if err := s.checkCompanies(ctx, dedupe(req.CompanyIDs)); err != nil {
			return nil, err
		}
	}
	sc, err := s.update(ctx, id, func(sc *models.Schedule) error {
		wasEnabled := sc.Enabled
		if req.Name != nil {
			sc.Name = *req.Name
		}
		if req.CompanyIDs != nil {
			sc.CompanyIDs = dedupe(req.CompanyIDs)
		}
		if req.TemplateID != nil {
			sc.TemplateID = *req.TemplateID
		}
		if req.CronExpression != nil {
			sc.CronExpression = strings.TrimSpace(*req.CronExpression)
		}
		if req.Enabled != nil {
			sc.Enabled = *req.Enabled
		}
		if req.IntervalSeconds != nil {
			sc.IntervalSeconds = *req.IntervalSeconds
		}
		if req.ComplianceLevel != nil {
			sc.ComplianceLevel = models.ComplianceLevel(*req.ComplianceLevel)
		}
		if req.TestMode != nil {
			sc.TestMode = *req.TestMode
		}
		if err := s.check(sc); err != nil {
			return err
		}
		if req.CronExpression != nil || (sc.Enabled && !wasEnabled) {
			next := s.nextRun(sc, s.clock.Now().UTC())
			sc.NextRunAt = &next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("schedule updated", "schedule_id", id, "enabled", sc.Enabled, "next_run_at", sc.NextRunAt)
	return sc, nil
}

// SetEnabled turns a schedule on or off. Enabling recomputes the next run so
// ticks missed while disabled are not replayed.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Schedule, error) {
	return s.Update(ctx, id, UpdateRequest{Enabled: &enabled})
}

// Delete removes a schedule. Batches it already started are unaffected.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Infow("schedule deleted", "schedule_id", id)
	return nil
}

func (s *Service) update(ctx context.Context, id string, mutate func(*models.Schedule) error) (*models.Schedule, error) {
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		sc, err := s.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := sc.Version
		if err := mutate(sc); err != nil {
			return nil, err
		}
		sc.Version = prev + 1
		sc.UpdatedAt = s.clock.Now().UTC()
		ok, err := s.backend.Put(ctx, sc, prev)
		if err != nil {
			return nil, err
		}
		if ok {
			return sc, nil
		}
	}
	return nil, errors.Wrapf(ErrConflict, "schedule %s", id)
}

// RunNow starts the batch of a schedule immediately, enabled or not. The
// next scheduled run is left alone.
func (s *Service) RunNow(ctx context.Context, id string) (*models.Job, error) {
	sc, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.start(ctx, sc, "manual")
	s.record(ctx, id, s.clock.Now().UTC(), job, err)
	return job, err
}

// Tick fires every due schedule once and returns how many started a batch.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	all, err := s.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, sc := range all {
		if !sc.Due(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		ok, err := s.fire(ctx, sc.ID, now)
		if err != nil {
			s.log.Warnw("scheduled batch did not start", "schedule_id", sc.ID, "name", sc.Name, "error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fire advances the schedule past now before starting its batch, so only one
// runner wins a tick. A batch that fails to start is not retried until the
// next tick.
func (s *Service) fire(ctx context.Context, id string, now time.Time) (bool, error) {
	claimed, err := s.update(ctx, id, func(sc *models.Schedule) error {
		if !sc.Due(now) {
			return errNotDue
		}
		next := s.nextRun(sc, now)
		sc.LastRunAt = &now
		sc.NextRunAt = &next
		return nil
	})
	if errors.Is(err, errNotDue) || errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job, err := s.start(ctx, claimed, "cron")
	s.record(ctx, id, now, job, err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) start(ctx context.Context, sc *models.Schedule, trigger string) (*models.Job, error) {
	interval := sc.IntervalSeconds
	job, err := s.batches.CreateBatch(ctx, tasks.BatchRequest{
		CompanyIDs:      sc.CompanyIDs,
		TemplateID:      sc.TemplateID,
		IntervalSeconds: &interval,
		ComplianceLevel: string(sc.ComplianceLevel),
		TestMode:        sc.TestMode,
	})
	if err != nil {
		metrics.ScheduleRuns.WithLabelValues(trigger, "failed").Inc()
		return nil, errors.Wrapf(err, "start batch for schedule %s", sc.ID)
	}
	metrics.ScheduleRuns.WithLabelValues(trigger, "started").Inc()
	s.log.Infow("scheduled batch started", "schedule_id", sc.ID, "name", sc.Name,
		"trigger", trigger, "batch_id", job.ID, "companies", len(sc.CompanyIDs))
	return job, nil
}

// record notes the outcome of a run on the schedule.
func (s *Service) record(ctx context.Context, id string, at time.Time, job *models.Job, runErr error) {
	_, err := s.update(ctx, id, func(sc *models.Schedule) error {
		sc.LastRunAt = &at
		if runErr != nil {
			sc.LastError = runErr.Error()
			return nil
		}
		sc.LastBatchID = job.ID
		sc.LastError = ""
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Warnw("failed to record schedule run", "schedule_id", id, "error", err)
	}
}

// Run ticks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Infow("schedule runner started", "check_interval", s.opts.CheckInterval)
	for {
		fired, err := s.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Warnw("schedule check failed", "error", err)
		case fired > 0:
			s.log.Infow("schedule check fired batches", "fired", fired)
		}
		select {
		case <-ctx.Done():
			s.log.Infow("schedule runner stopped")
			return nil
		case <-s.clock.After(s.opts.CheckInterval):
		}
	}
}

// Summary is one row of the stats lists.
type Summary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	CompanyCount int        `json:"company_count"`
}

// Stats counts schedules and lists the next to fire and the last to run.
type Stats struct {
	Total    int       `json:"total_schedules"`
	Enabled  int       `json:"enabled_schedules"`
	Disabled int       `json:"disabled_schedules"`
	Upcoming []Summary `json:"upcoming_schedules"`
	Recent   []Summary `json:"recent_schedules"`
}

// Stats summarizes every schedule.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(all), Upcoming: []Summary{}, Recent: []Summary{}}
	var upcoming, recent []*models.Schedule
	for _, sc := range all {
		if sc.Enabled {
			st.Enabled++
			if sc.NextRunAt != nil {
				upcoming = append(upcoming, sc)
			}
		}
		if sc.LastRunAt != nil {
			recent = append(recent, sc)
		}
	}
	st.Disabled = st.Total - st.Enabled
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].NextRunAt.Before(*upcoming[j].NextRunAt) })
	sort.Slice(recent, func(i, j int) bool { return recent[i].LastRunAt.After(*recent[j].LastRunAt) })
	for i := 0; i < len(upcoming) && i < statsListSize; i++ {
		st.Upcoming = append(st.Upcoming, summarize(upcoming[i]))
	}
	for i := 0; i < len(recent) && i < statsListSize; i++ {
		st.Recent = append(st.Recent, summarize(recent[i]))
	}
	return st, nil
}

func summarize(sc *models.Schedule) Summary {
	return Summary{ID: sc.ID, Name: sc.Name, NextRunAt: sc.NextRunAt, LastRunAt: sc.LastRunAt, CompanyCount: len(sc.CompanyIDs)}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
