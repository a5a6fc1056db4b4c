package schedule

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// idPattern restricts a Schedule's ID to characters safe in a Redis key.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Registry stores and validates the set of recurring schedules a Runner
// evaluates on every tick.
type Registry struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	parser    cron.Parser
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		schedules: make(map[string]*Schedule),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register validates and adds s to the registry. Timezone defaults to UTC.
func (r *Registry) Register(s *Schedule) error {
	if err := r.validate(s); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schedules[s.ID]; exists {
		return fmt.Errorf("schedule with id %s already registered", s.ID)
	}

	if s.Timezone == "" {
		s.Timezone = "UTC"
	}

	r.schedules[s.ID] = s
	return nil
}

// MustRegister registers s, panicking if it is invalid. Intended for
// initialization-time registration only.
func (r *Registry) MustRegister(s *Schedule) {
	if err := r.Register(s); err != nil {
		panic(fmt.Sprintf("schedule: failed to register %q: %v", s.ID, err))
	}
}

// Get returns the schedule registered under id.
func (r *Registry) Get(id string) (*Schedule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	return s, ok
}

// List returns every registered schedule, in no particular order.
func (r *Registry) List() []*Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered schedules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schedules)
}

// NextRun computes the next time s is due, relative to after, in s's timezone.
func (r *Registry) NextRun(s *Schedule, after time.Time) (time.Time, error) {
	cronSchedule, err := r.parser.Parse(s.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
	}

	loc := time.UTC
	if s.Timezone != "" && s.Timezone != "UTC" {
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}

	return cronSchedule.Next(after.In(loc)), nil
}

func (r *Registry) validate(s *Schedule) error {
	if s.ID == "" {
		return fmt.Errorf("schedule id cannot be empty")
	}
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("schedule id must be alphanumeric, underscores, or hyphens")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := r.parser.Parse(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	if s.Class == "" {
		return fmt.Errorf("job class cannot be empty")
	}
	if s.Timezone != "" && s.Timezone != "UTC" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}
