// Package cron schedules recurring agent wake-ups. Jobs are cron
// expressions paired with a message; when due, the message is published as
// an inbound bus message for the job's conversation.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

const jobsFile = "jobs.json"

// Job is one scheduled wake-up.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"` // standard cron expression
	Message   string    `json:"message"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
	LastRun   time.Time `json:"lastRun,omitempty"`
}

// Service owns the job store and the due-check ticker.
type Service struct {
	dir  string
	bus  *bus.MessageBus
	gron *gronx.Gronx

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewService(dir string, b *bus.MessageBus) (*Service, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	s := &Service{
		dir:  dir,
		bus:  b,
		gron: gronx.New(),
		jobs: make(map[string]*Job),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add validates the schedule and persists a new job.
func (s *Service) Add(name, schedule, message, channel, chatID string) (*Job, error) {
	if !s.gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression: %q", schedule)
	}
	job := &Job{
		ID:        uuid.NewString()[:8],
		Name:      name,
		Schedule:  schedule,
		Message:   message,
		Channel:   channel,
		ChatID:    chatID,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns all jobs sorted by creation time.
func (s *Service) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs
}

// Remove deletes a job by id.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron job not found: %s", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// Run ticks once a minute and fires due jobs until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(now)
		}
	}
}

func (s *Service) fireDue(now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		ok, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("cron expression failed to evaluate", "job", job.ID, "error", err)
			continue
		}
		// One firing per minute boundary.
		if ok && now.Sub(job.LastRun) >= time.Minute {
			job.LastRun = now
			due = append(due, job)
		}
	}
	if len(due) > 0 {
		if err := s.saveLocked(); err != nil {
			slog.Warn("failed to persist cron state", "error", err)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		slog.Info("cron job due", "job", job.ID, "name", job.Name)
		s.bus.PublishInbound(bus.InboundMessage{
			Channel:  job.Channel,
			SenderID: "cron:" + job.ID,
			ChatID:   job.ChatID,
			Content:  job.Message,
			Metadata: map[string]string{"cron_job": job.ID},
		})
	}
}

func (s *Service) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, jobsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cron jobs: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron jobs: %w", err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

func (s *Service) saveLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, jobsFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, jobsFile))
}
