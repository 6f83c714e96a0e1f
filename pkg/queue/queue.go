package queue

import (
	"encoding/json"
	"time"
)

// Status is the per-job state machine: pending -> running -> {succeeded,
// failed}. A retryable failure re-enters pending until the retry limit;
// afterwards the job is terminally failed and lands on the dead-letter
// surface.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Schedule is either periodic (Every > 0) or one-shot (At; zero means
// immediately). Each period spawns a fresh job instance with its own
// record; old records are never resurrected.
type Schedule struct {
	Every time.Duration `json:"every,omitempty"`
	At    time.Time     `json:"at,omitempty"`
}

// Periodic reports whether the schedule repeats.
func (s Schedule) Periodic() bool { return s.Every > 0 }

// Config tunes the queue runtime.
type Config struct {
	Workers      int           // worker goroutines pulling jobs
	RetryLimit   int           // attempts beyond the first before terminal failure
	RetryDelay   time.Duration // base backoff, doubled per attempt
	PollInterval time.Duration // retry/schedule sweep cadence
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

// message is what travels on the ready list.
type message struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Enqueued time.Time       `json:"enqueued"`
}

// Record is the inspectable state of one job instance.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Schedule  Schedule        `json:"schedule"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastRun   time.Time       `json:"last_run,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// periodicTemplate sits on the schedule set and spawns job instances.
type periodicTemplate struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Every   time.Duration   `json:"every"`
}
