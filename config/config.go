// Package config loads transition definitions and dispatcher settings from YAML or JSON.
package config

import (
	"fmt"
	"strings"
	"time"
)

// CurrentVersion is the only definitions format version understood by the loader.
const CurrentVersion = 1

// Definitions is the root of a definitions file.
type Definitions struct {
	Version    int              `json:"version" yaml:"version"`
	Dispatcher DispatcherConfig `json:"dispatcher,omitempty" yaml:"dispatcher,omitempty"`
	Actions    []ActionConfig   `json:"actions,omitempty" yaml:"actions,omitempty"`
	Bindings   []BindingConfig  `json:"bindings" yaml:"bindings"`
	Meta       map[string]any   `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// DispatcherConfig tunes async execution and job retention.
type DispatcherConfig struct {
	MaxAttempts    int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Workers        int           `json:"workers,omitempty" yaml:"workers,omitempty"`
	QueueSize      int           `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	Backoff        string        `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	RetryDelay     time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay  time.Duration `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
	JobTTL         time.Duration `json:"job_ttl,omitempty" yaml:"job_ttl,omitempty"`
	FrozenJobTTL   time.Duration `json:"frozen_job_ttl,omitempty" yaml:"frozen_job_ttl,omitempty"`
	SweepSchedule  string        `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`
}

// Validate checks numeric settings and the backoff name.
func (c DispatcherConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"retry_delay":     c.RetryDelay,
		"max_retry_delay": c.MaxRetryDelay,
		"attempt_timeout": c.AttemptTimeout,
		"job_ttl":         c.JobTTL,
		"frozen_job_ttl":  c.FrozenJobTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Backoff)) {
	case "", "none", "fixed", "exponential":
	default:
		return fmt.Errorf("unsupported backoff %q", c.Backoff)
	}
	return nil
}

// ActionConfig describes an action the host program registers. Files carrying
// a catalog can be checked offline for unknown actions, cycles and conflicts.
type ActionConfig struct {
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	EntityTypes        []string `json:"entity_types,omitempty" yaml:"entity_types,omitempty"`
	RequiresForm       bool     `json:"requires_form,omitempty" yaml:"requires_form,omitempty"`
	RequiredInput      []string `json:"required_input,omitempty" yaml:"required_input,omitempty"`
	ProducesAttachment bool     `json:"produces_attachment,omitempty" yaml:"produces_attachment,omitempty"`
	Async              bool     `json:"async,omitempty" yaml:"async,omitempty"`
	Prerequisites      []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

// BindingConfig declares a stateful field and its transitions.
type BindingConfig struct {
	EntityType  string             `json:"entity_type" yaml:"entity_type"`
	Field       string             `json:"field" yaml:"field"`
	Transitions []TransitionConfig `json:"transitions" yaml:"transitions"`
}

// Validate checks required fields for the binding and its transitions.
func (b BindingConfig) Validate() error {
	if strings.TrimSpace(b.EntityType) == "" {
		return fmt.Errorf("entity_type is required")
	}
	if strings.TrimSpace(b.Field) == "" {
		return fmt.Errorf("field is required for %s", b.EntityType)
	}
	names := make(map[string]struct{}, len(b.Transitions))
	for idx, t := range b.Transitions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("transition[%d]: %w", idx, err)
		}
		name := strings.TrimSpace(t.Name)
		if _, ok := names[name]; ok {
			return fmt.Errorf("transition %s declared twice", name)
		}
		names[name] = struct{}{}
	}
	return nil
}

// TransitionConfig describes one transition of a binding.
type TransitionConfig struct {
	ID              string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string         `json:"name" yaml:"name"`
	From            []string       `json:"from" yaml:"from"`
	To              string         `json:"to" yaml:"to"`
	Actions         []string       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Async           bool           `json:"async,omitempty" yaml:"async,omitempty"`
	Queue           string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	SuccessRedirect string         `json:"success_redirect,omitempty" yaml:"success_redirect,omitempty"`
	Capability      string         `json:"capability,omitempty" yaml:"capability,omitempty"`
	Form            *FormConfig    `json:"form,omitempty" yaml:"form,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the transition shape. Action existence is checked by Build.
func (t TransitionConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(t.From) == 0 {
		return fmt.Errorf("transition %s requires from states", t.Name)
	}
	if strings.TrimSpace(t.To) == "" {
		return fmt.Errorf("transition %s requires a to state", t.Name)
	}
	return nil
}

// FormConfig is the input contract a transition requires from the caller.
type FormConfig struct {
	Template string   `json:"template,omitempty" yaml:"template,omitempty"`
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

// Validate performs structural validation of the whole file.
func (d Definitions) Validate() error {
	if d.Version != 0 && d.Version != CurrentVersion {
		return fmt.Errorf("unsupported version %d", d.Version)
	}
	if err := d.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	actions := make(map[string]struct{}, len(d.Actions))
	for idx, a := range d.Actions {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("action[%d]: name is required", idx)
		}
		if _, ok := actions[name]; ok {
			return fmt.Errorf("action %s declared twice", name)
		}
		actions[name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(d.Bindings))
	for idx, b := range d.Bindings {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("binding[%d]: %w", idx, err)
		}
		key := strings.TrimSpace(b.EntityType) + "." + strings.TrimSpace(b.Field)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("binding %s declared twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
