package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/cron"
	"github.com/goliatone/go-transition/dispatcher"
	"github.com/goliatone/go-transition/engine"
	"github.com/goliatone/go-transition/registry"
	"github.com/goliatone/go-transition/runner"
)

// Parse parses JSON or YAML into Definitions and validates its structure.
func Parse(data []byte) (Definitions, error) {
	var cfg Definitions
	// yaml is a superset of JSON so one decoder covers both
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse definitions: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads and parses the definitions file at path.
func Load(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read definitions %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Catalog registers a placeholder for every action in the file's catalog. The
// placeholders carry the declared metadata and fail when run.
func (d Definitions) Catalog() (*registry.Actions, error) {
	actions := registry.NewActions()
	for _, a := range d.Actions {
		meta := transition.ActionMeta{
			Name:               strings.TrimSpace(a.Name),
			Description:        a.Description,
			EntityTypes:        append([]string(nil), a.EntityTypes...),
			RequiresForm:       a.RequiresForm,
			RequiredInput:      append([]string(nil), a.RequiredInput...),
			ProducesAttachment: a.ProducesAttachment,
			Async:              a.Async,
			Prerequisites:      append([]string(nil), a.Prerequisites...),
		}
		if err := actions.Register(transition.NewAction(meta, unimplemented(meta.Name))); err != nil {
			return nil, err
		}
	}
	actions.Seal()
	return actions, nil
}

func unimplemented(name string) transition.ActionFunc {
	return func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
		return transition.ActionOutcome{}, fmt.Errorf("action %s is declared in the catalog but not implemented", name)
	}
}

// Transitions converts the file into normalized transition values without validating actions.
func (d Definitions) Transitions() []transition.Transition {
	var out []transition.Transition
	for _, b := range d.Bindings {
		binding := transition.StateBinding{EntityType: b.EntityType, Field: b.Field}
		for _, t := range b.Transitions {
			out = append(out, t.toTransition(binding))
		}
	}
	return out
}

// Build declares every binding and adds every transition to a new definition
// store validated against actions.
func (d Definitions) Build(actions *registry.Actions) (*registry.Definitions, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	defs := registry.NewDefinitions(actions)
	for _, b := range d.Bindings {
		binding := transition.StateBinding{EntityType: b.EntityType, Field: b.Field}
		if err := defs.Bind(binding); err != nil {
			return nil, err
		}
		for _, t := range b.Transitions {
			if _, err := defs.Add(t.toTransition(binding)); err != nil {
				return nil, fmt.Errorf("binding %s transition %s: %w", binding.Key(), t.Name, err)
			}
		}
	}
	return defs, nil
}

func (t TransitionConfig) toTransition(binding transition.StateBinding) transition.Transition {
	out := transition.Transition{
		ID:              t.ID,
		Name:            t.Name,
		Binding:         binding,
		SourceStates:    append([]string(nil), t.From...),
		TargetState:     t.To,
		Actions:         append([]string(nil), t.Actions...),
		Async:           t.Async,
		AsyncQueue:      t.Queue,
		SuccessRedirect: t.SuccessRedirect,
	}
	if t.Form != nil {
		out.FormTemplate = t.Form.Template
		out.RequiredInput = append([]string(nil), t.Form.Required...)
	}
	if len(t.Metadata) > 0 || t.Capability != "" {
		out.Metadata = make(map[string]any, len(t.Metadata)+1)
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
		if t.Capability != "" {
			out.Metadata[engine.CapabilityKey] = t.Capability
		}
	}
	return out.Normalize()
}

// Queues lists the async queues referenced by the file, always including the
// default. A transition counts when it is async, names a queue, or runs an
// action the catalog declares async.
func (d Definitions) Queues() []string {
	asyncActions := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		if a.Async {
			asyncActions[strings.TrimSpace(a.Name)] = true
		}
	}
	set := map[string]struct{}{transition.DefaultQueue: {}}
	for _, t := range d.Transitions() {
		async := t.Async || t.AsyncQueue != ""
		for _, name := range t.Actions {
			async = async || asyncActions[name]
		}
		if async {
			set[t.Queue()] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RetryStrategy maps the backoff settings to a runner strategy.
func (c DispatcherConfig) RetryStrategy() runner.RetryStrategy {
	switch strings.ToLower(strings.TrimSpace(c.Backoff)) {
	case "exponential":
		return runner.ExponentialBackoffStrategy{Base: c.RetryDelay, Factor: 2, Max: c.MaxRetryDelay}
	case "none":
		return runner.NoDelayStrategy{}
	default:
		if c.RetryDelay > 0 {
			return runner.FixedDelayStrategy{Delay: c.RetryDelay}
		}
		return runner.NoDelayStrategy{}
	}
}

// DispatcherSettings converts the dispatcher section into dispatcher options.
// Unset values keep the dispatcher defaults.
func (d Definitions) DispatcherSettings() []dispatcher.Option {
	c := d.Dispatcher
	opts := []dispatcher.Option{
		dispatcher.WithQueue(dispatcher.NewChannelQueue(c.QueueSize, d.Queues()...)),
		dispatcher.WithRetryStrategy(c.RetryStrategy()),
	}
	if c.MaxAttempts > 0 {
		opts = append(opts, dispatcher.WithMaxAttempts(c.MaxAttempts))
	}
	if c.Workers > 0 {
		opts = append(opts, dispatcher.WithWorkers(c.Workers))
	}
	if c.AttemptTimeout > 0 {
		opts = append(opts, dispatcher.WithAttemptTimeout(c.AttemptTimeout))
	}
	return opts
}

// SweeperSettings converts the retention settings into sweeper options.
func (d Definitions) SweeperSettings() []cron.Option {
	c := d.Dispatcher
	var opts []cron.Option
	if s := strings.TrimSpace(c.SweepSchedule); s != "" {
		opts = append(opts, cron.WithSchedule(s))
	}
	if c.JobTTL > 0 {
		opts = append(opts, cron.WithFinishedTTL(c.JobTTL))
	}
	if c.FrozenJobTTL > 0 {
		opts = append(opts, cron.WithFrozenTTL(c.FrozenJobTTL))
	}
	return opts
}
