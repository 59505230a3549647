package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/config"
	"github.com/goliatone/go-transition/cron"
	"github.com/goliatone/go-transition/dispatcher"
	"github.com/goliatone/go-transition/engine"
	"github.com/goliatone/go-transition/registry"
	"github.com/goliatone/go-transition/store"
)

const timeLayout = "2006-01-02 15:04:05"

type ValidateCmd struct {
	File string `arg:"" type:"existingfile" help:"Definitions file (YAML or JSON)."`
}

func (c *ValidateCmd) Run(a *app) error {
	cfg, defs, err := loadDefinitions(a, c.File)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "ok: %d bindings, %d transitions\n", len(defs.Bindings()), len(defs.All()))
	if len(cfg.Actions) == 0 {
		fmt.Fprintln(a.out, "note: no action catalog, prerequisites and attachment producers were not checked")
	}
	return nil
}

type PlanCmd struct {
	File         string `arg:"" type:"existingfile" help:"Definitions file (YAML or JSON)."`
	TransitionID string `arg:"" name:"transition-id" help:"Transition id, e.g. asset.status.start."`
}

func (c *PlanCmd) Run(a *app) error {
	_, defs, err := loadDefinitions(a, c.File)
	if err != nil {
		return err
	}
	t, err := defs.Get(c.TransitionID)
	if err != nil {
		return err
	}
	plan, err := defs.Plan(t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s -> %s\n", t.ID, strings.Join(t.SourceStates, "|"), t.TargetState)
	if len(plan) == 0 {
		fmt.Fprintln(a.out, "  (no actions)")
	}
	for i, name := range plan {
		fmt.Fprintf(a.out, "  %d. %s\n", i+1, name)
	}
	return nil
}

type AvailableCmd struct {
	File         string   `arg:"" type:"existingfile" help:"Definitions file (YAML or JSON)."`
	EntityType   string   `arg:"" name:"entity-type"`
	Field        string   `arg:""`
	State        string   `arg:""`
	Caller       string   `help:"Only list transitions this caller may perform."`
	Capabilities []string `name:"capability" short:"c" help:"Capabilities held by --caller."`
}

func (c *AvailableCmd) Run(a *app) error {
	_, defs, err := loadDefinitions(a, c.File)
	if err != nil {
		return err
	}
	binding, ok := defs.BindingFor(c.EntityType, c.Field)
	if !ok {
		return fmt.Errorf("binding %s.%s is not declared", c.EntityType, c.Field)
	}
	caller := transition.Caller{ID: c.Caller, Capabilities: c.Capabilities}
	var authz engine.CapabilityAuthorizer

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTARGET\tASYNC\tID")
	for _, t := range defs.Available(binding, c.State) {
		if c.Caller != "" {
			if err := authz.Authorize(context.Background(), caller, t); err != nil {
				a.logger.Debug("skipping %s: %v", t.ID, err)
				continue
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", t.Name, t.TargetState, t.Async, t.ID)
	}
	return w.Flush()
}

type HistoryCmd struct {
	DB         string `name:"db" required:"" type:"existingfile" help:"SQLite database file."`
	EntityType string `arg:"" name:"entity-type"`
	EntityID   string `arg:"" name:"entity-id"`
	Limit      int    `help:"Maximum rows to print, 0 for all." default:"50"`
}

func (c *HistoryCmd) Run(a *app) error {
	db, err := openDB(c.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	s := store.NewSQLite(db)
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRANSITION\tFROM\tTO\tBY\tACTIONS\tERROR")
	printed := 0
	for rec, err := range s.Query(ctx, c.EntityType, c.EntityID) {
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(timeLayout), rec.TransitionID, rec.Source, rec.Target,
			rec.PerformedBy, strings.Join(rec.ActionsRun, ","), rec.Error)
		printed++
		if c.Limit > 0 && printed >= c.Limit {
			break
		}
	}
	a.logger.Debug("printed %d history rows for %s:%s", printed, c.EntityType, c.EntityID)
	return w.Flush()
}

type JobsCmd struct {
	DB     string `name:"db" required:"" type:"existingfile" help:"SQLite database file."`
	Table  string `help:"Jobs table name." default:"transition_jobs"`
	Status string `help:"Filter by status (queued, started, finished, failed, frozen)."`
	Queue  string `help:"Filter by queue."`
	Limit  int    `help:"Maximum rows to print, 0 for all." default:"100"`
}

func (c *JobsCmd) Run(a *app) error {
	filter := dispatcher.JobFilter{Queue: c.Queue, Limit: c.Limit}
	if c.Status != "" {
		status, err := transition.ParseJobStatus(c.Status)
		if err != nil {
			return err
		}
		filter.Status = status
	}
	db, err := openDB(c.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := dispatcher.NewSQLiteJobStore(db, c.Table).List(context.Background(), filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRANSITION\tENTITIES\tQUEUE\tSTATUS\tATTEMPT\tUPDATED\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.TransitionID, job.EntityType, strings.Join(job.EntityIDs, ","), job.Queue,
			job.Status, job.Attempt, job.UpdatedAt.UTC().Format(timeLayout), job.LastError)
	}
	return w.Flush()
}

type SweepCmd struct {
	DB          string        `name:"db" required:"" type:"existingfile" help:"SQLite database file."`
	Table       string        `help:"Jobs table name." default:"transition_jobs"`
	FinishedTTL time.Duration `name:"finished-ttl" help:"Retention for finished jobs, 0 keeps them." default:"24h"`
	FrozenTTL   time.Duration `name:"frozen-ttl" help:"Retention for frozen jobs, 0 keeps them." default:"168h"`
}

func (c *SweepCmd) Run(a *app) error {
	db, err := openDB(c.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	sweeper, err := cron.NewSweeper(dispatcher.NewSQLiteJobStore(db, c.Table),
		cron.WithFinishedTTL(c.FinishedTTL),
		cron.WithFrozenTTL(c.FrozenTTL),
		cron.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	removed, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "purged %d jobs\n", removed)
	return nil
}

// loadDefinitions parses path and builds it against the file's action
// catalog. Without a catalog every referenced action gets a bare placeholder.
func loadDefinitions(a *app, path string) (config.Definitions, *registry.Definitions, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	actions, err := cfg.Catalog()
	if err != nil {
		return cfg, nil, err
	}
	if len(cfg.Actions) == 0 {
		actions = placeholders(cfg)
	}
	defs, err := cfg.Build(actions)
	if err != nil {
		return cfg, nil, err
	}
	a.logger.Debug("loaded %s with %d transitions", path, len(defs.All()))
	return cfg, defs, nil
}

func placeholders(cfg config.Definitions) *registry.Actions {
	actions := registry.NewActions()
	for _, t := range cfg.Transitions() {
		for _, name := range t.Actions {
			if _, err := actions.Lookup(name); err == nil {
				continue
			}
			actions.MustRegister(transition.NewAction(transition.ActionMeta{Name: name}, nil))
		}
	}
	actions.Seal()
	return actions
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
