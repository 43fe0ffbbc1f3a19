package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// ErrUnknownJob is returned when a job id is not registered.
var ErrUnknownJob = errors.New("unknown job")

// Kind classifies a job by its dependencies.
type Kind int

const (
	Independent  Kind = iota // Runs with no dependency on other jobs
	Consolidator             // Runs after, and from, the independent jobs' outcomes
)

func (k Kind) String() string {
	switch k {
	case Independent:
		return "independent"
	case Consolidator:
		return "consolidator"
	default:
		return "unknown"
	}
}

// Prior is one independent job's outcome, as seen by a consolidator's query builder.
type Prior struct {
	JobID     string
	Title     string
	Requested bool
	Succeeded bool
	Text      string // Payload text on success, failure description otherwise
}

// QueryBuilder produces the query sent to the analyzer for a job.
// priors is empty for independent jobs.
type QueryBuilder func(document string, priors []Prior) (string, error)

// JobSpec describes one registered job. It is immutable once registered.
type JobSpec struct {
	ID           string
	Title        string
	Kind         Kind
	Instructions string // System prompt for the analyzer
	UsesDocument bool   // False for jobs that research outside the document
	BuildQuery   QueryBuilder
}

// Plan is the partition of a request into execution stages.
type Plan struct {
	Independent       []JobSpec // In request order
	Consolidator      *JobSpec  // nil when no consolidator was requested
	WantsConsolidator bool
}

// Catalog is a read-only registry of jobs. Safe for concurrent use.
type Catalog struct {
	jobs  map[string]JobSpec
	order []string
}

// New builds a catalog and validates its dependency graph.
// A catalog may register at most one consolidator.
func New(specs ...JobSpec) (*Catalog, error) {
	c := &Catalog{jobs: make(map[string]JobSpec, len(specs))}

	consolidators := 0
	for _, spec := range specs {
		if strings.TrimSpace(spec.ID) == "" {
			return nil, errors.New("job spec with empty ID")
		}
		if _, exists := c.jobs[spec.ID]; exists {
			return nil, fmt.Errorf("job %q registered twice", spec.ID)
		}
		if spec.BuildQuery == nil {
			return nil, fmt.Errorf("job %q has no query builder", spec.ID)
		}
		if spec.Kind == Consolidator {
			consolidators++
		}
		c.jobs[spec.ID] = spec
		c.order = append(c.order, spec.ID)
	}
	if consolidators > 1 {
		return nil, fmt.Errorf("catalog registers %d consolidators, at most one allowed", consolidators)
	}

	if _, err := c.stages(c.order); err != nil {
		return nil, err
	}
	return c, nil
}

// ListJobs returns all registered jobs in registration order.
func (c *Catalog) ListJobs() []JobSpec {
	out := make([]JobSpec, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.jobs[id])
	}
	return out
}

// JobByID looks up a job.
func (c *Catalog) JobByID(id string) (JobSpec, error) {
	spec, ok := c.jobs[id]
	if !ok {
		return JobSpec{}, fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	return spec, nil
}

// IsConsolidator reports whether id names a registered consolidator job.
func (c *Catalog) IsConsolidator(id string) bool {
	spec, ok := c.jobs[id]
	return ok && spec.Kind == Consolidator
}

// Validate fails with ErrUnknownJob on the first unregistered id.
func (c *Catalog) Validate(ids []string) error {
	for _, id := range ids {
		if _, err := c.JobByID(id); err != nil {
			return err
		}
	}
	return nil
}

// Plan partitions the requested ids into the independent stage and the
// consolidator stage, preserving request order within the independent stage.
func (c *Catalog) Plan(ids []string) (Plan, error) {
	if err := c.Validate(ids); err != nil {
		return Plan{}, err
	}

	order, err := c.stages(ids)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	for _, id := range ids {
		spec := c.jobs[id]
		if spec.Kind == Independent {
			plan.Independent = append(plan.Independent, spec)
		}
	}
	for _, id := range order {
		spec := c.jobs[id]
		if spec.Kind == Consolidator {
			plan.Consolidator = &spec
			plan.WantsConsolidator = true
		}
	}
	return plan, nil
}

// stages runs a topological sort over ids where every consolidator depends on
// every independent job in the set. It returns ids in a valid execution order.
func (c *Catalog) stages(ids []string) ([]string, error) {
	var edges []toposort.Edge
	var independents, consolidators []string
	for _, id := range ids {
		if c.jobs[id].Kind == Consolidator {
			consolidators = append(consolidators, id)
		} else {
			independents = append(independents, id)
		}
	}

	for _, id := range independents {
		edges = append(edges, toposort.Edge{nil, id})
	}
	for _, cons := range consolidators {
		if len(independents) == 0 {
			edges = append(edges, toposort.Edge{nil, cons})
			continue
		}
		for _, dep := range independents {
			edges = append(edges, toposort.Edge{dep, cons})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("job graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(ids) {
		return nil, fmt.Errorf("job plan lost %d jobs", len(ids)-len(order))
	}
	return order, nil
}
