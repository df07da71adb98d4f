package batch

import (
	"errors"
	"sort"
)

// Job names exposed by the API and the scheduler.
const (
	JobWebtoons = "webtoonsScrapeJob"
	JobAsura    = "asuraScrapeJob"
	JobTapas    = "tapasScrapeJob"
)

var jobLabels = map[string]string{
	JobWebtoons: "Webtoons Views",
	JobAsura:    "Asura Followers",
	JobTapas:    "Tapas Metrics",
}

// ErrUnknownJob is returned for job names outside the registry.
var ErrUnknownJob = errors.New("unknown job")

// Label is the display name of a job, or the name itself.
func Label(jobName string) string {
	if label, ok := jobLabels[jobName]; ok {
		return label
	}
	return jobName
}

// Registry maps job names to runnable jobs.
type Registry struct {
	jobs map[string]Job
}

func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{jobs: make(map[string]Job, len(jobs))}
	for _, job := range jobs {
		r.jobs[job.Name()] = job
	}
	return r
}

func (r *Registry) Get(name string) (Job, bool) {
	job, ok := r.jobs[name]
	return job, ok
}

// Names lists registered jobs alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
