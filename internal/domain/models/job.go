package models

// JobKind identifies what a scheduled job does when a worker claims it.
type JobKind string

const (
	JobRecomputeForecast JobKind = "recompute_forecast"
	JobRunEvaluation     JobKind = "run_evaluation"
	JobTriggerReport     JobKind = "trigger_report"
)

// JobParams carries the forecast pipeline arguments of a job.
type JobParams struct {
	Location string       `json:"location,omitempty"`
	Variant  ModelVariant `json:"variant,omitempty"`
	Horizon  int          `json:"horizon,omitempty"`
	TestSize int          `json:"test_size,omitempty"`
}
