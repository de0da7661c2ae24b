package job

import "time"

// Option configures a Job at creation.
type Option func(*Job)

// WithPriority sets the job priority.
func WithPriority(p Priority) Option {
	return func(j *Job) { j.Priority = p }
}

// WithTimeout bounds the whole job execution.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) { j.Timeout = d }
}

// WithMessage sets the initial status text.
func WithMessage(msg string) Option {
	return func(j *Job) { j.Message = msg }
}
