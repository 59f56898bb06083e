package schedule

import "context"

// Standard session job names.
const (
	JobPrepare = "prepare"
	JobOpen    = "open"
	JobClose   = "close"
	JobReport  = "report"
)

// Session holds the callbacks for one trading day.
type Session struct {
	Prepare func(ctx context.Context) error
	Open    func(ctx context.Context) error
	Close   func(ctx context.Context) error
	Report  func(ctx context.Context) error
}

// Jobs maps the session onto the exchange day: prepare 08:30, open 09:00,
// close 15:30, report 16:00. Nil callbacks are skipped.
func (s Session) Jobs() []Job {
	var jobs []Job
	add := func(name string, h, m int, fn func(context.Context) error) {
		if fn != nil {
			jobs = append(jobs, Job{Name: name, Hour: h, Minute: m, Run: fn})
		}
	}
	add(JobPrepare, 8, 30, s.Prepare)
	add(JobOpen, 9, 0, s.Open)
	add(JobClose, 15, 30, s.Close)
	add(JobReport, 16, 0, s.Report)
	return jobs
}
