package transfer

// Progress receives transfer progress. Every call is keyed by (name, source);
// CreateTask and CompleteTask are issued exactly once per transfer and the
// completed byte counts passed to Update never decrease for a given key.
type Progress interface {
	CreateTask(name, source string, total int64)
	Update(name, source string, completed int64)
	CompleteTask(name, source string)
}

type noProgress struct{}

func (noProgress) CreateTask(string, string, int64) {}
func (noProgress) Update(string, string, int64)     {}
func (noProgress) CompleteTask(string, string)      {}

func progressOrNoop(p Progress) Progress {
	if p == nil {
		return noProgress{}
	}
	return p
}
