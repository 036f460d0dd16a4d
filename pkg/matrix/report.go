package matrix

import (
	"fmt"
	"strings"
	"time"

	"github.com/pdtpartners/imagematrix/pkg/assemble"
	"github.com/pdtpartners/imagematrix/pkg/closure"
)

// Result is the outcome of one variant. Exactly one of Image and Err is set.
type Result struct {
	ID       string
	Image    *assemble.TaggedImage
	Err      error
	Duration time.Duration
}

// Report lists the results of a matrix run in input order.
type Report struct {
	Results []Result
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// ExitCode is 0 when every variant succeeded and 1 otherwise.
func (r *Report) ExitCode() int {
	if len(r.Failed()) > 0 {
		return 1
	}
	return 0
}

// Entry is the serializable form of a Result.
type Entry struct {
	ID       string           `json:"id"`
	Status   string           `json:"status"`
	Tags     []string         `json:"tags,omitempty"`
	Env      []string         `json:"env,omitempty"`
	Closure  *closure.Closure `json:"closure,omitempty"`
	Error    string           `json:"error,omitempty"`
	Duration string           `json:"duration"`
}

// Summary returns the serializable form of the report.
func (r *Report) Summary() []Entry {
	entries := make([]Entry, 0, len(r.Results))
	for _, res := range r.Results {
		e := Entry{
			ID:       res.ID,
			Status:   "ok",
			Duration: res.Duration.Round(time.Millisecond).String(),
		}
		if res.Err != nil {
			e.Status = "failed"
			e.Error = res.Err.Error()
		} else if res.Image != nil {
			e.Tags = res.Image.Tags
			e.Env = res.Image.Config.Env
			e.Closure = res.Image.Closure
		}
		entries = append(entries, e)
	}
	return entries
}

// String renders one line per variant.
func (r *Report) String() string {
	var sb strings.Builder
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(&sb, "FAIL %s: %s\n", res.ID, res.Err)
			continue
		}
		fmt.Fprintf(&sb, "OK   %s %s\n", res.ID, strings.Join(res.Image.Tags, ","))
	}
	return sb.String()
}
