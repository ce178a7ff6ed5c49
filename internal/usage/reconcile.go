// Package usage sums the GPU reservations declared by active user sessions.
package usage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/skobkin/gpuavail/internal/fault"
)

// Session is one user server as reported by the session ledger.
type Session struct {
	User     string
	Server   string
	Ready    bool
	Site     string
	GPUModel string
	// GPUCount is the declared count as sent by the ledger; empty means not declared.
	GPUCount string
}

// ID names the session in logs and warnings.
func (s Session) ID() string {
	if s.Server == "" {
		return s.User
	}
	return s.User + "/" + s.Server
}

// Record is one session's contribution to usage.
type Record struct {
	Site     string
	GPUModel string
	GPUCount int
}

// Usage maps site to GPU model to the summed declared count.
type Usage map[string]map[string]int

// Get returns the usage for site and model, zero when absent.
func (u Usage) Get(site, model string) int {
	return u[site][model]
}

// Sites returns the sites with recorded usage in name order.
func (u Usage) Sites() []string {
	sites := make([]string, 0, len(u))
	for site := range u {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// Options tunes reconciliation.
type Options struct {
	// DefaultSite is assigned to sessions that declare no site.
	DefaultSite string
}

// Result is the outcome of one reconciliation.
type Result struct {
	Usage    Usage
	Sessions int
	Counted  int
	// Warnings hold one SessionError per skipped malformed session.
	Warnings []error
}

// SessionError reports a session skipped because its usage fields are malformed.
type SessionError struct {
	Session string
	Field   string
	Value   string
	Reason  string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s=%q: %s", e.Session, e.Field, e.Value, e.Reason)
}

func (e *SessionError) Unwrap() error {
	return fault.ErrMalformedSessionRecord
}

// Reconcile groups ready sessions by site and GPU model and sums their declared counts.
// Sessions that are not ready or declare no positive count are left out entirely.
// A malformed session is skipped and reported in Result.Warnings.
func Reconcile(sessions []Session, opts Options) Result {
	result := Result{
		Usage:    make(Usage),
		Sessions: len(sessions),
	}

	for _, session := range sessions {
		record, ok, err := recordFor(session, opts)
		if err != nil {
			result.Warnings = append(result.Warnings, err)
			continue
		}
		if !ok {
			continue
		}
		models, exists := result.Usage[record.Site]
		if !exists {
			models = make(map[string]int)
			result.Usage[record.Site] = models
		}
		models[record.GPUModel] += record.GPUCount
		result.Counted++
	}
	return result
}

func recordFor(session Session, opts Options) (Record, bool, error) {
	if !session.Ready {
		return Record{}, false, nil
	}
	raw := strings.TrimSpace(session.GPUCount)
	if raw == "" {
		return Record{}, false, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return Record{}, false, &SessionError{Session: session.ID(), Field: "gpu_count", Value: session.GPUCount, Reason: "not an integer"}
	}
	if count < 0 {
		return Record{}, false, &SessionError{Session: session.ID(), Field: "gpu_count", Value: session.GPUCount, Reason: "negative"}
	}
	if count == 0 {
		return Record{}, false, nil
	}

	site := strings.TrimSpace(session.Site)
	if site == "" {
		site = opts.DefaultSite
	}
	if site == "" {
		return Record{}, false, &SessionError{Session: session.ID(), Field: "site", Reason: "missing"}
	}
	model := strings.TrimSpace(session.GPUModel)
	if model == "" {
		return Record{}, false, &SessionError{Session: session.ID(), Field: "gpu_model", Reason: "missing"}
	}
	return Record{Site: site, GPUModel: model, GPUCount: count}, true, nil
}
