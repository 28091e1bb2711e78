package reconcile

import (
	"time"

	"github.com/lootfox/revmatch/pkg/schema"
)

// State is a run's position in the pipeline. A run walks
// planned → fetching → reconciling → exporting → alerting → done, with
// failed reachable from any state.
type State string

const (
	StatePlanned     State = "planned"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateExporting   State = "exporting"
	StateAlerting    State = "alerting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Transition records when a run entered a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// NetworkStatus is the per-network outcome of one run: whether the fetch
// produced a breakdown, the effective comparison date, and the failure that
// sidelined the network when it did not.
type NetworkStatus struct {
	Network           schema.Network `json:"network"`
	Fetched           bool           `json:"fetched"`
	LastAvailableDate string         `json:"last_available_date,omitempty"`
	Failed            bool           `json:"failed"`
	FailureReason     string         `json:"failure_reason,omitempty"`
}

// RunSummary is the observable record of one reconciliation run. The runner
// advances its state as the pipeline progresses; the ops server serves the
// most recent snapshot.
type RunSummary struct {
	RunID       string                           `json:"run_id"`
	Start       string                           `json:"start"`
	End         string                           `json:"end"`
	State       State                            `json:"state"`
	Transitions []Transition                     `json:"transitions"`
	Networks    map[schema.Network]NetworkStatus `json:"networks"`
	Unresolved  map[string]int                   `json:"unresolved_networks,omitempty"`

	RowCount      int      `json:"row_count"`
	DuplicateKeys int      `json:"duplicate_keys,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	ExportWarning string   `json:"export_warning,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// NewRunSummary starts a summary in the planned state.
func NewRunSummary(runID, start, end string, now time.Time) *RunSummary {
	s := &RunSummary{
		RunID:    runID,
		Start:    start,
		End:      end,
		Networks: make(map[schema.Network]NetworkStatus),
	}
	s.SetState(StatePlanned, now)
	return s
}

// SetState advances the run and records the transition.
func (s *RunSummary) SetState(state State, now time.Time) {
	s.State = state
	s.Transitions = append(s.Transitions, Transition{State: state, At: now})
}

// FailedNetworks returns the canonical names of every sidelined network in
// stable order.
func (s *RunSummary) FailedNetworks() []schema.Network {
	var failed []schema.Network
	for _, n := range schema.Networks() {
		if status, ok := s.Networks[n]; ok && status.Failed {
			failed = append(failed, n)
		}
	}
	return failed
}
