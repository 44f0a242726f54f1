package monitor

import (
	"sort"

	"github.com/pgpilot/pgpilot/pkg/types"
)

// Candidate is one report_lsn participant as the selector sees it: the node
// row plus the health verdict computed by the caller. Keeping healthiness an
// input keeps the selector a pure function.
type Candidate struct {
	Node    *types.Node
	Healthy bool
}

// Selection is the outcome of a successful election.
type Selection struct {
	// Node is the promotion target.
	Node *types.Node

	// MaxLSN is the most advanced position reported by any participant,
	// including zero-priority ones that cannot be promoted themselves.
	MaxLSN types.LSN

	// NeedsFastForward is set when the target is behind MaxLSN and a
	// healthy peer holds the missing WAL: the target must pull it before
	// being promoted.
	NeedsFastForward bool
}

// ErrDataLossGuard is returned when promoting even the most advanced
// standby would lose more WAL than the configured threshold allows.
var ErrDataLossGuard = NewError(ClassObjectNotInPrerequisiteState,
	"promotion refused: the most advanced standby is too far behind the failed primary").
	WithHint("bring the failed primary back, or raise promote_wal_threshold")

// SelectCandidate elects the promotion target among the report_lsn
// participants. It returns (nil, nil) when no candidate is eligible yet:
// the caller retries on the next heartbeat.
//
// The election order is total: highest election priority first, then most
// advanced reported position, then smallest node id.
func SelectCandidate(candidates []Candidate, primaryLSN types.LSN, promoteThreshold uint64) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	maxLSN := types.InvalidLSN
	for _, c := range candidates {
		if c.Node.ReportedLSN > maxLSN {
			maxLSN = c.Node.ReportedLSN
		}
	}

	// Acknowledged writes past the best standby are gone if we promote.
	if primaryLSN.IsValid() && maxLSN.DistanceBehind(primaryLSN) > promoteThreshold {
		return nil, ErrDataLossGuard
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy && c.Node.ElectionPriority() > 0 && c.Node.ReportedLSN.IsValid() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].Node, eligible[j].Node
		if a.ElectionPriority() != b.ElectionPriority() {
			return a.ElectionPriority() > b.ElectionPriority()
		}
		if a.ReportedLSN != b.ReportedLSN {
			return a.ReportedLSN > b.ReportedLSN
		}
		return a.ID < b.ID
	})

	selected := eligible[0].Node

	needsFastForward := false
	if selected.ReportedLSN < maxLSN {
		for _, c := range candidates {
			if c.Node.ReportedLSN == maxLSN && c.Healthy {
				needsFastForward = true
				break
			}
		}
	}

	return &Selection{
		Node:             selected,
		MaxLSN:           maxLSN,
		NeedsFastForward: needsFastForward,
	}, nil
}
