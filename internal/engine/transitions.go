package engine

import "wlmigrate/internal/domain"

// successPath is the forward order of job statuses. The pull, transform and push
// statuses repeat once per batch.
var successPath = []domain.JobStatus{
	domain.JobQueued,
	domain.JobCreated,
	domain.JobInitiated,
	domain.JobPulling,
	domain.JobPulled,
	domain.JobTransforming,
	domain.JobTransformed,
	domain.JobPushing,
}

func pathIndex(s domain.JobStatus) int {
	for i, p := range successPath {
		if p == s {
			return i
		}
	}
	return -1
}

// ensureJobTransition enforces the job state machine.
func ensureJobTransition(from, to domain.JobStatus) error {
	switch {
	case from == to:
		return nil
	case from.Terminal():
		if to == domain.JobQueued && (from == domain.JobError || from == domain.JobCancelled) {
			return nil
		}
	case to == domain.JobError || to == domain.JobCancelled:
		return nil
	case from == domain.JobPushing && (to == domain.JobPulling || to == domain.JobFinished):
		return nil
	default:
		fi, ti := pathIndex(from), pathIndex(to)
		if fi >= 0 && ti == fi+1 {
			return nil
		}
	}
	return domain.TransitionError{From: from, To: to}
}

// stepsBetween lists the statuses a job passes through to get from one stage to a later
// one within a batch, so a resumed batch still records every stage it re-enters.
func stepsBetween(from, to domain.JobStatus) []domain.JobStatus {
	if from == to {
		return nil
	}
	if from == domain.JobPushing && to != domain.JobFinished {
		// a new batch starts over at pulling
		return append([]domain.JobStatus{domain.JobPulling}, stepsBetween(domain.JobPulling, to)...)
	}
	fi, ti := pathIndex(from), pathIndex(to)
	if fi < 0 || ti <= fi {
		return []domain.JobStatus{to}
	}
	return append([]domain.JobStatus(nil), successPath[fi+1:ti+1]...)
}

// batchStageStatus is the job status for a batch stage in flight.
func batchStageStatus(stage domain.BatchStatus) domain.JobStatus {
	switch stage {
	case domain.BatchPulled:
		return domain.JobTransforming
	case domain.BatchTransformed:
		return domain.JobPushing
	default:
		return domain.JobPulling
	}
}
