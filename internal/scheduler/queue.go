package scheduler

import "github.com/agentsdashboard/orchestrator-core/internal/model"

// RankForFairness reorders runs already sorted by ascending createdAt (with
// a runId tiebreak, as store.ListQueuedRanked provides) into round-robin
// order across repositoryId: one run per repository is admitted ahead of
// any repository's second run, preventing a single busy repository from
// starving the rest of the queue.
//
// Adapted from the reference's anti-starvation TaskQueue/ThreadSafeQueue
// heap, generalized from its wait-time-discounted priority comparator to
// this system's explicit per-repository round robin.
func RankForFairness(runs []*model.Run) []*model.Run {
	if len(runs) <= 1 {
		return runs
	}

	order := make([]string, 0)
	byRepo := make(map[string][]*model.Run)
	for _, r := range runs {
		if _, seen := byRepo[r.RepositoryID]; !seen {
			order = append(order, r.RepositoryID)
		}
		byRepo[r.RepositoryID] = append(byRepo[r.RepositoryID], r)
	}

	out := make([]*model.Run, 0, len(runs))
	for len(out) < len(runs) {
		for _, repo := range order {
			remaining := byRepo[repo]
			if len(remaining) == 0 {
				continue
			}
			out = append(out, remaining[0])
			byRepo[repo] = remaining[1:]
		}
	}
	return out
}
