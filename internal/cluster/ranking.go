package cluster

import (
	"fmt"
	"sort"
)

// Ranking names the order in which a placement pass tries nodes for a job.
type Ranking string

const (
	// RankMostFreeMemory tries the node with the most free memory first.
	// Core availability is ignored when ranking; it is still enforced by Allocate.
	RankMostFreeMemory Ranking = "most-free-memory"
	// RankMostFreeCores tries the node with the most free cores first.
	RankMostFreeCores Ranking = "most-free-cores"
	// RankBestFitMemory tries the node with the least free memory first,
	// packing jobs onto already busy nodes.
	RankBestFitMemory Ranking = "best-fit-memory"

	// DefaultRanking is the ranking used when none is configured.
	DefaultRanking = RankMostFreeMemory
)

// Rankings lists every supported ranking.
var Rankings = []Ranking{RankMostFreeMemory, RankMostFreeCores, RankBestFitMemory}

// ParseRanking validates a configured ranking name. Empty means DefaultRanking.
func ParseRanking(name string) (Ranking, error) {
	if name == "" {
		return DefaultRanking, nil
	}
	for _, r := range Rankings {
		if string(r) == name {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown ranking %q (want one of %v)", name, Rankings)
}

// Order returns a copy of pools sorted by the ranking. Ties keep the
// registration order of the input.
func (r Ranking) Order(pools []*Pool) []*Pool {
	type ranked struct {
		pool *Pool
		key  int64
	}
	rs := make([]ranked, len(pools))
	for i, p := range pools {
		avail := p.Available()
		switch r {
		case RankMostFreeCores:
			rs[i] = ranked{p, -avail.Cores}
		case RankBestFitMemory:
			rs[i] = ranked{p, avail.Memory}
		default:
			rs[i] = ranked{p, -avail.Memory}
		}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].key < rs[j].key })

	out := make([]*Pool, len(rs))
	for i, x := range rs {
		out[i] = x.pool
	}
	return out
}
