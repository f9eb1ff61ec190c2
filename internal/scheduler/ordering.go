package scheduler

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/schedula/internal/jobmanager"
)

// TieBreak 同優先權任務之間依執行時間排序的方向
type TieBreak string

const (
	// TieLargestFirst 執行時間長的先排（預設）
	TieLargestFirst TieBreak = "largest-first"
	// TieShortestFirst 執行時間短的先排（SJF）
	TieShortestFirst TieBreak = "shortest-first"

	DefaultTieBreak = TieLargestFirst
)

// ParseTieBreak 驗證設定值，空字串代表 DefaultTieBreak
func ParseTieBreak(name string) (TieBreak, error) {
	switch TieBreak(name) {
	case "":
		return DefaultTieBreak, nil
	case TieLargestFirst, TieShortestFirst:
		return TieBreak(name), nil
	default:
		return "", fmt.Errorf("unknown tie break %q (want %s or %s)", name, TieLargestFirst, TieShortestFirst)
	}
}

// Sort 就地排序候選任務：
//
//	1. priority 由高到低
//	2. runtime 依 tie break 方向
//	3. 提交順序
func (tb TieBreak) Sort(jobs []*jobmanager.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority() != b.Priority() {
			return a.Priority() > b.Priority()
		}
		if a.RuntimeSeconds() != b.RuntimeSeconds() {
			if tb == TieShortestFirst {
				return a.RuntimeSeconds() < b.RuntimeSeconds()
			}
			return a.RuntimeSeconds() > b.RuntimeSeconds()
		}
		return a.Seq() < b.Seq()
	})
}
