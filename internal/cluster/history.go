package cluster

import "github.com/ChuLiYu/schedula/pkg/types"

// DefaultHistorySize 每個節點保留的利用率取樣數上限
const DefaultHistorySize = 200

// history 固定容量的環形緩衝區，寫滿後覆蓋最舊的取樣
type history struct {
	samples []types.UtilizationSample
	next    int // 下一個寫入位置
	full    bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{samples: make([]types.UtilizationSample, size)}
}

func (h *history) append(s types.UtilizationSample) {
	h.samples[h.next] = s
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// list 由舊到新複製出所有取樣
func (h *history) list() []types.UtilizationSample {
	out := make([]types.UtilizationSample, 0, h.len())
	if h.full {
		out = append(out, h.samples[h.next:]...)
	}
	return append(out, h.samples[:h.next]...)
}
