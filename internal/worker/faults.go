package worker

import (
	"context"
	"errors"
	"math/rand"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// errSimulatedFailure 模擬硬體錯誤
var errSimulatedFailure = errors.New("simulated execution failure")

// RandomFaults 每個 tick 以 rate 的機率失敗；rate <= 0 回傳 nil（不注入錯誤）
func RandomFaults(rate float64) StepFunc {
	if rate <= 0 {
		return nil
	}
	return func(ctx context.Context, jobID types.JobID, tick int) error {
		if rand.Float64() < rate {
			return errSimulatedFailure
		}
		return nil
	}
}
