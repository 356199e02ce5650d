package model

import (
	"hybridindex/pkg/common"
)

// LinearModel fits pos = Slope*(key-Base) + Intercept by least squares.
// Keys are shifted by Base before accumulation so the sums stay well conditioned.
type LinearModel struct {
	Slope     float64
	Intercept float64
	Base      float64
	n         float64
	sumX      float64
	sumY      float64
	sumXY     float64
	sumXX     float64
}

func NewLinearModel() *LinearModel {
	return &LinearModel{}
}

func (lm *LinearModel) Train(keys []common.KeyType) {
	positions := make([]int, len(keys))
	for i := range keys {
		positions[i] = i
	}
	lm.TrainWithPos(keys, positions)
}

func (lm *LinearModel) TrainWithPos(keys []common.KeyType, positions []int) {
	lm.n = float64(len(keys))
	lm.sumX, lm.sumY, lm.sumXY, lm.sumXX = 0, 0, 0, 0
	lm.Base = 0
	if len(keys) > 0 {
		lm.Base = float64(keys[0])
	}

	for i, key := range keys {
		x := float64(key) - lm.Base
		y := float64(positions[i])

		lm.sumX += x
		lm.sumY += y
		lm.sumXY += x * y
		lm.sumXX += x * x
	}
	lm.solve()
}

func (lm *LinearModel) solve() {
	if lm.n == 0 {
		lm.Slope, lm.Intercept = 0, 0
		return
	}
	denominator := lm.n*lm.sumXX - lm.sumX*lm.sumX
	if denominator == 0 {
		// 所有 key 相同或只有一个点：退化为常数模型
		lm.Slope = 0
		lm.Intercept = lm.sumY / lm.n
	} else {
		lm.Slope = (lm.n*lm.sumXY - lm.sumX*lm.sumY) / denominator
		lm.Intercept = (lm.sumY - lm.Slope*lm.sumX) / lm.n
	}
}

func (lm *LinearModel) Predict(key common.KeyType) int {
	return int(lm.Slope*(float64(key)-lm.Base) + lm.Intercept)
}
