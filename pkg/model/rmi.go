package model

import (
	"hybridindex/pkg/common"
)

// RMIModel 两层递归模型
// Layer 1: 简单的范围映射 (Radix) -> 确定 Bucket
// Layer 2: 线性回归 (Linear Regression) -> 确定 Position
type RMIModel struct {
	globalMin common.KeyType
	globalMax common.KeyType
	fanout    int            // 分桶数量
	buckets   []*LinearModel // 每个桶一个模型
}

func NewRMIModel(fanout int) *RMIModel {
	if fanout < 1 {
		fanout = 1
	}
	rmi := &RMIModel{
		fanout:  fanout,
		buckets: make([]*LinearModel, fanout),
	}
	for i := range rmi.buckets {
		rmi.buckets[i] = NewLinearModel()
	}
	return rmi
}

// Fanout returns the number of second-layer models.
func (rmi *RMIModel) Fanout() int {
	return rmi.fanout
}

// Train expects keys in ascending order.
func (rmi *RMIModel) Train(keys []common.KeyType) {
	for i := range rmi.buckets {
		rmi.buckets[i] = NewLinearModel()
	}
	if len(keys) == 0 {
		rmi.globalMin, rmi.globalMax = 0, 0
		return
	}

	rmi.globalMin = keys[0]
	rmi.globalMax = keys[len(keys)-1]

	// 分桶时记录每个 key 在全局数组中的下标
	bucketKeys := make([][]common.KeyType, rmi.fanout)
	bucketPoss := make([][]int, rmi.fanout)

	for i, key := range keys {
		b := rmi.bucket(key)
		bucketKeys[b] = append(bucketKeys[b], key)
		bucketPoss[b] = append(bucketPoss[b], i)
	}

	for i := 0; i < rmi.fanout; i++ {
		rmi.buckets[i].TrainWithPos(bucketKeys[i], bucketPoss[i])
	}
}

func (rmi *RMIModel) bucket(key common.KeyType) int {
	if key <= rmi.globalMin {
		return 0
	}
	if key >= rmi.globalMax {
		return rmi.fanout - 1
	}
	keyRange := float64(rmi.globalMax - rmi.globalMin)
	idx := int(float64(key-rmi.globalMin) / keyRange * float64(rmi.fanout))
	if idx >= rmi.fanout {
		idx = rmi.fanout - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (rmi *RMIModel) Predict(key common.KeyType) int {
	return rmi.buckets[rmi.bucket(key)].Predict(key)
}

// SizeInBytes counts the bucket models and the layer-1 bounds.
func (rmi *RMIModel) SizeInBytes() int {
	const linearModelBytes = 8 * 8
	return 16 + 8 + rmi.fanout*(linearModelBytes+8)
}
