package model

import "hybridindex/pkg/common"

// Model 把 key 映射到有序数组中的预测位置
type Model interface {
	Train(keys []common.KeyType)
	Predict(key common.KeyType) (pos int)
	SizeInBytes() int
}
