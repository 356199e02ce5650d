package common

import (
	"fmt"
	"math"
)

// KeyType 定义主键类型，固定为 uint64
type KeyType uint64

// ValueType 定义值类型
type ValueType uint64

// NotFound 是对外查询接口在键不存在时返回的哨兵值
const NotFound ValueType = math.MaxUint64

// Record 是写缓冲和稳定索引中存储的基本单元
type Record struct {
	Key   KeyType
	Value ValueType
}

// String 方便调试打印
func (r Record) String() string {
	return fmt.Sprintf("Record{Key: %d, Value: %d}", r.Key, r.Value)
}
