package learned

import (
	"math/rand"
	"slices"
	"sort"
	"time"

	"hybridindex/pkg/common"
	"hybridindex/pkg/model"
	"hybridindex/pkg/search"
)

type DiagnosticPoint struct {
	Key          uint64 `json:"key"`
	RealPos      int    `json:"real_pos"`
	PredictedPos int    `json:"predicted_pos"`
	Error        int    `json:"error"`
}

// LearnedIndex is a sorted record array fronted by an RMI position model.
// Every stored key k satisfies pos(k)-Predict(k) in [MinErr, MaxErr].
// It is not safe for concurrent use; callers serialize access.
type LearnedIndex struct {
	Records []common.Record // 有序数据
	Model   *model.RMIModel
	MinErr  int
	MaxErr  int

	search      search.Strategy
	fanout      int
	maxError    int
	trainedSpan int
	retrains    int
}

func New(fanout, maxError int, strategy search.Strategy) *LearnedIndex {
	if strategy == nil {
		strategy = search.BinarySearch{}
	}
	return &LearnedIndex{
		Model:    model.NewRMIModel(fanout),
		search:   strategy,
		fanout:   fanout,
		maxError: maxError,
	}
}

// Build replaces the contents with data, which must be sorted by key with no duplicates.
// The index takes ownership of the slice.
func (li *LearnedIndex) Build(data []common.Record) {
	li.Records = data
	li.train()
}

func (li *LearnedIndex) train() {
	keys := make([]common.KeyType, len(li.Records))
	for i, r := range li.Records {
		keys[i] = r.Key
	}

	li.Model = model.NewRMIModel(li.fanout)
	li.Model.Train(keys)

	minErr, maxErr := 0, 0
	for i, key := range keys {
		err := i - li.Model.Predict(key)
		if err < minErr {
			minErr = err
		}
		if err > maxErr {
			maxErr = err
		}
	}
	li.MinErr, li.MaxErr = minErr, maxErr
	li.trainedSpan = maxErr - minErr
	li.retrains++
}

func (li *LearnedIndex) retrainLimit() int {
	limit := 2 * li.trainedSpan
	if limit < li.maxError {
		limit = li.maxError
	}
	return limit
}

func (li *LearnedIndex) window(key common.KeyType) (int, int) {
	pos := li.Model.Predict(key)
	low := pos + li.MinErr
	high := pos + li.MaxErr
	if low < 0 {
		low = 0
	}
	if high >= len(li.Records) {
		high = len(li.Records) - 1
	}
	return low, high
}

// lowerBound returns the first position whose key is >= key. The model window is
// tried first and the answer verified; absent keys may fall outside the window.
func (li *LearnedIndex) lowerBound(key common.KeyType) int {
	n := len(li.Records)
	if n == 0 {
		return 0
	}
	low, high := li.window(key)
	if low <= high {
		idx := li.search.LowerBound(li.Records, low, high, key)
		if (idx == 0 || li.Records[idx-1].Key < key) && (idx == n || li.Records[idx].Key >= key) {
			return idx
		}
	}
	return sort.Search(n, func(i int) bool {
		return li.Records[i].Key >= key
	})
}

func (li *LearnedIndex) Get(key common.KeyType) (common.ValueType, bool) {
	if len(li.Records) == 0 {
		return 0, false
	}
	idx := li.lowerBound(key)
	if idx < len(li.Records) && li.Records[idx].Key == key {
		return li.Records[idx].Value, true
	}
	return 0, false
}

// Upsert inserts rec or overwrites the value of an existing key. New keys shift
// the tail of the array, which makes this O(n); the model is retrained once the
// error window grows past the retrain limit.
func (li *LearnedIndex) Upsert(rec common.Record) {
	idx := li.lowerBound(rec.Key)
	if idx < len(li.Records) && li.Records[idx].Key == rec.Key {
		li.Records[idx].Value = rec.Value
		return
	}

	shifted := idx < len(li.Records)
	li.Records = slices.Insert(li.Records, idx, rec)
	if len(li.Records) == 1 {
		li.train()
		return
	}

	// 被右移的记录误差最多增加 1
	if shifted {
		li.MaxErr++
	}
	err := idx - li.Model.Predict(rec.Key)
	if err < li.MinErr {
		li.MinErr = err
	}
	if err > li.MaxErr {
		li.MaxErr = err
	}

	if li.MaxErr-li.MinErr > li.retrainLimit() {
		li.train()
	}
}

// RangeCount returns the number of keys in [low, high].
func (li *LearnedIndex) RangeCount(low, high common.KeyType) uint64 {
	if low > high || len(li.Records) == 0 {
		return 0
	}
	start := li.lowerBound(low)
	end := len(li.Records)
	if high < ^common.KeyType(0) {
		end = li.lowerBound(high + 1)
	}
	if end < start {
		return 0
	}
	return uint64(end - start)
}

func (li *LearnedIndex) Len() int {
	return len(li.Records)
}

// Retrains reports how many times the model has been fitted.
func (li *LearnedIndex) Retrains() int {
	return li.retrains
}

func (li *LearnedIndex) SizeBytes() int {
	return cap(li.Records)*16 + li.Model.SizeInBytes() + 8*4
}

const maxDiagnosticPoints = 5000

func (li *LearnedIndex) ExportDiagnostics() []DiagnosticPoint {
	// 采样导出，避免数据量过大
	step := 1
	if len(li.Records) > maxDiagnosticPoints {
		step = (len(li.Records) + maxDiagnosticPoints - 1) / maxDiagnosticPoints
	}

	results := make([]DiagnosticPoint, 0, len(li.Records)/step+1)

	for i := 0; i < len(li.Records); i += step {
		record := li.Records[i]
		pred := li.Model.Predict(record.Key)

		results = append(results, DiagnosticPoint{
			Key:          uint64(record.Key),
			RealPos:      i,
			PredictedPos: pred,
			Error:        i - pred,
		})
	}
	return results
}

// BenchmarkLookup times plain binary search against the model-guided lookup
// over the same random sample of stored keys and returns ns/op for each.
func (li *LearnedIndex) BenchmarkLookup(iterations int) (float64, float64) {
	if len(li.Records) == 0 || iterations <= 0 {
		return 0, 0
	}

	keys := make([]common.KeyType, iterations)
	for i := 0; i < iterations; i++ {
		keys[i] = li.Records[rand.Intn(len(li.Records))].Key
	}

	startBin := time.Now()
	for _, key := range keys {
		sort.Search(len(li.Records), func(i int) bool {
			return li.Records[i].Key >= key
		})
	}
	avgBin := float64(time.Since(startBin).Nanoseconds()) / float64(iterations)

	startRMI := time.Now()
	for _, key := range keys {
		li.Get(key)
	}
	avgRMI := float64(time.Since(startRMI).Nanoseconds()) / float64(iterations)

	return avgBin, avgRMI
}
