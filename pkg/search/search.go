// Package search holds the last-mile search strategies used inside the
// learned index once the model has narrowed the position to an error window.
package search

import (
	"fmt"
	"sort"

	"hybridindex/pkg/common"
)

// Strategy finds the lower bound of key inside recs[lo:hi+1].
// LowerBound returns the first index i in [lo, hi] with recs[i].Key >= key,
// or hi+1 when every key in the window is smaller.
type Strategy interface {
	Name() string
	LowerBound(recs []common.Record, lo, hi int, key common.KeyType) int
}

const (
	Linear        = "linear"
	Binary        = "binary"
	Exponential   = "exponential"
	Interpolation = "interpolation"
)

// Names lists the registered strategies in a stable order.
func Names() []string {
	return []string{Linear, Binary, Exponential, Interpolation}
}

func ByName(name string) (Strategy, error) {
	switch name {
	case Linear:
		return LinearSearch{}, nil
	case Binary, "":
		return BinarySearch{}, nil
	case Exponential:
		return ExponentialSearch{}, nil
	case Interpolation:
		return InterpolationSearch{}, nil
	}
	return nil, fmt.Errorf("search: unknown strategy %q", name)
}

type LinearSearch struct{}

func (LinearSearch) Name() string { return Linear }

func (LinearSearch) LowerBound(recs []common.Record, lo, hi int, key common.KeyType) int {
	for i := lo; i <= hi; i++ {
		if recs[i].Key >= key {
			return i
		}
	}
	return hi + 1
}

type BinarySearch struct{}

func (BinarySearch) Name() string { return Binary }

func (BinarySearch) LowerBound(recs []common.Record, lo, hi int, key common.KeyType) int {
	if lo > hi {
		return lo
	}
	window := recs[lo : hi+1]
	return lo + sort.Search(len(window), func(i int) bool {
		return window[i].Key >= key
	})
}

// ExponentialSearch gallops from lo and finishes with a binary search.
type ExponentialSearch struct{}

func (ExponentialSearch) Name() string { return Exponential }

func (ExponentialSearch) LowerBound(recs []common.Record, lo, hi int, key common.KeyType) int {
	if lo > hi || recs[lo].Key >= key {
		return lo
	}
	bound := 1
	for lo+bound <= hi && recs[lo+bound].Key < key {
		bound *= 2
	}
	end := lo + bound
	if end > hi {
		end = hi
	}
	return BinarySearch{}.LowerBound(recs, lo+bound/2+1, end, key)
}

// InterpolationSearch guesses by linear interpolation between the window
// endpoints and falls back to binary search after a few guesses.
type InterpolationSearch struct{}

func (InterpolationSearch) Name() string { return Interpolation }

const maxInterpolationSteps = 8

func (InterpolationSearch) LowerBound(recs []common.Record, lo, hi int, key common.KeyType) int {
	l, h := lo, hi
	for step := 0; step < maxInterpolationSteps && l <= h; step++ {
		lk, hk := recs[l].Key, recs[h].Key
		if key <= lk {
			return l
		}
		if key > hk {
			return h + 1
		}
		if lk == hk {
			break
		}
		mid := l + int(float64(key-lk)/float64(hk-lk)*float64(h-l))
		if mid < l {
			mid = l
		}
		if mid > h {
			mid = h
		}
		if recs[mid].Key < key {
			l = mid + 1
		} else {
			h = mid
			if mid == l {
				return l
			}
		}
	}
	return BinarySearch{}.LowerBound(recs, l, h, key)
}
