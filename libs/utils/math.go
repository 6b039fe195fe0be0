package utils

import (
	"sort"
)

// Max returns the largest sample, or -1 for an empty set.
func Max(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := data[0]
	for _, datum := range data {
		if datum > res {
			res = datum
		}
	}
	return res
}

// Min returns the smallest sample, or -1 for an empty set.
func Min(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := data[0]
	for _, datum := range data {
		if datum < res {
			res = datum
		}
	}
	return res
}

// Median sorts data in place and returns the middle sample, or -1 for
// an empty set.
func Median(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	sort.Float64s(data)
	if len(data)%2 == 1 {
		return data[len(data)/2]
	}
	mid := len(data) / 2
	return (data[mid-1] + data[mid]) / 2
}

// Avg returns the arithmetic mean, or -1 for an empty set.
func Avg(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := 0.0
	for _, datum := range data {
		res += datum
	}

	return res / float64(len(data))
}
