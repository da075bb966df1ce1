package utils

import (
	"github.com/emirpasic/gods/sets"
	"github.com/emirpasic/gods/sets/hashset"
)

func List2set[T any](list []T) sets.Set {
	set := hashset.New()
	for _, value := range list {
		set.Add(value)
	}
	return set
}

// FilterList 按照keep保留list中的元素，保持原有顺序
func FilterList[T any](list []T, keep func(T) bool) []T {
	answer := make([]T, 0, len(list))
	for _, value := range list {
		if keep(value) {
			answer = append(answer, value)
		}
	}
	return answer
}
