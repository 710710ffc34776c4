package batch

import (
	"fmt"
)

// TotalGroups returns how many shards a canonical app list of length totalApps
// splits into at the given group size. A non-positive size means no sharding:
// one group holding everything.
func TotalGroups(totalApps, groupSize int) (int, error) {
	if totalApps < 0 {
		return 0, fmt.Errorf("batch: negative app count %d", totalApps)
	}
	if groupSize <= 0 {
		return 1, nil
	}
	if totalApps == 0 {
		return 0, nil
	}
	return (totalApps + groupSize - 1) / groupSize, nil
}

// SelectGroup returns the shard of appIDs at groupIndex. The input list must
// already be in canonical (sorted) order; identical inputs always yield
// identical shards, which is what lets independent schedulers split the fleet
// without coordinating. An index past the last group yields an empty shard,
// not an error.
func SelectGroup(appIDs []string, groupSize, groupIndex int) ([]string, error) {
	if groupIndex < 0 {
		return nil, fmt.Errorf("batch: negative group index %d", groupIndex)
	}
	if groupSize <= 0 {
		if groupIndex > 0 {
			return nil, nil
		}
		return appIDs, nil
	}
	start := groupIndex * groupSize
	if start >= len(appIDs) {
		return nil, nil
	}
	end := start + groupSize
	if end > len(appIDs) {
		end = len(appIDs)
	}
	return appIDs[start:end], nil
}
