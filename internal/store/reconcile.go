package store

// Merge reconciles divergent versions of one key into a single snapshot.
//
// Items are merged as a multiset union: the first version's items are kept
// in order, and each item of a later version either consumes one remaining
// occurrence of the same item or is appended as an extra occurrence. Clocks
// are merged component-wise by maximum.
//
// The result is not marked replicated, so writing it back at the owner
// counts as a new local mutation.
func Merge(versions []Snapshot) Snapshot {
	if len(versions) == 0 {
		return Snapshot{Items: []string{}, Clock: VectorClock{}}
	}

	merged := Snapshot{
		Items: append(make([]string, 0, len(versions[0].Items)), versions[0].Items...),
		Clock: versions[0].Clock.Copy(),
	}
	for _, v := range versions[1:] {
		merged.Items = unionItems(merged.Items, v.Items)
		merged.Clock = merged.Clock.Merge(v.Clock)
	}
	return merged
}

func unionItems(base, other []string) []string {
	remaining := make(map[string]int, len(base))
	for _, it := range base {
		remaining[it]++
	}
	for _, it := range other {
		if remaining[it] == 0 {
			base = append(base, it)
			continue
		}
		remaining[it]--
	}
	return base
}
