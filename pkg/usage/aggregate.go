package usage

// Aggregate folds a batch of events into one delta per (container, blob).
// A delta carries the batch count in TotalAccesses, the min/max event
// timestamps and the batch's users in first-seen order, trimmed to
// maxRecentUsers. Deltas are returned in the order their keys first appear.
func Aggregate(events []AccessEvent, maxRecentUsers int) []MetricEntry {
	if maxRecentUsers <= 0 {
		maxRecentUsers = DefaultMaxRecentUsers
	}

	index := make(map[string]int, len(events))
	deltas := make([]MetricEntry, 0, len(events))

	for _, evt := range events {
		key := evt.Key()
		i, ok := index[key]
		if !ok {
			index[key] = len(deltas)
			deltas = append(deltas, MetricEntry{
				Container:     evt.Container,
				Blob:          evt.Blob,
				TotalAccesses: 1,
				FirstAccessed: evt.Timestamp,
				LastAccessed:  evt.Timestamp,
				RecentUsers:   []string{evt.UserID},
			})
			continue
		}

		d := &deltas[i]
		d.TotalAccesses++
		if evt.Timestamp.Before(d.FirstAccessed) {
			d.FirstAccessed = evt.Timestamp
		}
		if evt.Timestamp.After(d.LastAccessed) {
			d.LastAccessed = evt.Timestamp
		}
		d.RecentUsers = AddRecentUsers(d.RecentUsers, []string{evt.UserID}, 0)
	}

	for i := range deltas {
		deltas[i].RecentUsers = trimOldest(deltas[i].RecentUsers, maxRecentUsers)
	}
	return deltas
}

// Merge applies a delta to an existing entry. existing may be nil, in which
// case the delta becomes the entry. The result never aliases either input.
func Merge(existing *MetricEntry, delta MetricEntry, maxRecentUsers int) MetricEntry {
	if maxRecentUsers <= 0 {
		maxRecentUsers = DefaultMaxRecentUsers
	}

	if existing == nil {
		out := delta.Clone()
		out.RecentUsers = trimOldest(out.RecentUsers, maxRecentUsers)
		if out.FirstAccessed.IsZero() || out.FirstAccessed.After(out.LastAccessed) {
			out.FirstAccessed = out.LastAccessed
		}
		return out
	}

	out := existing.Clone()
	out.TotalAccesses += delta.TotalAccesses
	if delta.LastAccessed.After(out.LastAccessed) {
		out.LastAccessed = delta.LastAccessed
	}
	if out.FirstAccessed.IsZero() {
		out.FirstAccessed = delta.FirstAccessed
	}
	if out.FirstAccessed.After(out.LastAccessed) {
		out.FirstAccessed = out.LastAccessed
	}
	out.RecentUsers = AddRecentUsers(out.RecentUsers, delta.RecentUsers, maxRecentUsers)
	return out
}

// AddRecentUsers appends incoming users not already present to existing,
// keeping insertion order, then drops the oldest members until at most max
// remain. max <= 0 disables trimming. existing is not modified.
func AddRecentUsers(existing, incoming []string, max int) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, u := range existing {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range incoming {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if max > 0 {
		out = trimOldest(out, max)
	}
	return out
}

func trimOldest(users []string, max int) []string {
	if len(users) <= max {
		return users
	}
	return append([]string(nil), users[len(users)-max:]...)
}
