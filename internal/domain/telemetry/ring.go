package telemetry

// ring is a bounded circular buffer of entries. Storage grows with use up
// to capacity, then appends overwrite the oldest entry. It is not safe for
// concurrent use; the owning stream serializes access.
type ring struct {
	data     []Entry
	capacity int
	start    int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{capacity: capacity}
}

func (r *ring) push(e Entry) {
	if len(r.data) < r.capacity {
		r.data = append(r.data, e)
		return
	}
	r.data[r.start] = e
	r.start = (r.start + 1) % r.capacity
}

func (r *ring) len() int { return len(r.data) }

// since returns up to limit of the newest entries with a sequence above
// seq, oldest first. limit <= 0 means no limit.
func (r *ring) since(seq uint64, limit int) []Entry {
	size := len(r.data)

	// Entries are in sequence order, so skip from the front.
	first := 0
	for first < size && r.data[(r.start+first)%size].Sequence <= seq {
		first++
	}
	n := size - first
	if limit > 0 && n > limit {
		first += n - limit
		n = limit
	}
	if n == 0 {
		return nil
	}

	out := make([]Entry, n)
	for i := range out {
		out[i] = r.data[(r.start+first+i)%size]
	}
	return out
}
