package table

// StreamEventChunk is a finite, forward-iterable batch of rows to be
// inserted. It is consumed once: a backend must not retain a reference to
// it after the call that received it returns.
type StreamEventChunk struct {
	rows []Row
	pos  int
}

// NewStreamEventChunk builds a chunk from a slice of rows. The slice is not
// copied; callers should not mutate it afterward.
func NewStreamEventChunk(rows []Row) *StreamEventChunk {
	return &StreamEventChunk{rows: rows}
}

// Next advances the iterator and returns the next row, or ok=false when the
// chunk is exhausted.
func (c *StreamEventChunk) Next() (Row, bool) {
	if c == nil || c.pos >= len(c.rows) {
		return nil, false
	}
	row := c.rows[c.pos]
	c.pos++
	return row, true
}

// Len returns the number of rows remaining in the chunk.
func (c *StreamEventChunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rows) - c.pos
}

// Reset rewinds the iterator to the beginning, so a chunk can be replayed
// by the single synchronous retry a disconnected facade performs.
func (c *StreamEventChunk) Reset() {
	if c != nil {
		c.pos = 0
	}
}

// StateEvent is a single correlated event carrying fields from joined
// streams, used to drive matching (find/contains) and update values.
type StateEvent struct {
	Meta   MatchingMetaInfo
	Values Row
}

// Get returns the value of the named field in the state event, or nil if
// the field does not exist.
func (e StateEvent) Get(name string) interface{} {
	idx := e.Meta.IndexOf(name)
	if idx < 0 || idx >= len(e.Values) {
		return nil
	}
	return e.Values[idx]
}

// StateEventChunk is a finite, forward-iterable batch of state events, used
// by delete, update, and updateOrAdd.
type StateEventChunk struct {
	events []StateEvent
	pos    int
}

// NewStateEventChunk builds a chunk from a slice of state events.
func NewStateEventChunk(events []StateEvent) *StateEventChunk {
	return &StateEventChunk{events: events}
}

// Next advances the iterator and returns the next state event.
func (c *StateEventChunk) Next() (StateEvent, bool) {
	if c == nil || c.pos >= len(c.events) {
		return StateEvent{}, false
	}
	e := c.events[c.pos]
	c.pos++
	return e, true
}

// Len returns the number of state events remaining in the chunk.
func (c *StateEventChunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.events) - c.pos
}

// Reset rewinds the iterator to the beginning.
func (c *StateEventChunk) Reset() {
	if c != nil {
		c.pos = 0
	}
}

// Drain consumes every remaining state event into a slice and resets the
// iterator, for backends that need the whole batch in hand before matching
// against stored rows.
func (c *StateEventChunk) Drain() []StateEvent {
	var out []StateEvent
	for {
		e, ok := c.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	c.Reset()
	return out
}
