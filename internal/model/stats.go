package model

// Counts is one bucket of delivery counters.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Read      int `json:"read"`
}

// DeliveryStats is derived from task rows; it is never stored on its own.
type DeliveryStats struct {
	Counts
	Channels map[Channel]Counts `json:"channels"`
}

// Add folds one task into the stats.
func (s *DeliveryStats) Add(t DeliveryTask) {
	sent, read := 0, 0
	if t.SentAt != nil {
		sent = 1
	}
	if t.ReadAt != nil {
		read = 1
	}
	s.AddGroup(t.Key.Channel, t.Status, 1, sent, read)
}

// AddGroup folds n tasks sharing channel and status, of which sent were
// handed to the provider and read were reported read.
func (s *DeliveryStats) AddGroup(ch Channel, status TaskStatus, n, sent, read int) {
	if s.Channels == nil {
		s.Channels = map[Channel]Counts{}
	}
	c := s.Channels[ch]
	c.add(status, n, sent, read)
	s.Channels[ch] = c
	s.Counts.add(status, n, sent, read)
}

// Open returns the number of tasks that have not reached a terminal status.
func (s DeliveryStats) Open() int { return s.Pending }

func (c *Counts) add(status TaskStatus, n, sent, read int) {
	c.Total += n
	if !status.Terminal() {
		c.Pending += n
	}
	c.Sent += sent
	c.Read += read
	switch status {
	case TaskDelivered:
		c.Delivered += n
	case TaskFailed:
		c.Failed += n
	}
}

// StatsOf replays tasks into stats.
func StatsOf(tasks []DeliveryTask) DeliveryStats {
	st := DeliveryStats{Channels: map[Channel]Counts{}}
	for _, t := range tasks {
		st.Add(t)
	}
	return st
}
