package payout

// Stats 聚合了放款单状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Released int `json:"released"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
	// ReleasedAmount 为已放款金额之和，溢出时饱和。
	ReleasedAmount  uint64 `json:"released_amount"`
	OldestUpdatedAt int64  `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64  `json:"newest_updated_at,omitempty"`
}

// Add 累计一条放款单。
func (s *Stats) Add(p *Payout) {
	s.Total++
	switch p.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusReleased:
		s.Released++
		if s.ReleasedAmount+p.Amount < s.ReleasedAmount {
			s.ReleasedAmount = ^uint64(0)
		} else {
			s.ReleasedAmount += p.Amount
		}
	case StatusRejected:
		s.Rejected++
	case StatusFailed:
		s.Failed++
	}
	if p.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = p.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (p.UpdatedAt != 0 && p.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = p.UpdatedAt
	}
}
