package audit

import (
	"sort"
	"time"

	"github.com/BradenHooton/perimeter/internal/models"
)

// DefaultTopIPs is the length of the offending-IP ranking.
const DefaultTopIPs = 10

// Summarize aggregates events whose timestamp lies in [from, to]. Only
// failed events count toward the IP ranking.
func Summarize(events []models.AuditEvent, from, to time.Time, topN int) *models.AuditSummary {
	if topN <= 0 {
		topN = DefaultTopIPs
	}

	s := &models.AuditSummary{
		From:   from,
		To:     to,
		ByType: make(map[string]int64),
		ByRisk: make(map[string]int64),
		ByIP:   make(map[string]int64),
	}

	failedByIP := make(map[string]int64)
	for i := range events {
		e := &events[i]
		if (!from.IsZero() && e.Timestamp.Before(from)) || (!to.IsZero() && e.Timestamp.After(to)) {
			continue
		}
		s.Total++
		s.ByType[e.EventType.String()]++
		s.ByRisk[e.RiskLevel.String()]++
		if e.SourceIP != "" {
			s.ByIP[e.SourceIP]++
		}
		if !e.Success {
			s.FailedEvents++
			if e.SourceIP != "" {
				failedByIP[e.SourceIP]++
			}
		}
	}
	s.TopIPs = RankIPs(failedByIP, topN)

	return s
}

// RankIPs orders counts descending, ties broken by IP, and keeps the first n.
func RankIPs(counts map[string]int64, n int) []models.IPCount {
	ranked := make([]models.IPCount, 0, len(counts))
	for ip, c := range counts {
		ranked = append(ranked, models.IPCount{IP: ip, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count == ranked[j].Count {
			return ranked[i].IP < ranked[j].IP
		}
		return ranked[i].Count > ranked[j].Count
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
