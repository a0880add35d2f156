package webhooks

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DeliveryStatus represents the status of one relay delivery
type DeliveryStatus string

const (
	DeliveryStatusSuccess     DeliveryStatus = "success"
	DeliveryStatusFailed      DeliveryStatus = "failed"
	DeliveryStatusRateLimited DeliveryStatus = "rate_limited"
)

// DeliveryLog records one attempt to relay an event to a consumer
type DeliveryLog struct {
	ID             string            `json:"id"`
	RetryID        string            `json:"retry_id"`
	Consumer       string            `json:"consumer"`
	Provider       string            `json:"provider"`
	EventID        string            `json:"event_id"`
	EventType      EventType         `json:"event_type"`
	URL            string            `json:"url"`
	Status         DeliveryStatus    `json:"status"`
	StatusCode     int               `json:"status_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Attempt        int               `json:"attempt"`
	CreatedAt      time.Time         `json:"created_at"`
	Duration       time.Duration     `json:"duration,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
}

// DeliveryLogStore keeps the most recent relay deliveries in memory for
// operators. The durable record of a relay is its Retry row. Once full, the
// delivery added longest ago is dropped.
type DeliveryLogStore struct {
	logs    *lru.Cache[string, *DeliveryLog]
	maxLogs int
}

// NewDeliveryLogStore creates a store holding at most maxLogs deliveries
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	logs, _ := lru.New[string, *DeliveryLog](maxLogs)
	return &DeliveryLogStore{logs: logs, maxLogs: maxLogs}
}

// Add records a delivery, replacing any entry with the same ID
func (s *DeliveryLogStore) Add(log *DeliveryLog) {
	s.logs.Add(log.ID, log)
}

// Get retrieves a delivery log by ID
func (s *DeliveryLogStore) Get(id string) (*DeliveryLog, bool) {
	return s.logs.Peek(id)
}

// Len is the number of deliveries held
func (s *DeliveryLogStore) Len() int {
	return s.logs.Len()
}

func (s *DeliveryLogStore) filter(keep func(*DeliveryLog) bool) []*DeliveryLog {
	result := make([]*DeliveryLog, 0)
	for _, log := range s.logs.Values() {
		if keep(log) {
			result = append(result, log)
		}
	}
	return result
}

// GetByConsumer returns a consumer's deliveries, newest first. An empty
// consumer matches all.
func (s *DeliveryLogStore) GetByConsumer(consumer string, limit int) []*DeliveryLog {
	result := s.filter(func(log *DeliveryLog) bool {
		return consumer == "" || log.Consumer == consumer
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// GetByEvent returns the deliveries of one event, oldest first
func (s *DeliveryLogStore) GetByEvent(eventID string) []*DeliveryLog {
	result := s.filter(func(log *DeliveryLog) bool {
		return log.EventID == eventID
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// GetStats returns delivery statistics for a consumer
func (s *DeliveryLogStore) GetStats(consumer string) DeliveryStats {
	stats := DeliveryStats{
		Consumer: consumer,
	}

	for _, log := range s.logs.Values() {
		if log.Consumer != consumer {
			continue
		}

		stats.Total++
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			stats.TotalDuration += log.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRateLimited:
			stats.RateLimited++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Successful)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}

	return stats
}

// DeliveryStats represents delivery statistics
type DeliveryStats struct {
	Consumer        string        `json:"consumer"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	RateLimited     int           `json:"rate_limited"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
}
