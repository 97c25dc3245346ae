package model

import "time"

// UsageLogEntry records one completed request cycle through the gateway,
// successful or not. Entries are append-only.
type UsageLogEntry struct {
	ID             int64     `json:"id" db:"id"`
	APIKeyID       *int64    `json:"api_key_id,omitempty" db:"api_key_id"`
	RequestID      string    `json:"request_id" db:"request_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Method         string    `json:"method" db:"http_method"`
	RequestBody    *string   `json:"request_body,omitempty" db:"request_body"`
	Status         int       `json:"status" db:"response_status"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	ClientIP       string    `json:"client_ip" db:"client_ip"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	ErrorCode      *string   `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage   *string   `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// UsageFilter narrows usage queries. Nil fields mean "no filter".
type UsageFilter struct {
	APIKeyID *int64
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// UsageStats aggregates usage log entries.
type UsageStats struct {
	TotalRequests     int64   `json:"total_requests" db:"total_requests"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms" db:"avg_response_time"`
	SuccessCount      int64   `json:"success_count" db:"success_count"`
	ClientErrorCount  int64   `json:"client_error_count" db:"client_error_count"`
	ServerErrorCount  int64   `json:"server_error_count" db:"server_error_count"`
}

// HourlyBucket is one hour of a day's usage. Hour is 0..23 in UTC.
type HourlyBucket struct {
	Hour              int     `json:"hour"`
	Requests          int64   `json:"requests"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}
