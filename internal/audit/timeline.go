package audit

import "time"

// TimelineFilters menampung filter untuk audit timeline.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	UserID     int64
	EntityType string
	EntityID   string
	Action     string
	PeriodID   int64
	Page       int
	PageSize   int
}

// TimelineQuery is the store-level query derived from filters.
type TimelineQuery struct {
	From       time.Time
	To         time.Time
	UserID     int64
	EntityType string
	EntityID   string
	Action     Action
	PeriodID   int64
	Offset     int
	Limit      int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}
