package domain

// PageRequest bounds list queries.
type PageRequest struct {
	PageSize int `json:"page_size"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Limit clamps PageSize to [1, MaxPageSize], defaulting to DefaultPageSize.
func (p PageRequest) Limit() int {
	switch {
	case p.PageSize < 1:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}
