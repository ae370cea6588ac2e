package ratelimit

// Request unit costs per chain API operation. Source lookups return whole
// contract bodies and are weighted accordingly.
const (
	DefaultCost   = 1
	CostCallRead  = 1
	CostInterface = 2
	CostSource    = 3
)

var costs = map[string]int{
	"call-read": CostCallRead,
	"interface": CostInterface,
	"source":    CostSource,
}

// CostOf returns the cost of a chain API operation
func CostOf(op string) int {
	if c, ok := costs[op]; ok {
		return c
	}
	return DefaultCost
}
