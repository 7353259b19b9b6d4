package drain

import "github.com/finch-technologies/queue-drain/queue/types"

// TenantFilter reports whether a delivery belongs to this installation.
type TenantFilter func(message types.RawMessage) bool

// SiteFilter accepts deliveries whose attribute equals siteId. Deliveries
// without the attribute are rejected.
func SiteFilter(attribute, siteId string) TenantFilter {
	return func(message types.RawMessage) bool {
		value, ok := message.Attribute(attribute)
		return ok && value == siteId
	}
}

func acceptAll(types.RawMessage) bool {
	return true
}
