package state

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermChat            Permission = 1 << iota
	PermTrackDelivery              // 2
	PermPublishLocation            // 4
	PermMonitor                    // 8
)

var BuiltInPerms = map[string]Permission{
	"chat":             PermChat,
	"track_delivery":   PermTrackDelivery,
	"publish_location": PermPublishLocation,
	"monitor":          PermMonitor,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}
