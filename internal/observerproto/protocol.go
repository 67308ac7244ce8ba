package observerproto

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeZoneMetrics = "ZONE_METRICS"
	TypeReactivate  = "REACTIVATE"
	TypeAudit       = "AUDIT"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Zones filters every stream; empty means all zones.
	Zones []string `json:"zones,omitempty"`
	// MetricsEveryTicks thins ZONE_METRICS to one message per N ticks.
	MetricsEveryTicks int  `json:"metrics_every_ticks,omitempty"`
	Audits            bool `json:"audits,omitempty"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	TickRateHz      int       `json:"tick_rate_hz"`
	Zones           []ZoneRef `json:"zones"`
	ItemPalette     []string  `json:"item_palette"`
}

type ZoneRef struct {
	ID   string `json:"id"`
	Tick uint64 `json:"tick"`
}

// Server -> Client.
type ZoneMetricsMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	Zones           []ZoneStats `json:"zones"`
}

type ZoneStats struct {
	Zone         string    `json:"zone"`
	Tick         uint64    `json:"tick"`
	Entities     int       `json:"entities"`
	IndexedSlots int       `json:"indexed_slots"`
	QueueDepth   int       `json:"queue_depth"`
	Reservations int       `json:"reservations"`
	NotFound     int       `json:"not_found"`
	NoDropOff    int       `json:"no_drop_off"`
	Disabled     int       `json:"disabled"`
	BatchCommits uint64    `json:"batch_commits"`
	BatchRejects uint64    `json:"batch_rejects"`
	Conflicts    uint64    `json:"conflicts"`
	ApplyMS      float64   `json:"apply_ms"`
	Strategy     [3]uint64 `json:"strategy"` // inline, chunked, parallel
}

// Server -> Client. A disabled entity may resume its action.
type ReactivateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Zone            string `json:"zone"`
	Tick            uint64 `json:"tick"`
	Entity          string `json:"entity"`
	ActionID        string `json:"action_id"`
	Item            string `json:"item"`
}

// Server -> Client. Only sent to subscribers that asked for audits.
type AuditMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Zone            string `json:"zone"`
	Tick            uint64 `json:"tick"`
	Actor           string `json:"actor,omitempty"`
	Action          string `json:"action"`
	Entity          string `json:"entity,omitempty"`
	Slot            int    `json:"slot"`
	Item            string `json:"item,omitempty"`
	Quantity        int    `json:"quantity,omitempty"`
	Code            string `json:"code,omitempty"`
	Reason          string `json:"reason,omitempty"`
}
