package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Event metrics
	eventsReceived  map[string]int64 // source -> count
	eventsAccepted  map[string]int64 // kind -> count
	eventsIgnored   map[string]int64 // kind -> count
	EventsInternal  int64
	EventsMalformed int64

	// Session metrics
	SessionsCreatedTotal   int64
	SessionsDestroyedTotal int64
	transitions            map[string]int64 // target state -> count

	// Push channel metrics
	PushConnectsTotal   int64
	PushReconnectsTotal int64
	PushGaveUpTotal     int64
	pushConnected       bool

	// Poller metrics
	pollTicks  map[string]int64 // poller -> count
	pollErrors map[string]int64 // poller -> count

	// Identity metrics
	identityLookups map[string]int64 // result -> count

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	activeConnections            int64

	// HTTP metrics
	httpRequestsTotal map[string]map[int]int64 // endpoint -> status -> count

	// Timing
	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		eventsReceived:    make(map[string]int64),
		eventsAccepted:    make(map[string]int64),
		eventsIgnored:     make(map[string]int64),
		transitions:       make(map[string]int64),
		pollTicks:         make(map[string]int64),
		pollErrors:        make(map[string]int64),
		identityLookups:   make(map[string]int64),
		httpRequestsTotal: make(map[string]map[int]int64),
		startTime:         time.Now(),
	}
}

// RecordEventReceived counts an event handed to the reconciler by a producer
func (m *Metrics) RecordEventReceived(source string) {
	m.mu.Lock()
	m.eventsReceived[source]++
	m.mu.Unlock()
}

// RecordEventAccepted counts an event that changed the session
func (m *Metrics) RecordEventAccepted(kind string) {
	m.mu.Lock()
	m.eventsAccepted[kind]++
	m.mu.Unlock()
}

// RecordEventIgnored counts an event that matched nothing or was a duplicate
func (m *Metrics) RecordEventIgnored(kind string) {
	m.mu.Lock()
	m.eventsIgnored[kind]++
	m.mu.Unlock()
}

// RecordEventInternal counts extension-to-extension events dropped at intake
func (m *Metrics) RecordEventInternal() {
	m.mu.Lock()
	m.EventsInternal++
	m.mu.Unlock()
}

// RecordEventMalformed counts push payloads that could not be parsed
func (m *Metrics) RecordEventMalformed() {
	m.mu.Lock()
	m.EventsMalformed++
	m.mu.Unlock()
}

// RecordSessionCreated increments the session created counter
func (m *Metrics) RecordSessionCreated() {
	m.mu.Lock()
	m.SessionsCreatedTotal++
	m.mu.Unlock()
}

// RecordSessionDestroyed increments the session destroyed counter
func (m *Metrics) RecordSessionDestroyed() {
	m.mu.Lock()
	m.SessionsDestroyedTotal++
	m.mu.Unlock()
}

// RecordTransition counts a lifecycle transition into state
func (m *Metrics) RecordTransition(state string) {
	m.mu.Lock()
	m.transitions[state]++
	m.mu.Unlock()
}

// RecordPushConnected marks the push channel as up
func (m *Metrics) RecordPushConnected() {
	m.mu.Lock()
	m.PushConnectsTotal++
	m.pushConnected = true
	m.mu.Unlock()
}

// RecordPushDisconnected marks the push channel as down and counts the retry
func (m *Metrics) RecordPushDisconnected(willRetry bool) {
	m.mu.Lock()
	m.pushConnected = false
	if willRetry {
		m.PushReconnectsTotal++
	} else {
		m.PushGaveUpTotal++
	}
	m.mu.Unlock()
}

// RecordPollTick counts one poll cycle
func (m *Metrics) RecordPollTick(poller string) {
	m.mu.Lock()
	m.pollTicks[poller]++
	m.mu.Unlock()
}

// RecordPollError counts a failed poll cycle
func (m *Metrics) RecordPollError(poller string) {
	m.mu.Lock()
	m.pollErrors[poller]++
	m.mu.Unlock()
}

// RecordIdentityLookup counts an identity lookup by result (hit, miss, negative, error)
func (m *Metrics) RecordIdentityLookup(result string) {
	m.mu.Lock()
	m.identityLookups[result]++
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	m.mu.Lock()
	m.WebSocketErrorsTotal++
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++
}

// HTTPRequests returns the request count for one endpoint and status
func (m *Metrics) HTTPRequests(endpoint string, statusCode int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.httpRequestsTotal[endpoint][statusCode]
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// PushConnected reports the last known push channel state
func (m *Metrics) PushConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushConnected
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Helper to write metric
		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		labeled := func(name, label string, values map[string]int64) {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				write(name, values[k], label, k)
			}
		}

		// System metrics
		write("callsync_uptime_seconds", time.Since(m.startTime).Seconds())

		// Event metrics
		labeled("callsync_events_received_total", "source", m.eventsReceived)
		labeled("callsync_events_accepted_total", "kind", m.eventsAccepted)
		labeled("callsync_events_ignored_total", "kind", m.eventsIgnored)
		write("callsync_events_internal_total", m.EventsInternal)
		write("callsync_events_malformed_total", m.EventsMalformed)

		// Session metrics
		write("callsync_sessions_created_total", m.SessionsCreatedTotal)
		write("callsync_sessions_destroyed_total", m.SessionsDestroyedTotal)
		labeled("callsync_transitions_total", "state", m.transitions)

		// Push channel metrics
		connected := 0
		if m.pushConnected {
			connected = 1
		}
		write("callsync_push_connected", connected)
		write("callsync_push_connects_total", m.PushConnectsTotal)
		write("callsync_push_reconnects_total", m.PushReconnectsTotal)
		write("callsync_push_gave_up_total", m.PushGaveUpTotal)

		// Poller metrics
		labeled("callsync_poll_ticks_total", "poller", m.pollTicks)
		labeled("callsync_poll_errors_total", "poller", m.pollErrors)

		// Identity metrics
		labeled("callsync_identity_lookups_total", "result", m.identityLookups)

		// WebSocket metrics
		write("callsync_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("callsync_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("callsync_websocket_active_connections", m.activeConnections)
		write("callsync_websocket_messages_total", m.WebSocketMessagesTotal)
		write("callsync_websocket_errors_total", m.WebSocketErrorsTotal)

		// HTTP metrics
		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("callsync_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}
