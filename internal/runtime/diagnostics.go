package runtime

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/lease"
)

// DefaultDiagnosticsPort is used when diagnostics are enabled without a port.
const DefaultDiagnosticsPort = 8081

// ChannelInfo is one channel as reported by the diagnostics API.
type ChannelInfo struct {
	Name        string                `json:"name"`
	Topic       string                `json:"topic"`
	MessageType string                `json:"message_type"`
	Capability  string                `json:"capability"`
	Singleton   bool                  `json:"singleton"`
	Settings    ChannelSettingsInfo   `json:"settings"`
	Stats       *ChannelStatsSnapshot `json:"stats,omitempty"`
}

type ChannelSettingsInfo struct {
	MaxConcurrentCalls      int   `json:"max_concurrent_calls"`
	PrefetchCount           int   `json:"prefetch_count"`
	MessageLockTimeoutMs    int64 `json:"message_lock_timeout_ms"`
	DeadLetterDeliveryLimit int   `json:"dead_letter_delivery_limit"`
}

// DiagnosticsReport is the body of GET /api/channels.
type DiagnosticsReport struct {
	PubSubSystem string                 `json:"pubsub_system"`
	Processors   []string               `json:"processors"`
	Channels     []ChannelInfo          `json:"channels"`
	DeadLetters  DLQMetricsSnapshot     `json:"dead_letters"`
	Leases       map[string]lease.State `json:"leases"`
	Process      ProcessUsage           `json:"process"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

func (s *Service) registerDiagnostics() {
	port := s.Conf.DiagnosticsPort
	if port == 0 {
		port = DefaultDiagnosticsPort
	}
	s.RegisterHTTPHandler(port, "/api/channels", http.HandlerFunc(s.handleGetChannels))
}

// Diagnostics builds the report served by the diagnostics endpoint.
// Channels that have not been started yet are listed without stats.
func (s *Service) Diagnostics() DiagnosticsReport {
	s.mu.RLock()
	registrations := slices.Clone(s.registrations)
	s.mu.RUnlock()

	channels := make([]ChannelInfo, 0, len(registrations))
	for _, reg := range registrations {
		info := ChannelInfo{
			Name:        reg.Name,
			Topic:       reg.Topic,
			MessageType: reg.MessageType,
			Capability:  string(reg.Capability),
			Singleton:   reg.Singleton,
		}
		settings := reg.Settings.Or(s.Conf.Processing).WithDefaults()
		if ch := s.channel(reg.Name); ch != nil {
			settings = ch.settings
			snap := ch.stats.Snapshot()
			info.Stats = &snap
		}
		info.Settings = ChannelSettingsInfo{
			MaxConcurrentCalls:      settings.MaxConcurrentCalls,
			PrefetchCount:           settings.PrefetchCount,
			MessageLockTimeoutMs:    settings.MessageLockTimeout.Milliseconds(),
			DeadLetterDeliveryLimit: settings.DeadLetterDeliveryLimit,
		}
		channels = append(channels, info)
	}

	return DiagnosticsReport{
		PubSubSystem: s.Conf.PubSubSystem,
		Processors:   s.processors.ListRegisteredTypes(),
		Channels:     channels,
		DeadLetters:  s.dlqMetrics.Snapshot(),
		Leases:       s.HeldLeases(),
		Process:      s.sampler.Sample(),
		GeneratedAt:  time.Now().UTC(),
	}
}

func (s *Service) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.DiagnosticsCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, s.Diagnostics()); err != nil {
		s.Logger.Error("Failed to encode diagnostics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.DiagnosticsCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
