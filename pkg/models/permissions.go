package models

import "time"

type PluginPermissions struct {
	PluginID            string    `json:"plugin_id"`
	CanEmit             []string  `json:"can_emit"`
	CanSubscribe        []string  `json:"can_subscribe"`
	MaxEventsPerMinute  int       `json:"max_events_per_minute"`
	MaxSubscriptions    int       `json:"max_subscriptions"`
	MaxEventSizeKb      int       `json:"max_event_size_kb"`
	EventsEmittedToday  int       `json:"events_emitted_today"`
	EventsReceivedToday int       `json:"events_received_today"`
	QuotaResetAt        time.Time `json:"quota_reset_at"`
	Active              bool      `json:"active"`
	Suspended           bool      `json:"suspended"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PermissionsUpdate carries a partial permission change; nil fields keep the
// stored (or default) value.
type PermissionsUpdate struct {
	CanEmit            []string `json:"can_emit"`
	CanSubscribe       []string `json:"can_subscribe"`
	MaxEventsPerMinute *int     `json:"max_events_per_minute"`
	MaxSubscriptions   *int     `json:"max_subscriptions"`
	MaxEventSizeKb     *int     `json:"max_event_size_kb"`
	Active             *bool    `json:"active"`
	Suspended          *bool    `json:"suspended"`
}

const (
	DefaultMaxEventsPerMinute = 1000
	DefaultMaxSubscriptions   = 100
	DefaultMaxEventSizeKb     = 256
)

// Merge applies u on top of base (which may be nil) and returns the result.
func (u PermissionsUpdate) Merge(pluginID string, base *PluginPermissions, now time.Time) PluginPermissions {
	p := PluginPermissions{
		PluginID:           pluginID,
		CanEmit:            []string{},
		CanSubscribe:       []string{},
		MaxEventsPerMinute: DefaultMaxEventsPerMinute,
		MaxSubscriptions:   DefaultMaxSubscriptions,
		MaxEventSizeKb:     DefaultMaxEventSizeKb,
		QuotaResetAt:       now.Add(24 * time.Hour),
		Active:             true,
	}
	if base != nil {
		p = *base
	}

	if u.CanEmit != nil {
		p.CanEmit = append([]string(nil), u.CanEmit...)
	}
	if u.CanSubscribe != nil {
		p.CanSubscribe = append([]string(nil), u.CanSubscribe...)
	}
	if u.MaxEventsPerMinute != nil {
		p.MaxEventsPerMinute = *u.MaxEventsPerMinute
	}
	if u.MaxSubscriptions != nil {
		p.MaxSubscriptions = *u.MaxSubscriptions
	}
	if u.MaxEventSizeKb != nil {
		p.MaxEventSizeKb = *u.MaxEventSizeKb
	}
	if u.Active != nil {
		p.Active = *u.Active
	}
	if u.Suspended != nil {
		p.Suspended = *u.Suspended
	}
	p.UpdatedAt = now
	return p
}
