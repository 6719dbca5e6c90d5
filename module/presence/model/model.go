// Package model holds the presence data model shared by the client session and
// the registry, and the JSON frames exchanged between them.
package model

import (
	"math"
	"time"

	"HaksaPresence/tools/errs"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// LocationSample is one throttled reading from the device.
type LocationSample struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	SampledAt time.Time `json:"sampled_at"`
}

// PresenceRecord is the authoritative live state of one user.
// UpdatedAt is in unix milliseconds, set by the publishing client.
type PresenceRecord struct {
	UserID    string  `json:"user_id"`
	UserName  string  `json:"user_name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Status    Status  `json:"status"`
	Visible   bool    `json:"visible"`
	UpdatedAt int64   `json:"updated_at"`
}

// Subscription is the geographic window a connection wants fan-out for.
type Subscription struct {
	SubscriberID string  `json:"subscriber_id"`
	OriginLat    float64 `json:"origin_lat"`
	OriginLng    float64 `json:"origin_lng"`
	RadiusMeters float64 `json:"radius_m"`
}

// NearbyUser is the client's derived view of a nearby record.
type NearbyUser struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	Status     Status    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type DeltaOp string

const (
	OpAdd    DeltaOp = "add"
	OpUpdate DeltaOp = "update"
	OpRemove DeltaOp = "remove"
)

type Delta struct {
	Op     DeltaOp        `json:"op"`
	Record PresenceRecord `json:"record"`
}

func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Validate checks the record coordinates and identity.
func (r PresenceRecord) Validate() error {
	if r.UserID == "" {
		return errs.ErrBadFrame.WrapMsg("empty user id")
	}
	if !ValidCoordinate(r.Latitude, r.Longitude) {
		return errs.ErrBadFrame.WrapMsg("coordinate out of range", "lat", r.Latitude, "lng", r.Longitude)
	}
	if r.UpdatedAt <= 0 {
		return errs.ErrBadFrame.WrapMsg("missing updated_at")
	}
	return nil
}

// Validate checks origin and radius; maxRadius <= 0 disables the upper bound.
func (s Subscription) Validate(maxRadius float64) error {
	if !ValidCoordinate(s.OriginLat, s.OriginLng) {
		return errs.ErrSubscriptionInvalid.WrapMsg("origin out of range", "lat", s.OriginLat, "lng", s.OriginLng)
	}
	if math.IsNaN(s.RadiusMeters) || s.RadiusMeters <= 0 {
		return errs.ErrSubscriptionInvalid.WrapMsg("radius must be positive", "radius_m", s.RadiusMeters)
	}
	if maxRadius > 0 && s.RadiusMeters > maxRadius {
		return errs.ErrSubscriptionInvalid.WrapMsg("radius too large", "radius_m", s.RadiusMeters, "max", maxRadius)
	}
	return nil
}

// ToNearby converts a registry record into the client's view.
func (r PresenceRecord) ToNearby(seenAt time.Time) NearbyUser {
	return NearbyUser{
		UserID:     r.UserID,
		UserName:   r.UserName,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Status:     r.Status,
		LastSeenAt: seenAt,
	}
}
