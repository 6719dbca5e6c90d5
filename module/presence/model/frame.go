package model

import (
	"time"

	"HaksaPresence/tools/errs"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type FrameType string

// client -> registry
const (
	FramePublish     FrameType = "publish"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameRefresh     FrameType = "refresh"
	FramePing        FrameType = "ping"
	FrameBye         FrameType = "bye"
)

// registry -> client
const (
	FrameHello    FrameType = "hello"
	FrameAck      FrameType = "ack"
	FrameSnapshot FrameType = "snapshot"
	FrameDelta    FrameType = "delta"
	FramePong     FrameType = "pong"
	FrameError    FrameType = "error"
)

// Frame is the envelope of every message on the channel. Data stays raw until
// the handler for Type decodes it.
type Frame struct {
	Type  FrameType           `json:"type"`
	Ts    int64               `json:"ts"`
	AckID string              `json:"ack_id,omitempty"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

type PublishBody struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Visible   bool    `json:"visible"`
	UpdatedAt int64   `json:"updated_at"`
}

type SubscribeBody struct {
	OriginLat    float64 `json:"origin_lat"`
	OriginLng    float64 `json:"origin_lng"`
	RadiusMeters float64 `json:"radius_m"`
}

type HelloBody struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
	NodeID string `json:"node_id"`
}

type AckBody struct {
	AckID  string          `json:"ack_id"`
	Record *PresenceRecord `json:"record,omitempty"`
	Stale  bool            `json:"stale,omitempty"`
}

type SnapshotBody struct {
	Records []PresenceRecord `json:"records"`
}

type ErrorBody struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	AckID string `json:"ack_id,omitempty"`
}

// NewFrame builds an envelope, marshalling body into Data when it is not nil.
func NewFrame(t FrameType, ackID string, body any) (*Frame, error) {
	f := &Frame{Type: t, Ts: time.Now().UnixMilli(), AckID: ackID}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		f.Data = raw
	}
	return f, nil
}

// EncodeFrame is NewFrame followed by marshalling the envelope.
func EncodeFrame(t FrameType, ackID string, body any) ([]byte, error) {
	f, err := NewFrame(t, ackID, body)
	if err != nil {
		return nil, err
	}
	return f.Encode()
}

func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return b, nil
}

// ParseFrame decodes an envelope; a frame without a type is rejected.
func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg(err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrBadFrame.WrapMsg("missing frame type")
	}
	return f, nil
}

// Decode unmarshals Data into v. An empty body leaves v untouched.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errs.ErrBadFrame.WrapMsg(err.Error(), "type", f.Type)
	}
	return nil
}

func (p PublishBody) Record(userName string) PresenceRecord {
	return PresenceRecord{
		UserID:    p.UserID,
		UserName:  userName,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Status:    StatusOnline,
		Visible:   p.Visible,
		UpdatedAt: p.UpdatedAt,
	}
}

func (s SubscribeBody) Subscription(subscriberID string) Subscription {
	return Subscription{
		SubscriberID: subscriberID,
		OriginLat:    s.OriginLat,
		OriginLng:    s.OriginLng,
		RadiusMeters: s.RadiusMeters,
	}
}
