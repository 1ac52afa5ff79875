package synchronizer

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/serialize"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
)

// Kind names what a sync event does to the receiving cache.
type Kind string

const (
	// KindInvalidate removes one key.
	KindInvalidate Kind = "invalidate"
	// KindSet writes one key.
	KindSet Kind = "set"
	// KindClear wipes a namespace, or everything when the namespace is empty.
	KindClear Kind = "clear"
)

// Event is one cache mutation replicated between peers.
type Event struct {
	Kind      Kind
	Namespace string
	Key       string
	Tag       any
	// Data is the value written by a Set event.
	Data     any
	ExpireAt time.Time
	// Mode is the retention mode name of a Set event.
	Mode string

	// Origin and Seq are stamped by the publishing Synchronizer.
	Origin string
	Seq    uint64
}

// frame is the wire form of an Event.
type frame struct {
	Kind      Kind            `json:"kind"`
	Namespace string          `json:"namespace"`
	Key       string          `json:"key,omitempty"`
	Tag       any             `json:"tag,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpireAt  int64           `json:"expire_at,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Origin    string          `json:"origin"`
	Session   string          `json:"session"`
	Seq       uint64          `json:"seq"`
}

func (k Kind) valid() bool {
	switch k {
	case KindInvalidate, KindSet, KindClear:
		return true
	}
	return false
}

// Validate checks the fields a publisher must set.
func (e Event) Validate() error {
	if !e.Kind.valid() {
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "unknown sync event kind", map[string]string{"kind": string(e.Kind)})
	}
	if e.Kind != KindClear && e.Key == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "sync event key is required")
	}
	if e.Kind == KindSet && e.Data == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "sync set event needs data")
	}
	if !storage.ValidTag(e.Tag) {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("sync event tag must be a string or number, got %T", e.Tag))
	}
	return nil
}

func encodeFrame(p *serialize.Performer, e Event, session string) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	f := frame{
		Kind:      e.Kind,
		Namespace: e.Namespace,
		Key:       e.Key,
		Tag:       e.Tag,
		Mode:      e.Mode,
		Origin:    e.Origin,
		Session:   session,
		Seq:       e.Seq,
	}
	if !e.ExpireAt.IsZero() {
		f.ExpireAt = e.ExpireAt.UnixMilli()
	}
	if e.Data != nil {
		payload, err := p.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		f.Payload = payload
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode sync frame: %w", err)
	}
	return data, nil
}

func decodeFrame(p *serialize.Performer, data []byte) (Event, string, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, "", apperrors.Wrap(apperrors.CodeMalformedEvent, "decode sync frame", err)
	}
	if f.Origin == "" || f.Session == "" || f.Seq == 0 {
		return Event{}, "", apperrors.New(apperrors.CodeMalformedEvent, "sync frame lacks origin, session or seq")
	}
	e := Event{
		Kind:      f.Kind,
		Namespace: f.Namespace,
		Key:       f.Key,
		Tag:       f.Tag,
		Mode:      f.Mode,
		Origin:    f.Origin,
		Seq:       f.Seq,
	}
	if f.ExpireAt != 0 {
		e.ExpireAt = time.UnixMilli(f.ExpireAt).UTC()
	}
	if len(f.Payload) > 0 {
		value, err := p.Unmarshal(f.Payload)
		if err != nil {
			return Event{}, "", apperrors.Wrap(apperrors.CodeMalformedEvent, "decode sync payload", err)
		}
		e.Data = value
	}
	if err := e.Validate(); err != nil {
		return Event{}, "", apperrors.Wrap(apperrors.CodeMalformedEvent, "invalid sync frame", err)
	}
	return e, f.Session, nil
}
