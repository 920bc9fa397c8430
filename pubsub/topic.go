// Package pubsub implements the CoAP pub/sub extension on top of the
// resource tree: topic collections, topic configuration resources, topic
// data resources, and the subscriber fan-out that turns a PUT on a data
// resource into Observe notifications for every matching subscription.
package pubsub

import (
	"time"

	"github.com/netcoap/psbroker/coder/cbor"
	"github.com/netcoap/psbroker/exchange"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	"github.com/netcoap/psbroker/pkg/coaperrors"
	"github.com/netcoap/psbroker/pkg/coapsync"
)

// Topic is one pub/sub topic: its configuration, its current published
// representation, and its live subscriptions.
type Topic struct {
	ID             string
	Name           string
	CfgPath        string
	DataPath       string
	TopicType      string
	MediaType      message.MediaType
	ExpirationDate time.Time // zero means never
	MaxSubscribers int       // 0 means unlimited
	ObserverCheck  time.Duration

	Payload      []byte
	ETag         []byte
	LastModified time.Time

	registry *exchange.Registry
	subs     coapsync.Map[string, *Subscription]
}

// Subscription is one observer of a Topic's data resource: the observer's
// identity, its optional topic-type filter, and the CON/NON cadence state
// spec.md §4.6 describes ("sent as CON periodically ... and NON
// otherwise").
type Subscription struct {
	Peer            string
	Token           string
	Filter          string // topic-type filter; empty matches everything
	LastConfirmable time.Time
}

func subKey(peer, token string) string { return peer + "|" + token }

func newTopic(id, name, cfgPath, dataPath, topicType string, mt message.MediaType) *Topic {
	return &Topic{
		ID:        id,
		Name:      name,
		CfgPath:   cfgPath,
		DataPath:  dataPath,
		TopicType: topicType,
		MediaType: mt,
		registry:  exchange.NewRegistry(),
	}
}

// Expired reports whether the topic's expiration-date property has passed.
func (t *Topic) Expired(now time.Time) bool {
	return !t.ExpirationDate.IsZero() && now.After(t.ExpirationDate)
}

// Subscribe adds (peer, token) as an observer with the given topic-type
// filter, enforcing max-subscribers (spec.md §4.6).
func (t *Topic) Subscribe(peer, token, filter string, now time.Time) (*Subscription, error) {
	if _, ok := t.registry.Subscribe(peer, token, t.MaxSubscribers); !ok {
		return nil, coaperrors.ErrMaxSubscribersReached
	}
	sub := &Subscription{Peer: peer, Token: token, Filter: filter, LastConfirmable: now}
	t.subs.Store(subKey(peer, token), sub)
	return sub, nil
}

// Unsubscribe removes (peer, token) from the subscriber set.
func (t *Topic) Unsubscribe(peer, token string) error {
	if !t.registry.Unsubscribe(peer, token) {
		return coaperrors.ErrObservationNotFound
	}
	t.subs.Delete(subKey(peer, token))
	return nil
}

// Count returns the current subscriber count.
func (t *Topic) Count() int { return t.registry.Count() }

// confirmableWindow is the CON cadence ceiling of spec.md §4.6: "at least
// every 24 hours or every observer-check seconds, whichever shorter".
const confirmableWindow = 24 * time.Hour

func (t *Topic) confirmableInterval() time.Duration {
	if t.ObserverCheck > 0 && t.ObserverCheck < confirmableWindow {
		return t.ObserverCheck
	}
	return confirmableWindow
}

// Notification is one fanned-out message addressed to a subscriber, left
// for the broker core loop to send via the retransmitter (if Confirmable)
// or directly (if not).
type Notification struct {
	Peer        string
	Msg         *message.Message
	Confirmable bool
}

// Publish stores payload as the topic's new representation and builds one
// Notification per matching subscriber, in subscription-set iteration
// order (spec.md §4.6 "Fan-out ordering" and §5 "frozen for that publish").
func (t *Topic) Publish(payload []byte, ct message.MediaType, topicType string, now time.Time) []Notification {
	t.Payload = payload
	t.MediaType = ct
	t.ETag = message.CalcETag(payload)
	t.LastModified = now

	seq := t.registry.NextSequence()
	var notifications []Notification
	t.subs.Range(func(_ string, sub *Subscription) bool {
		if topicType != "" && sub.Filter != "" && sub.Filter != topicType {
			return true
		}
		confirmable := now.Sub(sub.LastConfirmable) >= t.confirmableInterval()
		if confirmable {
			sub.LastConfirmable = now
		}
		msg := &message.Message{
			Token:   []byte(sub.Token),
			Code:    codes.Content,
			Payload: payload,
		}
		msg.Options = msg.Options.SetPath(t.DataPath).SetContentFormat(ct).AddUint32(message.Observe, seq)
		notifications = append(notifications, Notification{Peer: sub.Peer, Msg: msg, Confirmable: confirmable})
		return true
	})
	return notifications
}

// ExpireNotifications builds a 4.04 notification for every live subscriber,
// used when the topic's expiration-date has passed (spec.md's "notifies
// active subscribers with 4.04 on their next interaction", supplemented
// here to also push it proactively on sweep). The message carries no
// Observe option, since the subscription ends here rather than updating.
func (t *Topic) ExpireNotifications() []Notification {
	var notifications []Notification
	t.subs.Range(func(_ string, sub *Subscription) bool {
		msg := &message.Message{Token: []byte(sub.Token), Code: codes.NotFound}
		notifications = append(notifications, Notification{Peer: sub.Peer, Msg: msg, Confirmable: false})
		return true
	})
	return notifications
}

// ToProperties renders the topic's configuration as a property bag, the
// representation returned by GET on its configuration resource.
func (t *Topic) ToProperties() cbor.PropertyBag {
	bag := cbor.PropertyBag{
		cbor.PropTopicName:      t.Name,
		cbor.PropTopicData:      t.DataPath,
		cbor.PropTopicMediaType: uint32(t.MediaType),
		cbor.PropTopicType:      t.TopicType,
		cbor.PropMaxSubscribers: uint32(t.MaxSubscribers),
		cbor.PropResourceType:   "core.ps.conf",
	}
	if !t.ExpirationDate.IsZero() {
		bag[cbor.PropExpirationDate] = t.ExpirationDate.Format(time.RFC3339)
	}
	if t.ObserverCheck > 0 {
		bag[cbor.PropObserverCheck] = uint32(t.ObserverCheck / time.Second)
	}
	return bag
}

// ApplyProperties merges an update bag into the topic's configuration,
// the way iPATCH / setTopicCfgByProp mutates a topic (spec.md §4.5/§4.8).
func (t *Topic) ApplyProperties(update cbor.PropertyBag) error {
	if v, ok := update[cbor.PropTopicName]; ok {
		s, ok := v.(string)
		if !ok {
			return coaperrors.ErrInvalidPropertyValue
		}
		t.Name = s
	}
	if v, ok := update[cbor.PropTopicType]; ok {
		s, ok := v.(string)
		if !ok {
			return coaperrors.ErrInvalidPropertyValue
		}
		t.TopicType = s
	}
	if v, ok := update[cbor.PropTopicMediaType]; ok {
		n, ok := asUint(v)
		if !ok {
			return coaperrors.ErrInvalidPropertyValue
		}
		t.MediaType = message.MediaType(n)
	}
	if v, ok := update[cbor.PropMaxSubscribers]; ok {
		n, ok := asUint(v)
		if !ok {
			return coaperrors.ErrInvalidPropertyValue
		}
		t.MaxSubscribers = int(n)
	}
	if v, ok := update[cbor.PropExpirationDate]; ok {
		s, ok := v.(string)
		if !ok {
			return coaperrors.ErrInvalidPropertyValue
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return coaperrors.ErrInvalidPropertyValue
		}
		t.ExpirationDate = parsed
	}
	if v, ok := update[cbor.PropObserverCheck]; ok {
		n, ok := asUint(v)
		if !ok {
			return coaperrors.ErrInvalidPropertyValue
		}
		t.ObserverCheck = time.Duration(n) * time.Second
	}
	return nil
}

func asUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}
