package pubsub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netcoap/psbroker/coder/cbor"
	"github.com/netcoap/psbroker/message"
	"github.com/netcoap/psbroker/message/codes"
	"github.com/netcoap/psbroker/pkg/coaperrors"
	"github.com/netcoap/psbroker/pkg/coapsync"
	"github.com/netcoap/psbroker/pkg/errcb"
	"github.com/netcoap/psbroker/protocol"
	"github.com/netcoap/psbroker/resource"
)

// Manager owns the topic collection: it registers a Topic Collection
// resource at CollectionPath and, for every created topic, a Topic
// Configuration Resource and a Topic Data Resource on the shared resource
// tree (spec.md §4.6).
type Manager struct {
	tree           *resource.Tree
	collectionPath string
	errors         errcb.ErrorFunc

	byCfgPath  coapsync.Map[string, *Topic]
	byDataPath coapsync.Map[string, *Topic]

	notifyMu  sync.Mutex
	notifyBuf []Notification
}

// NewManager creates a Manager and registers its collection resource on
// tree at collectionPath.
func NewManager(tree *resource.Tree, collectionPath string, errors errcb.ErrorFunc) *Manager {
	if errors == nil {
		errors = errcb.Discard
	}
	m := &Manager{tree: tree, collectionPath: collectionPath, errors: errors}
	tree.Handle(collectionPath, resource.Attributes{ResourceType: "core.ps.coll"}, resource.HandlerFunc(m.serveCollection))
	return m
}

// CreateTopic allocates a new topic from a CBOR property bag POSTed to the
// collection, registering its configuration and data resources on the
// tree. Returns coaperrors.ErrInvalidPropertyValue if topic-data is absent.
func (m *Manager) CreateTopic(props cbor.PropertyBag) (*Topic, error) {
	dataPath, ok := props[cbor.PropTopicData].(string)
	if !ok || dataPath == "" {
		return nil, coaperrors.ErrInvalidPropertyValue
	}
	if _, exists := m.byDataPath.Load(dataPath); exists {
		return nil, coaperrors.ErrTopicAlreadyExists
	}

	id := uuid.NewString()
	cfgPath := m.collectionPath + "/" + id
	topic := newTopic(id, "", cfgPath, dataPath, "", message.TextPlain)
	if err := topic.ApplyProperties(props); err != nil {
		return nil, err
	}

	m.byCfgPath.Store(cfgPath, topic)
	m.byDataPath.Store(dataPath, topic)

	m.tree.Handle(cfgPath, resource.Attributes{ResourceType: "core.ps.conf", ContentType: message.AppCBOR},
		resource.HandlerFunc(m.serveCfg(topic)))
	m.tree.Handle(dataPath, resource.Attributes{ResourceType: "core.ps.data", ContentType: topic.MediaType, ObsAllowed: true},
		resource.HandlerFunc(m.serveData(topic)))
	return topic, nil
}

// DeleteTopic removes a topic's configuration and data resources from the
// tree and cancels every live subscription, the cascade spec.md §4.5
// names but leaves to the implementation (SPEC_FULL.md §4.6).
func (m *Manager) DeleteTopic(cfgPath string) error {
	topic, ok := m.byCfgPath.PullOut(cfgPath)
	if !ok {
		return coaperrors.ErrTopicNotFound
	}
	m.byDataPath.Delete(topic.DataPath)
	m.tree.Remove(cfgPath)
	m.tree.Remove(topic.DataPath)
	return nil
}

// Publish stores a new payload on the topic data resource at dataPath and
// returns the notifications to fan out to its matching subscribers.
func (m *Manager) Publish(dataPath string, payload []byte, ct message.MediaType, topicType string, now time.Time) ([]Notification, error) {
	topic, ok := m.byDataPath.Load(dataPath)
	if !ok {
		return nil, coaperrors.ErrTopicNotFound
	}
	if topic.Expired(now) {
		return nil, coaperrors.ErrTopicExpired
	}
	if topicType != "" && topic.TopicType != "" && topicType != topic.TopicType {
		return nil, coaperrors.ErrInvalidPropertyValue
	}
	return topic.Publish(payload, ct, topicType, now), nil
}

// SweepExpirations removes every topic whose expiration-date has passed,
// returning the notifications to deliver to their former subscribers
// (spec.md §4.6's expiration-date enforcement, SPEC_FULL.md §4.6).
func (m *Manager) SweepExpirations(now time.Time) []Notification {
	var expired []*Topic
	m.byCfgPath.Range(func(_ string, t *Topic) bool {
		if t.Expired(now) {
			expired = append(expired, t)
		}
		return true
	})
	var notifications []Notification
	for _, t := range expired {
		notifications = append(notifications, t.ExpireNotifications()...)
		_ = m.DeleteTopic(t.CfgPath)
	}
	return notifications
}

// ListConfigurations returns the configuration property bag of every topic
// in the collection, the representation for GET on the collection and for
// getAllTopicCfgFromCollection.
func (m *Manager) ListConfigurations() []cbor.PropertyBag {
	var out []cbor.PropertyBag
	m.byCfgPath.Range(func(_ string, t *Topic) bool {
		out = append(out, t.ToProperties())
		return true
	})
	return out
}

// FilterConfigurations returns the configuration of every topic whose
// properties match every key/value pair in filter (FETCH on the
// collection, spec.md §4.5).
func (m *Manager) FilterConfigurations(filter cbor.PropertyBag) []cbor.PropertyBag {
	var out []cbor.PropertyBag
	m.byCfgPath.Range(func(_ string, t *Topic) bool {
		props := t.ToProperties()
		if cbor.Matches(props, filter) {
			out = append(out, props)
		}
		return true
	})
	return out
}

// serveCollection implements GET (list), POST (create), FETCH (filter) on
// the Topic Collection resource (spec.md §4.5).
func (m *Manager) serveCollection(peer string, req *message.Message) *message.Message {
	switch req.Code {
	case codes.GET:
		return cborResponse(codes.Content, m.ListConfigurations())
	case codes.POST:
		props, err := decodeProps(req.Payload)
		if err != nil {
			m.errors(err)
			return errorResponse(codes.BadRequest)
		}
		topic, err := m.CreateTopic(props)
		if err != nil {
			return errorResponse(propertyErrorCode(err))
		}
		resp := cborResponse(codes.Created, topic.ToProperties())
		resp.Options = resp.Options.SetLocationPath(topic.CfgPath)
		return resp
	case codes.FETCH:
		filter, err := decodeProps(req.Payload)
		if err != nil {
			m.errors(err)
			return errorResponse(codes.BadRequest)
		}
		return cborResponse(codes.Content, m.FilterConfigurations(filter))
	default:
		return errorResponse(codes.MethodNotAllowed)
	}
}

// serveCfg returns the Handler for topic's configuration resource: GET
// (full properties), iPATCH (merge update), DELETE (cascade removal),
// FETCH (named-property projection).
func (m *Manager) serveCfg(topic *Topic) resource.HandlerFunc {
	return func(peer string, req *message.Message) *message.Message {
		switch req.Code {
		case codes.GET:
			return cborResponse(codes.Content, topic.ToProperties())
		case codes.IPATCH:
			update, err := decodeProps(req.Payload)
			if err != nil {
				m.errors(err)
				return errorResponse(codes.BadRequest)
			}
			if err := topic.ApplyProperties(update); err != nil {
				return errorResponse(propertyErrorCode(err))
			}
			return cborResponse(codes.Changed, topic.ToProperties())
		case codes.DELETE:
			if err := m.DeleteTopic(topic.CfgPath); err != nil {
				return errorResponse(codes.NotFound)
			}
			return &message.Message{Code: codes.Deleted}
		case codes.FETCH:
			names, err := decodeProjection(req.Payload)
			if err != nil {
				return errorResponse(codes.BadRequest)
			}
			return cborResponse(codes.Content, cbor.Project(topic.ToProperties(), names))
		default:
			return errorResponse(codes.MethodNotAllowed)
		}
	}
}

// serveData returns the Handler for topic's data resource: GET (plain read
// or, with Observe, subscribe/unsubscribe) and PUT (publish).
func (m *Manager) serveData(topic *Topic) resource.HandlerFunc {
	return func(peer string, req *message.Message) *message.Message {
		switch req.Code {
		case codes.GET:
			return m.serveDataGet(topic, peer, req)
		case codes.PUT:
			return m.serveDataPut(topic, req)
		default:
			return errorResponse(codes.MethodNotAllowed)
		}
	}
}

func (m *Manager) serveDataGet(topic *Topic, peer string, req *message.Message) *message.Message {
	obs, err := req.Options.GetUint32(message.Observe)
	if err != nil {
		resp := &message.Message{Token: req.Token, Code: codes.Content, Payload: topic.Payload}
		resp.Options = resp.Options.SetContentFormat(topic.MediaType)
		return resp
	}
	filter := firstQuery(req, "topic-type")
	switch obs {
	case 0:
		if _, err := topic.Subscribe(peer, string(req.Token), filter, time.Now()); err != nil {
			resp := errorResponse(codes.ServiceUnavailable)
			resp.Options = resp.Options.AddUint32(message.MaxAge, uint32(protocol.ObservationSequenceTimeout/time.Second))
			return resp
		}
		resp := &message.Message{Token: req.Token, Code: codes.Content, Payload: topic.Payload}
		resp.Options = resp.Options.SetContentFormat(topic.MediaType).AddUint32(message.Observe, topic.registry.Sequence())
		return resp
	case 1:
		_ = topic.Unsubscribe(peer, string(req.Token))
		return &message.Message{Token: req.Token, Code: codes.Content}
	default:
		return errorResponse(codes.BadRequest)
	}
}

func (m *Manager) serveDataPut(topic *Topic, req *message.Message) *message.Message {
	ct, _ := req.Options.GetUint32(message.ContentFormat)
	topicType := firstQuery(req, "topic-type")
	notifications, err := m.Publish(topic.DataPath, req.Payload, message.MediaType(ct), topicType, time.Now())
	if err != nil {
		switch err {
		case coaperrors.ErrTopicExpired:
			return errorResponse(codes.NotFound)
		case coaperrors.ErrInvalidPropertyValue:
			return errorResponse(codes.BadRequest)
		default:
			return errorResponse(codes.NotFound)
		}
	}
	m.queueNotifications(notifications)
	return &message.Message{Token: req.Token, Code: codes.Changed}
}

// queueNotifications buffers notifications for the broker core loop to
// drain and send after the handler that produced them returns (spec.md
// §4.7's dispatch step only returns one response per request; fan-out to
// other subscribers happens as a side effect the loop collects).
func (m *Manager) queueNotifications(notifications []Notification) {
	if len(notifications) == 0 {
		return
	}
	m.notifyMu.Lock()
	m.notifyBuf = append(m.notifyBuf, notifications...)
	m.notifyMu.Unlock()
}

// DrainNotifications returns and clears every notification queued since
// the last call, for the broker core loop to send.
func (m *Manager) DrainNotifications() []Notification {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	out := m.notifyBuf
	m.notifyBuf = nil
	return out
}

func firstQuery(req *message.Message, key string) string {
	for _, q := range req.Options.Queries() {
		if len(q) > len(key)+1 && q[:len(key)+1] == key+"=" {
			return q[len(key)+1:]
		}
	}
	return ""
}

func decodeProps(payload []byte) (cbor.PropertyBag, error) {
	if len(payload) == 0 {
		return cbor.PropertyBag{}, nil
	}
	return cbor.Unmarshal(payload)
}

func decodeProjection(payload []byte) ([]string, error) {
	bag, err := decodeProps(payload)
	if err != nil {
		return nil, err
	}
	raw, ok := bag[cbor.PropConfigFilter].([]interface{})
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

func cborResponse(code codes.Code, v interface{}) *message.Message {
	data, err := cbor.Marshal(v)
	if err != nil {
		return errorResponse(codes.InternalServerError)
	}
	resp := &message.Message{Code: code, Payload: data}
	resp.Options = resp.Options.SetContentFormat(message.AppCBOR)
	return resp
}

func errorResponse(code codes.Code) *message.Message {
	return &message.Message{Code: code}
}

func propertyErrorCode(err error) codes.Code {
	switch err {
	case coaperrors.ErrInvalidPropertyValue:
		return codes.BadRequest
	case coaperrors.ErrTopicAlreadyExists:
		return codes.Forbidden
	default:
		return codes.InternalServerError
	}
}
