// Package coaperrors collects the sentinel errors shared by the broker and
// client packages above the wire codec: topic lifecycle, exchange tracking,
// and block transfer.
package coaperrors

import "errors"

var (
	// ErrKeyAlreadyExists reports a key that is already present. pkg/cache
	// and pkg/coapsync have no Create method and do not return it.
	ErrKeyAlreadyExists = errors.New("key already exists")
	// ErrTopicNotFound is returned when a topic collection/config/data path
	// does not resolve to a known topic.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrTopicAlreadyExists is returned by CreateTopic for a path already in
	// use.
	ErrTopicAlreadyExists = errors.New("topic already exists")
	// ErrTopicExpired is returned when a topic's expiration-date property has
	// passed.
	ErrTopicExpired = errors.New("topic expired")
	// ErrMaxSubscribersReached is returned when a topic's max-subscribers
	// property would be exceeded by a new Observe registration.
	ErrMaxSubscribersReached = errors.New("max subscribers reached")
	// ErrTokenNotExist reports a response or Observe notification for a
	// token the exchange table has no record of. The client does not return
	// it: such a message is dropped, or answered with RST if Confirmable.
	ErrTokenNotExist = errors.New("token does not exist")
	// ErrObservationNotFound is returned when Unsubscribe is called for a
	// (peer, token) pair that is not currently observing.
	ErrObservationNotFound = errors.New("observation not found")
	// ErrBlockTransferInProgress is returned when a new block-wise transfer
	// is requested for a token that already has one outstanding.
	ErrBlockTransferInProgress = errors.New("block transfer already in progress")
	// ErrBlockTransferTooLarge reports a transfer that would exceed
	// protocol.MaxBlockTransferBytes. blockwise.Transfer.WriteBlock reports
	// that case with blockwise.ErrBlockNumberExceedLimit instead.
	ErrBlockTransferTooLarge = errors.New("block transfer exceeds maximum size")
	// ErrPropertyNotFound reports an unknown topic configuration property
	// name. The projection behind getTopicCfgByProp (cbor.Project) does not
	// return it: unknown names are left out of the result.
	ErrPropertyNotFound = errors.New("property not found")
	// ErrInvalidPropertyValue is returned when a topic configuration update
	// (setTopicCfgByProp) supplies a value of the wrong type.
	ErrInvalidPropertyValue = errors.New("invalid property value")
	// ErrClientClosed is returned by client operations issued after
	// Disconnect/Close.
	ErrClientClosed = errors.New("client closed")
	// ErrRetransmitTimeout is passed to a Retransmitter's onTimeout callback
	// when a Confirmable message exhausts MaxRetransmit attempts
	// unacknowledged. Broker and Client route that callback to their
	// ErrorFunc; it does not complete a pending request's continuation.
	ErrRetransmitTimeout = errors.New("retransmission timeout")
)
