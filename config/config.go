// Package config loads the broker's and client's runtime settings. The core
// engine depends only on the Tree interface; JSONTree is the concrete
// loader, grounded on the reference implementation's JsonPropTree which
// loads a flat property bag from a .cfg file containing JSON.
package config

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/netcoap/psbroker/protocol"
)

// Tree is a property bag keyed by dotted path, the way the reference
// implementation's JsonPropTree is consulted by Broker and Client
// constructors.
type Tree interface {
	GetString(key, def string) string
	GetInt(key string, def int) int
	GetDuration(key string, def time.Duration) time.Duration
}

// Settings is the broker/client configuration decoded from a config.Tree,
// falling back to Defaults() for anything absent.
type Settings struct {
	ListenAddr      string        `json:"listen-addr"`
	PSKIdentityHint string        `json:"psk-identity-hint"`
	AckTimeout      time.Duration `json:"-"`
	MaxRetransmit   int           `json:"max-retransmit"`
	BlockSZX        int           `json:"block-szx"`
	MaxSubscribers  int           `json:"max-subscribers"`
}

// Defaults returns the Settings backed by protocol's RFC 7252 defaults.
func Defaults() Settings {
	return Settings{
		ListenAddr:     "",
		AckTimeout:     protocol.AckTimeout,
		MaxRetransmit:  protocol.MaxRetransmit,
		BlockSZX:       protocol.DefaultBlockSZX,
		MaxSubscribers: 0, // unlimited
	}
}

// JSONTree is a Tree backed by a flat JSON object, loaded from a .cfg file
// the way the reference implementation's JsonPropTree.fromJsonFile does.
type JSONTree struct {
	values map[string]interface{}
}

// LoadJSONFile reads path and decodes it as a JSON object of property
// values.
func LoadJSONFile(path string) (*JSONTree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadJSON(f)
}

// LoadJSON decodes r as a JSON object of property values.
func LoadJSON(r io.Reader) (*JSONTree, error) {
	var values map[string]interface{}
	if err := json.NewDecoder(r).Decode(&values); err != nil {
		return nil, err
	}
	return &JSONTree{values: values}, nil
}

func (t *JSONTree) GetString(key, def string) string {
	if v, ok := t.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (t *JSONTree) GetInt(key string, def int) int {
	if v, ok := t.values[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return def
}

func (t *JSONTree) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := t.values[key]; ok {
		switch val := v.(type) {
		case string:
			if d, err := time.ParseDuration(val); err == nil {
				return d
			}
		case float64:
			return time.Duration(val) * time.Second
		}
	}
	return def
}

// LoadSettings decodes Settings from t, falling back to Defaults() for
// anything absent.
func LoadSettings(t *JSONTree) Settings {
	s := Defaults()
	s.ListenAddr = t.GetString("listen-addr", s.ListenAddr)
	s.PSKIdentityHint = t.GetString("psk-identity-hint", s.PSKIdentityHint)
	s.AckTimeout = t.GetDuration("ack-timeout", s.AckTimeout)
	s.MaxRetransmit = t.GetInt("max-retransmit", s.MaxRetransmit)
	s.BlockSZX = t.GetInt("block-szx", s.BlockSZX)
	s.MaxSubscribers = t.GetInt("max-subscribers", s.MaxSubscribers)
	return s
}
