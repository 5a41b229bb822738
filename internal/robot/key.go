package robot

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/zeebo/xxh3"
)

// Key is a 128-bit identity of a robot config's canonical serialization.
// Two configs with the same connections (sorted by id) and channels (sorted
// by name) produce the same Key; the fleet registry restarts a manager iff
// its Key changes between reloads.
type Key [16]byte

// ZeroKey is the zero-value Key.
var ZeroKey Key

// Hex returns the lowercase hex encoding of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Hex()
}

// canonicalConfig is the equality form: connections sorted by id, channels
// sorted by name, every channel field present.
type canonicalConfig struct {
	BridgeURL   string             `json:"bridgeUrl"`
	Connections []ConnectionConfig `json:"connections"`
	Channels    []canonicalChannel `json:"channels"`
}

type canonicalChannel struct {
	Name         string    `json:"name"`
	Topic        string    `json:"topic"`
	MsgType      string    `json:"msgType"`
	Direction    Direction `json:"direction"`
	RateLimitHz  float64   `json:"rateLimitHz"`
	ConnectionID string    `json:"connectionId"`
}

// CanonicalKey computes the config's canonical serialization and hashes it
// with xxh3-128. Go's encoding/json emits struct fields in declaration
// order, so the output is deterministic once the slices are sorted.
func CanonicalKey(cfg Config) Key {
	canonical := canonicalConfig{
		BridgeURL:   cfg.BridgeURL,
		Connections: append([]ConnectionConfig(nil), cfg.connections()...),
		Channels:    make([]canonicalChannel, 0, len(cfg.Channels)),
	}
	sort.Slice(canonical.Connections, func(i, j int) bool {
		return canonical.Connections[i].ID < canonical.Connections[j].ID
	})
	for _, ch := range cfg.Channels {
		connID := ch.ConnectionID
		if connID == "" {
			connID = DefaultConnectionID
		}
		canonical.Channels = append(canonical.Channels, canonicalChannel{
			Name:         ch.Name,
			Topic:        ch.Topic,
			MsgType:      ch.MsgType,
			Direction:    ch.Direction,
			RateLimitHz:  ch.RateLimitHz,
			ConnectionID: connID,
		})
	}
	sort.Slice(canonical.Channels, func(i, j int) bool {
		return canonical.Channels[i].Name < canonical.Channels[j].Name
	})

	data, err := json.Marshal(canonical)
	if err != nil {
		// canonicalConfig contains no unmarshalable types; unreachable.
		return ZeroKey
	}
	h128 := xxh3.Hash128(data)
	var k Key
	binary.LittleEndian.PutUint64(k[:8], h128.Lo)
	binary.LittleEndian.PutUint64(k[8:], h128.Hi)
	return k
}
