// Package mapping ingests occupancy maps from a robot's mapping bridge.
// Fetches are one-shot and best-effort: a failed fetch is logged and the
// next sync retries from scratch.
package mapping

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/store"
)

// DefaultTimeout bounds one fetch from dial to response.
const DefaultTimeout = 15 * time.Second

// MapWriter persists fetched maps.
type MapWriter interface {
	Upsert(ctx context.Context, m store.Map) error
}

// RobotLinker links a robot to its primary map.
type RobotLinker interface {
	SetMap(ctx context.Context, id, filename string) error
}

// Inventory lists the robots eligible for a sync pass.
type Inventory interface {
	List(ctx context.Context) ([]store.Robot, error)
}

// Config configures a Fetcher.
type Config struct {
	Maps      MapWriter
	Robots    RobotLinker
	Inventory Inventory
	Logger    *zap.Logger
	Timeout   time.Duration
}

// Fetcher pulls map data over the mapping bridge protocol.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Fetcher{cfg: cfg, logger: logger.Named("mapping")}
}

// wireEvent is one frame of the mapping bridge protocol.
type wireEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// mapFiles is the files block of a MAP_DATA_RESPONSE. MapYAML is either a
// *.yaml filename (metadata then lives in YAML) or the inline YAML text.
type mapFiles struct {
	MapYAML        string     `json:"map_yaml"`
	YAML           string     `json:"yaml"`
	MapPGM         string     `json:"map_pgm"`
	AdditionalMaps []mapFiles `json:"additional_maps,omitempty"`
}

// SyncAll fetches maps for every robot that has an address and a mapping
// port. Failures are logged per robot; the pass continues.
func (f *Fetcher) SyncAll(ctx context.Context) {
	robots, err := f.cfg.Inventory.List(ctx)
	if err != nil {
		f.logger.Warn("map sync: inventory unavailable", zap.Error(err))
		return
	}
	for _, rb := range robots {
		if rb.IPAddress == "" || rb.MappingBridgePort == 0 {
			continue
		}
		url := fmt.Sprintf("ws://%s:%d", rb.IPAddress, rb.MappingBridgePort)
		if err := f.Fetch(ctx, rb.ID, url); err != nil {
			f.logger.Warn("map fetch failed", zap.String("robot", rb.ID), zap.String("url", url), zap.Error(err))
		}
	}
}

// Fetch opens a one-shot socket to the mapping bridge, requests the map
// data, and upserts the result. The first map is linked to the robot;
// additional maps are stored unlinked.
func (f *Fetcher) Fetch(ctx context.Context, robotID, url string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	if err := conn.WriteJSON(wireEvent{Event: "GET_MAP_DATA", Payload: json.RawMessage(`{}`)}); err != nil {
		return fmt.Errorf("request map data: %w", err)
	}

	files, err := awaitResponse(conn)
	if err != nil {
		return err
	}

	primary, err := buildMap(*files, robotID)
	if err != nil {
		return fmt.Errorf("primary map: %w", err)
	}
	if err := f.cfg.Maps.Upsert(ctx, primary); err != nil {
		return err
	}
	if err := f.cfg.Robots.SetMap(ctx, robotID, primary.Filename); err != nil {
		return err
	}
	f.logger.Info("map stored",
		zap.String("robot", robotID),
		zap.String("filename", primary.Filename),
		zap.Int("bytes", len(primary.Image)))

	for i, extra := range files.AdditionalMaps {
		mp, err := buildMap(extra, "")
		if err != nil {
			f.logger.Warn("additional map skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		if err := f.cfg.Maps.Upsert(ctx, mp); err != nil {
			f.logger.Warn("additional map upsert failed", zap.String("filename", mp.Filename), zap.Error(err))
		}
	}
	return nil
}

// awaitResponse reads frames until a MAP_DATA_RESPONSE arrives. Other
// events on the socket are ignored.
func awaitResponse(conn *websocket.Conn) (*mapFiles, error) {
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return nil, fmt.Errorf("await map data: %w", err)
		}
		if ev.Event != "MAP_DATA_RESPONSE" {
			continue
		}
		var payload struct {
			Files *mapFiles `json:"files"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode map payload: %w", err)
		}
		if payload.Files == nil {
			return nil, fmt.Errorf("map payload has no files")
		}
		return payload.Files, nil
	}
}

// buildMap turns one files block into a store record. The metadata must be
// parseable YAML; anything else aborts the fetch.
func buildMap(files mapFiles, robotID string) (store.Map, error) {
	filename, metadata := resolveMetadata(files, robotID)
	if metadata == "" {
		return store.Map{}, fmt.Errorf("no yaml metadata")
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(metadata), &parsed); err != nil {
		return store.Map{}, fmt.Errorf("parse yaml metadata: %w", err)
	}
	if files.MapPGM == "" {
		return store.Map{}, fmt.Errorf("no pgm payload")
	}
	return store.Map{
		Filename:     filename,
		Name:         strings.TrimSuffix(path.Base(filename), ".yaml"),
		Image:        decodePGM(files.MapPGM),
		MetadataYAML: metadata,
		RobotID:      robotID,
	}, nil
}

// resolveMetadata untangles the two map_yaml conventions: a filename with
// the metadata in the yaml field, or the metadata inline with a synthesized
// filename.
func resolveMetadata(files mapFiles, robotID string) (filename, metadata string) {
	if looksLikeFilename(files.MapYAML) {
		return path.Base(files.MapYAML), files.YAML
	}
	name := "map"
	if robotID != "" {
		name = robotID + "-map"
	}
	return name + ".yaml", files.MapYAML
}

// looksLikeFilename reports whether s is a bare *.yaml path rather than
// YAML text. Real YAML metadata always carries a colon or newline.
func looksLikeFilename(s string) bool {
	return s != "" &&
		strings.HasSuffix(s, ".yaml") &&
		!strings.ContainsAny(s, "\n:")
}

// decodePGM handles both transports for the image bytes: base64 when the
// payload fits the alphabet and block length, raw binary otherwise.
func decodePGM(s string) []byte {
	if isBase64(s) {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b
		}
	}
	return []byte(s)
}

func isBase64(s string) bool {
	if s == "" || len(s)%4 != 0 {
		return false
	}
	padding := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '=':
			if i < len(s)-2 {
				return false
			}
			padding = true
		case padding:
			return false
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
		default:
			return false
		}
	}
	return true
}
