package mapping

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ajayjarhad/tesrai-dashboard-sub001/internal/store"
)

// fakeStore records upserts and robot links.
type fakeStore struct {
	mu      sync.Mutex
	maps    []store.Map
	links   map[string]string
	robots  []store.Robot
	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{links: map[string]string{}}
}

func (f *fakeStore) Upsert(_ context.Context, m store.Map) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps = append(f.maps, m)
	return nil
}

func (f *fakeStore) SetMap(_ context.Context, id, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[id] = filename
	return nil
}

func (f *fakeStore) List(context.Context) ([]store.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.robots, f.listErr
}

func (f *fakeStore) mapsSnapshot() []store.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Map(nil), f.maps...)
}

// mapBridge serves one canned MAP_DATA_RESPONSE per connection.
func mapBridge(t *testing.T, response any) *httptest.Server {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var req map[string]any
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		if req["event"] != "GET_MAP_DATA" {
			t.Errorf("unexpected request event: %v", req["event"])
			return
		}
		if response != nil {
			_ = ws.WriteJSON(response)
		}
		// Keep the socket open until the client leaves.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

const metadataYAML = "image: warehouse.pgm\nresolution: 0.05\norigin: [-10, -10, 0]\n"

func TestFetch_FilenameAndBase64(t *testing.T) {
	pgm := []byte("P5\n10 10\n255\n0123456789")
	srv := mapBridge(t, map[string]any{
		"event": "MAP_DATA_RESPONSE",
		"payload": map[string]any{
			"files": map[string]any{
				"map_yaml": "warehouse.yaml",
				"yaml":     metadataYAML,
				"map_pgm":  base64.StdEncoding.EncodeToString(pgm),
			},
		},
	})

	fs := newFakeStore()
	f := New(Config{Maps: fs, Robots: fs, Inventory: fs})
	if err := f.Fetch(context.Background(), "r1", wsURL(srv)); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	maps := fs.mapsSnapshot()
	if len(maps) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(maps))
	}
	mp := maps[0]
	if mp.Filename != "warehouse.yaml" || mp.Name != "warehouse" {
		t.Fatalf("unexpected identity: %+v", mp)
	}
	if string(mp.Image) != string(pgm) {
		t.Fatalf("image must be the decoded bytes, got %d bytes", len(mp.Image))
	}
	if mp.MetadataYAML != metadataYAML {
		t.Fatal("metadata must come from the yaml field")
	}
	if fs.links["r1"] != "warehouse.yaml" {
		t.Fatalf("first map must link to the robot, got %v", fs.links)
	}
}

func TestFetch_InlineYAMLAndRawPGM(t *testing.T) {
	// Odd length keeps the payload out of the base64 heuristic.
	rawPGM := "P5\n2 2\n255\n\x00\x01\x02"
	srv := mapBridge(t, map[string]any{
		"event": "MAP_DATA_RESPONSE",
		"payload": map[string]any{
			"files": map[string]any{
				"map_yaml": metadataYAML,
				"map_pgm":  rawPGM,
			},
		},
	})

	fs := newFakeStore()
	f := New(Config{Maps: fs, Robots: fs, Inventory: fs})
	if err := f.Fetch(context.Background(), "r1", wsURL(srv)); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	mp := fs.mapsSnapshot()[0]
	if mp.Filename != "r1-map.yaml" || mp.Name != "r1-map" {
		t.Fatalf("inline yaml must synthesize a filename, got %+v", mp)
	}
	if mp.MetadataYAML != metadataYAML {
		t.Fatal("inline map_yaml must become the metadata")
	}
	if string(mp.Image) != rawPGM {
		t.Fatal("non-base64 payload must stay raw")
	}
}

func TestFetch_AdditionalMapsUnlinked(t *testing.T) {
	srv := mapBridge(t, map[string]any{
		"event": "MAP_DATA_RESPONSE",
		"payload": map[string]any{
			"files": map[string]any{
				"map_yaml": "main.yaml",
				"yaml":     metadataYAML,
				"map_pgm":  base64.StdEncoding.EncodeToString([]byte("main")),
				"additional_maps": []any{
					map[string]any{
						"map_yaml": "floor2.yaml",
						"yaml":     metadataYAML,
						"map_pgm":  base64.StdEncoding.EncodeToString([]byte("floor2")),
					},
				},
			},
		},
	})

	fs := newFakeStore()
	f := New(Config{Maps: fs, Robots: fs, Inventory: fs})
	if err := f.Fetch(context.Background(), "r1", wsURL(srv)); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	maps := fs.mapsSnapshot()
	if len(maps) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(maps))
	}
	if maps[1].Filename != "floor2.yaml" || maps[1].RobotID != "" {
		t.Fatalf("additional map must be stored unlinked, got %+v", maps[1])
	}
	if fs.links["r1"] != "main.yaml" {
		t.Fatalf("only the first map links, got %v", fs.links)
	}
}

func TestFetch_BadMetadataAborts(t *testing.T) {
	srv := mapBridge(t, map[string]any{
		"event": "MAP_DATA_RESPONSE",
		"payload": map[string]any{
			"files": map[string]any{
				"map_yaml": "broken.yaml",
				"yaml":     ":\nnot yaml\n\t-",
				"map_pgm":  "data",
			},
		},
	})

	fs := newFakeStore()
	f := New(Config{Maps: fs, Robots: fs, Inventory: fs})
	if err := f.Fetch(context.Background(), "r1", wsURL(srv)); err == nil {
		t.Fatal("expected metadata parse error")
	}
	if len(fs.mapsSnapshot()) != 0 {
		t.Fatal("failed fetch must not upsert")
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := mapBridge(t, nil) // never responds

	fs := newFakeStore()
	f := New(Config{Maps: fs, Robots: fs, Inventory: fs, Timeout: 100 * time.Millisecond})
	start := time.Now()
	if err := f.Fetch(context.Background(), "r1", wsURL(srv)); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("fetch must respect the configured timeout")
	}
}

func TestSyncAll_SkipsIneligibleRobots(t *testing.T) {
	fs := newFakeStore()
	fs.robots = []store.Robot{
		{ID: "no-port", IPAddress: "10.0.0.1"},
		{ID: "no-ip", MappingBridgePort: 8765},
	}
	f := New(Config{Maps: fs, Robots: fs, Inventory: fs, Timeout: 50 * time.Millisecond})
	f.SyncAll(context.Background())
	if len(fs.mapsSnapshot()) != 0 {
		t.Fatal("no eligible robots, no fetches")
	}
}

func TestLooksLikeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"warehouse.yaml", true},
		{"maps/warehouse.yaml", true},
		{"", false},
		{"warehouse.pgm", false},
		{"image: x.pgm\nresolution: 0.05\n", false},
		{"resolution: 0.05", false},
	}
	for _, tc := range cases {
		if got := looksLikeFilename(tc.in); got != tc.want {
			t.Errorf("looksLikeFilename(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestIsBase64(t *testing.T) {
	if !isBase64(base64.StdEncoding.EncodeToString([]byte("hello!"))) {
		t.Fatal("encoded data must pass")
	}
	for _, bad := range []string{"", "abc", "P5\n10 10\n", "ab=c"} {
		if isBase64(bad) {
			t.Errorf("isBase64(%q) must be false", bad)
		}
	}
}
