// Package viewer serves a small local HTTP surface for UI collaborators:
// JSON snapshots of the participant and device registry state, the sighting
// log, and a websocket feed pushing device updates, beats, and master
// changes as they happen.
package viewer

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/djlink/internal/devices"
	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/storage"
	"github.com/petervdpas/djlink/internal/vcdj"
)

// Event is one message on the websocket feed.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Viewer wires the participant state into a local HTTP server.
type Viewer struct {
	Player    *vcdj.VirtualCdj
	Finder    *devices.Finder
	Sightings *storage.SightingLog

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// New creates a viewer over the given collaborators. Sightings may be nil.
func New(player *vcdj.VirtualCdj, finder *devices.Finder, sightings *storage.SightingLog) *Viewer {
	return &Viewer{
		Player:    player,
		Finder:    finder,
		Sightings: sightings,
		upgrader: websocket.Upgrader{
			// Local-only surface; the listen address controls exposure.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[chan Event]struct{}),
	}
}

// Start registers the event listeners and serves HTTP on addr. Blocks until
// the server fails.
func (v *Viewer) Start(addr string) error {
	v.Player.AddUpdateListener(func(update protocol.DeviceUpdate) {
		v.broadcast(Event{Type: "update", Payload: deviceUpdateView(update)})
	})
	v.Player.AddMasterListener(vcdj.MasterListener{
		MasterChanged: func(update protocol.DeviceUpdate) {
			payload := map[string]any{"self": v.Player.IsTempoMaster()}
			if update != nil {
				payload["master"] = deviceUpdateView(update)
			}
			v.broadcast(Event{Type: "master_changed", Payload: payload})
		},
		TempoChanged: func(tempo float64) {
			v.broadcast(Event{Type: "tempo_changed", Payload: tempo})
		},
		NewBeat: func(beat *protocol.Beat) {
			v.broadcast(Event{Type: "beat", Payload: map[string]any{
				"device": beat.DeviceNumber(),
				"tempo":  beat.EffectiveTempo(),
				"bar":    beat.BeatWithinBar(),
			}})
		},
	})
	v.Player.AddMediaDetailsListener(func(details *protocol.MediaDetails) {
		v.broadcast(Event{Type: "media_details", Payload: details})
	})
	v.Finder.AddAnnouncementListener(devices.AnnouncementListener{
		Found: func(device *protocol.DeviceAnnouncement) {
			v.broadcast(Event{Type: "device_found", Payload: deviceView(device)})
		},
		Lost: func(device *protocol.DeviceAnnouncement) {
			v.broadcast(Event{Type: "device_lost", Payload: deviceView(device)})
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", v.handleStatus)
	mux.HandleFunc("/api/devices", v.handleDevices)
	mux.HandleFunc("/api/sightings", v.handleSightings)
	mux.HandleFunc("/ws", v.handleWS)

	log.Printf("VIEWER: viewer listening on http://%s", addr)
	return http.ListenAndServe(addr, mux)
}

func (v *Viewer) handleStatus(w http.ResponseWriter, r *http.Request) {
	player := v.Player
	writeJSON(w, map[string]any{
		"running":        player.IsRunning(),
		"device_name":    player.DeviceName(),
		"device_number":  player.DeviceNumber(),
		"sending_status": player.IsSendingStatus(),
		"playing":        player.IsPlaying(),
		"synced":         player.IsSynced(),
		"on_air":         player.IsOnAir(),
		"tempo":          player.Tempo(),
		"master":         player.IsTempoMaster(),
		"master_tempo":   player.MasterTempo(),
		"beat":           player.PlaybackPosition().Beat,
	})
}

func (v *Viewer) handleDevices(w http.ResponseWriter, r *http.Request) {
	list := v.Finder.CurrentDevices()
	views := make([]map[string]any, 0, len(list))
	for _, device := range list {
		views = append(views, deviceView(device))
	}
	writeJSON(w, views)
}

func (v *Viewer) handleSightings(w http.ResponseWriter, r *http.Request) {
	if v.Sightings == nil {
		http.Error(w, "sighting log disabled", http.StatusNotFound)
		return
	}
	sightings, err := v.Sightings.All()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sightings)
}

// handleWS upgrades the connection and streams events until the client goes
// away. Slow clients drop events rather than stalling the feed.
func (v *Viewer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("VIEWER: websocket upgrade failed: %v", err)
		return
	}
	events := v.subscribe()
	defer v.unsubscribe(events)
	defer conn.Close()

	// Drain (and discard) client messages so pings are answered.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				v.unsubscribe(events)
				return
			}
		}
	}()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func (v *Viewer) subscribe() chan Event {
	ch := make(chan Event, 64)
	v.mu.Lock()
	v.clients[ch] = struct{}{}
	v.mu.Unlock()
	return ch
}

func (v *Viewer) unsubscribe(ch chan Event) {
	v.mu.Lock()
	if _, ok := v.clients[ch]; ok {
		delete(v.clients, ch)
		close(ch)
	}
	v.mu.Unlock()
}

// broadcast fans an event to every connected client without blocking the
// listener thread that produced it.
func (v *Viewer) broadcast(event Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for ch := range v.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func deviceView(device *protocol.DeviceAnnouncement) map[string]any {
	return map[string]any{
		"number":  device.Number,
		"name":    device.Name,
		"address": device.Address.String(),
		"mac":     device.MAC.String(),
	}
}

func deviceUpdateView(update protocol.DeviceUpdate) map[string]any {
	return map[string]any{
		"device": update.DeviceNumber(),
		"name":   update.DeviceName(),
		"source": update.Source().String(),
		"tempo":  update.EffectiveTempo(),
		"master": update.TempoMaster(),
		"bar":    update.BeatWithinBar(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
