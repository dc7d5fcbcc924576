// Package storage persists a log of the DJ Link devices seen on the network,
// so operators can review what has been on the wire across restarts.
package storage

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/djlink/internal/protocol"
)

// Sighting is one device's history on the network as recorded in the log.
type Sighting struct {
	Address   string `json:"address"`
	Number    int    `json:"number"`
	Name      string `json:"name"`
	MAC       string `json:"mac"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	TimesSeen int64  `json:"times_seen"`
}

// SightingLog records device appearances in a SQLite database.
type SightingLog struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the sighting database.
func Open(path string) (*SightingLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from the recorder and the viewer.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sightings (
		address    TEXT PRIMARY KEY,
		number     INTEGER NOT NULL DEFAULT 0,
		name       TEXT DEFAULT '',
		mac        TEXT DEFAULT '',
		first_seen INTEGER DEFAULT 0,
		last_seen  INTEGER DEFAULT 0,
		times_seen INTEGER DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SightingLog{db: db}, nil
}

// Record writes a device appearance, creating the row on first sight and
// refreshing it afterwards.
func (s *SightingLog) Record(device *protocol.DeviceAnnouncement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`INSERT INTO sightings (address, number, name, mac, first_seen, last_seen, times_seen)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			number=excluded.number,
			name=excluded.name,
			mac=excluded.mac,
			last_seen=excluded.last_seen,
			times_seen=times_seen+1`,
		device.Address.String(), device.Number, device.Name, device.MAC.String(), now, now)
	if err != nil {
		log.Printf("sightings: sighting record error: %v", err)
	}
}

// All returns every recorded sighting, most recently seen first.
func (s *SightingLog) All() ([]Sighting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT address, number, name, mac, first_seen, last_seen, times_seen
		FROM sightings ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Sighting
	for rows.Next() {
		var r Sighting
		if err := rows.Scan(&r.Address, &r.Number, &r.Name, &r.MAC, &r.FirstSeen, &r.LastSeen, &r.TimesSeen); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CleanupBefore removes sightings last seen before the given threshold
// (unix millis).
func (s *SightingLog) CleanupBefore(thresholdMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(`DELETE FROM sightings WHERE last_seen < ?`, thresholdMillis)
}

// Close closes the database.
func (s *SightingLog) Close() error {
	return s.db.Close()
}
