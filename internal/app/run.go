// Package app wires the configuration, device finder, beat finder, virtual
// player, sighting log, and viewer into a running process, and watches the
// config file so the safe runtime settings apply live.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/djlink/internal/beats"
	"github.com/petervdpas/djlink/internal/config"
	"github.com/petervdpas/djlink/internal/devices"
	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/storage"
	"github.com/petervdpas/djlink/internal/util"
	"github.com/petervdpas/djlink/internal/vcdj"
	"github.com/petervdpas/djlink/internal/viewer"
)

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Run brings the virtual player up with the given configuration and blocks
// until the context is cancelled or startup fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	finder := devices.NewFinder()
	beatFinder := beats.NewFinder()
	player := vcdj.New(finder, beatFinder)

	if err := applyPlayerConfig(player, cfg); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}

	// ── Sighting log (optional)
	var sightings *storage.SightingLog
	if cfg.Storage.SightingsDBPath != "" {
		path := util.ResolvePath(opt.DataDir, cfg.Storage.SightingsDBPath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("prepare sighting log directory: %w", err)
		}
		var err error
		sightings, err = storage.Open(path)
		if err != nil {
			return fmt.Errorf("open sighting log: %w", err)
		}
		defer sightings.Close()
		finder.AddAnnouncementListener(devices.AnnouncementListener{
			Found: func(device *protocol.DeviceAnnouncement) {
				sightings.Record(device)
			},
		})
	}

	// ── Viewer (optional)
	if cfg.Viewer.HTTPAddr != "" {
		view := viewer.New(player, finder, sightings)
		go func() {
			if err := view.Start(cfg.Viewer.HTTPAddr); err != nil {
				log.Printf("viewer stopped: %v", err)
			}
		}()
	}

	// ── Virtual player
	log.Printf("starting virtual player %q, waiting for DJ Link devices...", cfg.Player.Name)
	if err := player.Start(); err != nil {
		finder.Stop()
		return err
	}
	defer player.Stop()
	defer finder.Stop()
	defer beatFinder.Stop()

	if cfg.Status.Send {
		if err := player.SetSendingStatus(true); err != nil {
			log.Printf("unable to send status packets: %v", err)
		} else {
			player.SetSynced(cfg.Status.Synced)
			player.SetOnAir(cfg.Status.OnAir)
			player.SetPlaying(cfg.Status.Playing)
		}
	}

	// ── Config hot reload for the safe runtime settings
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config watching disabled: %v", err)
	} else {
		defer watcher.Close()
		// Watch the directory: editors replace the file, which would drop a
		// watch on the file itself.
		if err := watcher.Add(filepath.Dir(opt.CfgPath)); err != nil {
			log.Printf("config watching disabled: %v", err)
		} else {
			go watchConfig(ctx, watcher, opt.CfgPath, player)
		}
	}

	log.Printf("virtual player running as device %d", player.DeviceNumber())
	<-ctx.Done()
	log.Printf("shutting down")
	return nil
}

// applyPlayerConfig pushes the startup settings into the player.
func applyPlayerConfig(player *vcdj.VirtualCdj, cfg config.Config) error {
	if err := player.SetDeviceName(cfg.Player.Name); err != nil {
		return err
	}
	if err := player.SetDeviceNumber(cfg.Player.Number); err != nil {
		return err
	}
	player.SetUseStandardPlayerNumber(cfg.Player.UseStandardPlayerNumber)
	if err := player.SetAnnounceInterval(cfg.Player.AnnounceIntervalMs); err != nil {
		return err
	}
	if err := player.SetStatusInterval(cfg.Status.IntervalMs); err != nil {
		return err
	}
	if err := player.SetTempoEpsilon(cfg.Status.TempoEpsilon); err != nil {
		return err
	}
	return player.SetTempo(cfg.Status.Tempo)
}

// watchConfig applies the runtime-safe settings (tempo, playing, synced,
// on-air, intervals) whenever the config file changes. Settings that need a
// restart (name, number, viewer, storage) are left alone.
func watchConfig(ctx context.Context, watcher *fsnotify.Watcher, cfgPath string, player *vcdj.VirtualCdj) {
	target := filepath.Clean(cfgPath)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire bursts of events per save; settle first.
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := config.Load(cfgPath)
			if err != nil {
				log.Printf("ignoring config change: %v", err)
				continue
			}
			applyRuntimeConfig(player, cfg)
		}
	}
}

func applyRuntimeConfig(player *vcdj.VirtualCdj, cfg config.Config) {
	if err := player.SetAnnounceInterval(cfg.Player.AnnounceIntervalMs); err != nil {
		log.Printf("announce interval not applied: %v", err)
	}
	if err := player.SetStatusInterval(cfg.Status.IntervalMs); err != nil {
		log.Printf("status interval not applied: %v", err)
	}
	if err := player.SetTempoEpsilon(cfg.Status.TempoEpsilon); err != nil {
		log.Printf("tempo epsilon not applied: %v", err)
	}
	if err := player.SetTempo(cfg.Status.Tempo); err != nil {
		log.Printf("tempo not applied: %v", err)
	}
	if cfg.Status.Send != player.IsSendingStatus() {
		if err := player.SetSendingStatus(cfg.Status.Send); err != nil {
			log.Printf("sending status not applied: %v", err)
		}
	}
	player.SetSynced(cfg.Status.Synced)
	player.SetOnAir(cfg.Status.OnAir)
	player.SetPlaying(cfg.Status.Playing)
	log.Printf("applied updated configuration")
}
