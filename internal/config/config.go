// Package config provides configuration management for the re-identification
// pipeline: camera topology, crossing lines, and the scoring weights and
// thresholds that drive the cross-camera matchers.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the pipeline's configuration document.
type Config struct {
	Version    string           `yaml:"version"`
	System     SystemConfig     `yaml:"system"`
	Cameras    []CameraConfig   `yaml:"cameras"`
	Topology   []TopologyEdge   `yaml:"topology"`
	Crossing   []CrossingLine   `yaml:"crossing_lines"`
	Scoring    ScoringWeights   `yaml:"scoring"`
	Thresholds Thresholds       `yaml:"thresholds"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Classes    ClassTaxonomy    `yaml:"classes"`
	Services   ServicesConfig   `yaml:"services"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Name     string        `yaml:"name"`
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// CameraConfig is the static per-camera configuration (spec §3 Camera entity).
type CameraConfig struct {
	ID             string     `yaml:"id"`
	Latitude       float64    `yaml:"latitude"`
	Longitude      float64    `yaml:"longitude"`
	BearingDeg     float64    `yaml:"bearing_deg"`
	FOVAngleDeg    float64    `yaml:"fov_angle_deg"`
	FOVRangeM      float64    `yaml:"fov_range_m"`
	PTZ            *PTZConfig `yaml:"ptz,omitempty"`
	ONVIFEndpoint  string     `yaml:"onvif_endpoint,omitempty"`
}

// PTZConfig holds PTZ-specific camera settings.
type PTZConfig struct {
	PanRangeDeg    float64 `yaml:"pan_range_deg"`
	HomeBearingDeg float64 `yaml:"home_bearing_deg"`
}

// TopologyEdge seeds a directional camera-to-camera transit time estimate.
// The table is otherwise learned from confirmed links and
// consumed read-only by the matchers; config only supplies the initial
// values before enough observations accumulate.
type TopologyEdge struct {
	CameraA           string  `yaml:"camera_a"`
	CameraB           string  `yaml:"camera_b"`
	MinTransitSeconds float64 `yaml:"min_transit_seconds"`
	MaxTransitSeconds float64 `yaml:"max_transit_seconds"`
	AvgTransitSeconds float64 `yaml:"avg_transit_seconds"`
}

// CrossingLine is an operator-drawn line segment used by the crossing-line
// matcher.
type CrossingLine struct {
	ID                  int64   `yaml:"id"`
	CameraID            string  `yaml:"camera_id"`
	LineName            string  `yaml:"line_name"`
	X1                  float64 `yaml:"x1"`
	Y1                  float64 `yaml:"y1"`
	X2                  float64 `yaml:"x2"`
	Y2                  float64 `yaml:"y2"`
	ForwardDX           float64 `yaml:"forward_dx"`
	ForwardDY           float64 `yaml:"forward_dy"`
	PairedLineID        *int64  `yaml:"paired_line_id,omitempty"`
	LaneMappingReversed bool    `yaml:"lane_mapping_reversed"`
}

// DirectionWeights are the direction-based matcher's score weights
//.
type DirectionWeights struct {
	Temporal float64 `yaml:"temporal"`
	ReID     float64 `yaml:"reid"`
	Color    float64 `yaml:"color"`
	Size     float64 `yaml:"size"`
}

// CrossingWeights are the crossing-line matcher's score weights
//.
type CrossingWeights struct {
	Lane     float64 `yaml:"lane"`
	Temporal float64 `yaml:"temporal"`
	Size     float64 `yaml:"size"`
}

// CameraObjectWeights score camera-object-track level matching (config
// table row TEMPORAL_MAX_SCORE/REID_MAX_SCORE/CLS_MATCH_SCORE/
// CLS_CONFLICT_PENALTY/BBOX_SIZE_MAX_SCORE) — a coarser-grained pass than
// the video-track direction matcher, applied when aggregating at the
// camera-object-track level rather than per-clip.
type CameraObjectWeights struct {
	Temporal            float64 `yaml:"temporal_max_score"`
	ReID                float64 `yaml:"reid_max_score"`
	ClassMatch          float64 `yaml:"cls_match_score"`
	ClassConflictPenalty float64 `yaml:"cls_conflict_penalty"`
	BBoxSize            float64 `yaml:"bbox_size_max_score"`
}

// ScoringWeights bundles every matcher's weight set into one record so A/B
// experiments can substitute it wholesale.
type ScoringWeights struct {
	Direction    DirectionWeights    `yaml:"direction"`
	Crossing     CrossingWeights     `yaml:"crossing"`
	CameraObject CameraObjectWeights `yaml:"camera_object"`
}

// Thresholds holds every numeric cutoff named in the configuration
// table.
type Thresholds struct {
	InferenceConf            float64 `yaml:"inference_conf"`
	MinClipDurationSec       float64 `yaml:"min_clip_duration_sec"`
	IoUMergeThreshold        float64 `yaml:"iou_merge_threshold"`
	IoUMinNearest            float64 `yaml:"iou_min_nearest"`
	StitchMaxGapSec          float64 `yaml:"stitch_max_gap_sec"`
	JumpMultiplier           float64 `yaml:"jump_multiplier"`
	MinSegmentFrames         int     `yaml:"min_segment_frames"`
	MatchThreshold           float64 `yaml:"match_threshold"`
	VideoTrackMatchThreshold float64 `yaml:"video_track_match_threshold"`
	DirectionMatchThreshold  float64 `yaml:"direction_match_threshold"`
	CrossingMatchThreshold   float64 `yaml:"crossing_match_threshold"`
	DirectionPenalty         float64 `yaml:"direction_penalty"`
	DirectionVeto            float64 `yaml:"direction_veto"`
	MinTrajPoints            int     `yaml:"min_traj_points"`
	MinTrajDurationSec       float64 `yaml:"min_traj_duration_sec"`
}

// ClassTaxonomy holds the configurable detection class sets.
type ClassTaxonomy struct {
	NonVehicleClasses   []string   `yaml:"non_vehicle_classes"`
	CompatibilityGroups [][]string `yaml:"compatibility_groups"`
}

// StorageConfig points at the SQLite data directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// QueueConfig configures the asynq-backed work queue.
type QueueConfig struct {
	RedisAddr   string         `yaml:"redis_addr"`
	Concurrency map[string]int `yaml:"concurrency"` // queue name -> worker count
}

// EventBusConfig configures the embedded NATS event bus.
type EventBusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServicesConfig addresses the external collaborator services this
// pipeline calls over HTTP: object detection, ReID embedding, clip
// retrieval, and PTZ control/snapshot. Implementations live outside this module; these are just
// the endpoints the pipeline's HTTP clients dial.
type ServicesConfig struct {
	DetectorAddr  string `yaml:"detector_addr"`
	EmbedderAddr  string `yaml:"embedder_addr"`
	ClipStoreAddr string `yaml:"clip_store_addr"`
	PTZAddr       string `yaml:"ptz_addr"`
	PTZFrameAddr  string `yaml:"ptz_frame_addr"`
}

// Load reads and parses the YAML configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()

	return &cfg, nil
}

// Save writes the configuration back to its source file, atomically.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:    c.Version,
		System:     c.System,
		Cameras:    c.Cameras,
		Topology:   c.Topology,
		Crossing:   c.Crossing,
		Scoring:    c.Scoring,
		Thresholds: c.Thresholds,
		Storage:    c.Storage,
		Queue:      c.Queue,
		EventBus:   c.EventBus,
		Classes:    c.Classes,
		Services:   c.Services,
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := "# re-identification pipeline configuration\n# auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the config file for changes and reloads on write.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers fn to be called after every successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	c.Topology = newCfg.Topology
	c.Crossing = newCfg.Crossing
	c.Scoring = newCfg.Scoring
	c.Thresholds = newCfg.Thresholds
	c.Storage = newCfg.Storage
	c.Queue = newCfg.Queue
	c.EventBus = newCfg.EventBus
	c.Classes = newCfg.Classes
	c.Services = newCfg.Services
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a camera by id, or nil if unknown.
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// UpsertCamera adds or replaces a camera and persists the change.
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera deletes a camera by id and persists the change.
func (c *Config) RemoveCamera(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("camera not found: %s", id)
}

// TopologyEdgeFor returns the configured edge between two cameras, checking
// both directions, or nil if no edge is known.
func (c *Config) TopologyEdgeFor(cameraA, cameraB string) *TopologyEdge {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Topology {
		e := &c.Topology[i]
		if (e.CameraA == cameraA && e.CameraB == cameraB) || (e.CameraA == cameraB && e.CameraB == cameraA) {
			return e
		}
	}
	return nil
}

// SetPath sets the path used by Save/Watch.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path.
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults fills in the defaults named in the configuration
// table for every option the document leaves unset.
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "text"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "/data"
	}
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = "127.0.0.1:6379"
	}
	if c.Queue.Concurrency == nil {
		c.Queue.Concurrency = map[string]int{"critical": 10, "default": 5, "low": 2}
	}
	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = 4222
	}
	if c.Services.DetectorAddr == "" {
		c.Services.DetectorAddr = "127.0.0.1:8081"
	}
	if c.Services.EmbedderAddr == "" {
		c.Services.EmbedderAddr = "127.0.0.1:8082"
	}
	if c.Services.ClipStoreAddr == "" {
		c.Services.ClipStoreAddr = "127.0.0.1:8083"
	}
	if c.Services.PTZAddr == "" {
		c.Services.PTZAddr = "127.0.0.1:8084"
	}
	if c.Services.PTZFrameAddr == "" {
		c.Services.PTZFrameAddr = c.Services.PTZAddr
	}

	d := &c.Thresholds
	setDefaultF(&d.InferenceConf, 0.08)
	setDefaultF(&d.MinClipDurationSec, 2.0)
	setDefaultF(&d.IoUMergeThreshold, 0.35)
	setDefaultF(&d.IoUMinNearest, 0.20)
	setDefaultF(&d.StitchMaxGapSec, 3.0)
	setDefaultF(&d.JumpMultiplier, 3.0)
	if d.MinSegmentFrames == 0 {
		d.MinSegmentFrames = 3
	}
	setDefaultF(&d.MatchThreshold, 0.80)
	setDefaultF(&d.VideoTrackMatchThreshold, 0.60)
	setDefaultF(&d.DirectionMatchThreshold, 0.40)
	setDefaultF(&d.CrossingMatchThreshold, 0.55)
	setDefaultF(&d.DirectionPenalty, 0.7)
	setDefaultF(&d.DirectionVeto, 0.3)
	if d.MinTrajPoints == 0 {
		d.MinTrajPoints = 5
	}
	setDefaultF(&d.MinTrajDurationSec, 0.3)

	dw := &c.Scoring.Direction
	setDefaultF(&dw.Temporal, 0.30)
	setDefaultF(&dw.ReID, 0.30)
	setDefaultF(&dw.Color, 0.20)
	setDefaultF(&dw.Size, 0.20)

	cw := &c.Scoring.Crossing
	setDefaultF(&cw.Lane, 0.50)
	setDefaultF(&cw.Temporal, 0.35)
	setDefaultF(&cw.Size, 0.15)

	cow := &c.Scoring.CameraObject
	setDefaultF(&cow.Temporal, 0.35)
	setDefaultF(&cow.ReID, 0.25)
	setDefaultF(&cow.ClassMatch, 0.25)
	if cow.ClassConflictPenalty == 0 {
		cow.ClassConflictPenalty = -0.3
	}
	setDefaultF(&cow.BBoxSize, 0.15)

	if len(c.Classes.NonVehicleClasses) == 0 {
		c.Classes.NonVehicleClasses = []string{"person"}
	}
	if len(c.Classes.CompatibilityGroups) == 0 {
		c.Classes.CompatibilityGroups = [][]string{
			{"atv", "utv", "pickup truck", "suv"},
			{"sedan", "suv", "car"},
			{"box truck", "delivery truck", "truck"},
		}
	}
}

func setDefaultF(field *float64, value float64) {
	if *field == 0 {
		*field = value
	}
}
