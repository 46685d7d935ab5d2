// Package camera manages the static registry of known cameras: their
// position, bearing, field of view, and optional PTZ range. Cameras are
// operator-configured, not auto-discovered, and change rarely compared to
// the video/track/identity data the rest of the pipeline produces.
package camera

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/groundtruth-studio/reid-pipeline/internal/config"
	"github.com/groundtruth-studio/reid-pipeline/internal/store"
)

// Camera is a camera's persisted state, combining the static config fields
// with bookkeeping columns tracked in the database.
type Camera struct {
	ID            string     `json:"id"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	BearingDeg    float64    `json:"bearing_deg"`
	FOVAngleDeg   float64    `json:"fov_angle_deg"`
	FOVRangeM     float64    `json:"fov_range_m"`
	PTZ           *config.PTZConfig `json:"ptz,omitempty"`
	ONVIFEndpoint string     `json:"onvif_endpoint,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Service manages the camera registry, keeping the config document (the
// source of truth for operators editing YAML by hand) and the database
// (the source of truth for joins against tracks and links) in sync.
type Service struct {
	db     *store.DB
	cfg    *config.Config
	logger *slog.Logger
}

// NewService creates a camera registry service.
func NewService(db *store.DB, cfg *config.Config) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		logger: slog.Default().With("component", "camera-service"),
	}
}

// Start syncs the config's camera list into the database and registers an
// OnChange callback that re-runs the sync after every config hot reload.
// Call it once at startup.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("syncing camera registry from config")
	if err := s.syncFromConfig(ctx); err != nil {
		return fmt.Errorf("sync cameras from config: %w", err)
	}
	s.cfg.OnChange(func(c *config.Config) {
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.syncFromConfig(syncCtx); err != nil {
			s.logger.Error("camera resync after config reload failed", "error", err)
		}
	})
	return nil
}

func (s *Service) syncFromConfig(ctx context.Context) error {
	for _, camCfg := range s.cfg.Cameras {
		if err := s.upsertDB(ctx, camCfg); err != nil {
			s.logger.Error("failed to sync camera to database", "camera", camCfg.ID, "error", err)
			continue
		}
	}
	return nil
}

// List returns every camera in the registry.
func (s *Service) List(ctx context.Context) ([]*Camera, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, bearing_deg, fov_angle_deg, fov_range_m,
		       is_ptz, ptz_pan_range_deg, ptz_home_bearing_deg, onvif_endpoint,
		       created_at, updated_at
		FROM cameras
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []*Camera
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// Get returns a single camera by ID.
func (s *Service) Get(ctx context.Context, id string) (*Camera, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, latitude, longitude, bearing_deg, fov_angle_deg, fov_range_m,
		       is_ptz, ptz_pan_range_deg, ptz_home_bearing_deg, onvif_endpoint,
		       created_at, updated_at
		FROM cameras WHERE id = ?
	`, id)

	cam, err := scanCamera(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("camera not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return cam, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row scanner) (*Camera, error) {
	cam := &Camera{}
	var isPTZ int
	var panRange, homeBearing sql.NullFloat64
	var onvif sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&cam.ID, &cam.Latitude, &cam.Longitude, &cam.BearingDeg,
		&cam.FOVAngleDeg, &cam.FOVRangeM, &isPTZ, &panRange, &homeBearing,
		&onvif, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if isPTZ != 0 {
		cam.PTZ = &config.PTZConfig{}
		if panRange.Valid {
			cam.PTZ.PanRangeDeg = panRange.Float64
		}
		if homeBearing.Valid {
			cam.PTZ.HomeBearingDeg = homeBearing.Float64
		}
	}
	cam.ONVIFEndpoint = onvif.String
	cam.CreatedAt = time.Unix(createdAt, 0)
	cam.UpdatedAt = time.Unix(updatedAt, 0)

	return cam, nil
}

// Create adds a new camera to both the config document and the database.
func (s *Service) Create(ctx context.Context, camCfg config.CameraConfig) (*Camera, error) {
	if camCfg.ID == "" {
		camCfg.ID = generateCameraID()
	}

	if err := s.cfg.UpsertCamera(camCfg); err != nil {
		return nil, fmt.Errorf("save camera config: %w", err)
	}

	if err := s.upsertDB(ctx, camCfg); err != nil {
		return nil, fmt.Errorf("save camera to database: %w", err)
	}

	return s.Get(ctx, camCfg.ID)
}

// Update replaces a camera's static config fields.
func (s *Service) Update(ctx context.Context, id string, camCfg config.CameraConfig) (*Camera, error) {
	if s.cfg.GetCamera(id) == nil {
		return nil, fmt.Errorf("camera not found: %s", id)
	}
	camCfg.ID = id

	if err := s.cfg.UpsertCamera(camCfg); err != nil {
		return nil, fmt.Errorf("update camera config: %w", err)
	}
	if err := s.upsertDB(ctx, camCfg); err != nil {
		return nil, fmt.Errorf("update camera in database: %w", err)
	}

	return s.Get(ctx, id)
}

// Delete removes a camera from the config and database. It succeeds as
// long as the camera existed in at least one of the two stores.
func (s *Service) Delete(ctx context.Context, id string) error {
	cfgErr := s.cfg.RemoveCamera(id)

	result, dbErr := s.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
	var rowsAffected int64
	if dbErr == nil {
		rowsAffected, _ = result.RowsAffected()
	}

	if cfgErr != nil && rowsAffected == 0 {
		return fmt.Errorf("camera not found: %s", id)
	}
	return nil
}

// GetConfig returns the operator-editable config record for a camera.
func (s *Service) GetConfig(id string) (*config.CameraConfig, error) {
	cfg := s.cfg.GetCamera(id)
	if cfg == nil {
		return nil, fmt.Errorf("camera not found: %s", id)
	}
	return cfg, nil
}

func (s *Service) upsertDB(ctx context.Context, camCfg config.CameraConfig) error {
	isPTZ := 0
	var panRange, homeBearing interface{}
	if camCfg.PTZ != nil {
		isPTZ = 1
		panRange = camCfg.PTZ.PanRangeDeg
		homeBearing = camCfg.PTZ.HomeBearingDeg
	}

	var onvif interface{}
	if camCfg.ONVIFEndpoint != "" {
		onvif = camCfg.ONVIFEndpoint
	}

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (
			id, latitude, longitude, bearing_deg, fov_angle_deg, fov_range_m,
			is_ptz, ptz_pan_range_deg, ptz_home_bearing_deg, onvif_endpoint,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			bearing_deg = excluded.bearing_deg,
			fov_angle_deg = excluded.fov_angle_deg,
			fov_range_m = excluded.fov_range_m,
			is_ptz = excluded.is_ptz,
			ptz_pan_range_deg = excluded.ptz_pan_range_deg,
			ptz_home_bearing_deg = excluded.ptz_home_bearing_deg,
			onvif_endpoint = excluded.onvif_endpoint,
			updated_at = excluded.updated_at
	`, camCfg.ID, camCfg.Latitude, camCfg.Longitude, camCfg.BearingDeg,
		camCfg.FOVAngleDeg, camCfg.FOVRangeM, isPTZ, panRange, homeBearing,
		onvif, now, now)
	return err
}

func generateCameraID() string {
	return fmt.Sprintf("cam_%s", uuid.New().String()[:8])
}
