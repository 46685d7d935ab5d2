// Package ptz drives pan-tilt-zoom cameras through a caller-supplied
// Driver: visual grid calibration that learns the pixel-to-pan/tilt mapping
// for a camera pair, and absolute targeting that turns a bbox in one
// camera's frame into a pan/tilt command for another. No ONVIF wire
// protocol is implemented here; Driver is consumed as a Go interface only,
// in the shape of a reolink-style camera's Pan/Tilt/Zoom/Stop methods.
package ptz

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is a PTZ camera's current position, ONVIF-normalized to [-1, 1]
// on every axis.
type Status struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// Driver is the inbound PTZ interface: velocity-based relative moves for
// calibration, an absolute move for targeting, and a status read.
// Implementations talk to whatever wire protocol the camera actually
// speaks (ONVIF, a vendor SDK) -- that plumbing is out of scope here,
// collapsed to the four operations the calibrator and targeter need.
type Driver interface {
	// Move issues a continuous pan/tilt velocity command. Velocities are
	// in [-1, 1]; 0 means hold that axis still. The camera keeps moving
	// until Stop is called or the driver's own safety timeout fires.
	Move(ctx context.Context, cameraID string, panVelocity, tiltVelocity float64) error
	// Stop halts any in-progress motion.
	Stop(ctx context.Context, cameraID string) error
	// AbsoluteMove drives the camera directly to a pan/tilt (and
	// optionally zoom) position.
	AbsoluteMove(ctx context.Context, cameraID string, pan, tilt float64, zoom *float64) error
	// GetStatus reads the camera's current position.
	GetStatus(ctx context.Context, cameraID string) (Status, error)
}

// connEntry tracks one camera's cached PTZ "connection" -- in practice
// just the bookkeeping (last-use time, in-flight lock) Driver
// implementations need to avoid re-establishing a session on every call.
type connEntry struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// ConnectionCache serializes motion commands per camera and expires idle
// entries after ttl, matching the "PTZ connection per camera is
// cached for 5 minutes, with a mutex preventing concurrent issue of
// motion commands to the same PTZ." Driver itself is stateless from this
// package's point of view (no wire connection to pool), so the cache
// holds only the per-camera mutex and an idle-expiry clock; a
// Redis-backed TTL cache doesn't fit a non-serializable in-process lock,
// so this is a plain map+mutex built on the standard library.
type ConnectionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*connEntry
}

// DefaultConnectionTTL is the idle lifetime of a cached PTZ connection
// entry.
const DefaultConnectionTTL = 5 * time.Minute

// NewConnectionCache builds a connection cache. ttl <= 0 uses
// DefaultConnectionTTL.
func NewConnectionCache(ttl time.Duration) *ConnectionCache {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &ConnectionCache{ttl: ttl, entries: make(map[string]*connEntry)}
}

// WithLock runs fn while holding the exclusive lock for cameraID,
// creating or refreshing its cache entry first and sweeping any entries
// that have been idle past ttl.
func (c *ConnectionCache) WithLock(cameraID string, fn func() error) error {
	c.mu.Lock()
	c.sweepLocked()
	entry, ok := c.entries[cameraID]
	if !ok {
		entry = &connEntry{}
		c.entries[cameraID] = entry
	}
	entry.lastUsed = time.Now()
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn()
}

func (c *ConnectionCache) sweepLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for id, entry := range c.entries {
		if entry.lastUsed.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}

// lockedDriver wraps a Driver so every call is serialized per camera
// through a ConnectionCache, so no two motion commands for the same PTZ
// ever race each other.
type lockedDriver struct {
	inner Driver
	conns *ConnectionCache
}

// NewLockedDriver wraps driver so every call it makes is serialized per
// camera ID through conns.
func NewLockedDriver(driver Driver, conns *ConnectionCache) Driver {
	return &lockedDriver{inner: driver, conns: conns}
}

func (d *lockedDriver) Move(ctx context.Context, cameraID string, panVelocity, tiltVelocity float64) error {
	var err error
	lockErr := d.conns.WithLock(cameraID, func() error {
		err = d.inner.Move(ctx, cameraID, panVelocity, tiltVelocity)
		return nil
	})
	if lockErr != nil {
		return lockErr
	}
	if err != nil {
		return fmt.Errorf("ptz move %s: %w", cameraID, err)
	}
	return nil
}

func (d *lockedDriver) Stop(ctx context.Context, cameraID string) error {
	var err error
	lockErr := d.conns.WithLock(cameraID, func() error {
		err = d.inner.Stop(ctx, cameraID)
		return nil
	})
	if lockErr != nil {
		return lockErr
	}
	if err != nil {
		return fmt.Errorf("ptz stop %s: %w", cameraID, err)
	}
	return nil
}

func (d *lockedDriver) AbsoluteMove(ctx context.Context, cameraID string, pan, tilt float64, zoom *float64) error {
	var err error
	lockErr := d.conns.WithLock(cameraID, func() error {
		err = d.inner.AbsoluteMove(ctx, cameraID, pan, tilt, zoom)
		return nil
	})
	if lockErr != nil {
		return lockErr
	}
	if err != nil {
		return fmt.Errorf("ptz absolute move %s: %w", cameraID, err)
	}
	return nil
}

func (d *lockedDriver) GetStatus(ctx context.Context, cameraID string) (Status, error) {
	var status Status
	var err error
	lockErr := d.conns.WithLock(cameraID, func() error {
		status, err = d.inner.GetStatus(ctx, cameraID)
		return nil
	})
	if lockErr != nil {
		return Status{}, lockErr
	}
	if err != nil {
		return Status{}, fmt.Errorf("ptz get status %s: %w", cameraID, err)
	}
	return status, nil
}
