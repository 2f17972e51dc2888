// Package accessgate tracks whether the current viewer may see a gated
// resource, such as a ticketed segment of a live stream. Visibility is a
// pure function of (restricted, hasGrant, isOwner); the controller only
// folds events into those three inputs.
package accessgate

import (
	"sync"
	"time"

	"github.com/lumenlive/livesync/event"
	"github.com/lumenlive/livesync/util/logger"
	"github.com/lumenlive/livesync/util/metrics"
)

// grant is the per-resource gate state for the current viewer.
type grant struct {
	restricted bool
	hasGrant   bool
	ownerID    string
	grantedAt  time.Time
	revokedAt  time.Time
}

// Controller owns gate state for every resource the viewer has observed.
// Resources with no observed restriction event default to visible, so a UI
// that mounts before its events arrive renders the unrestricted view.
type Controller struct {
	mu        sync.RWMutex
	viewerID  string
	resources map[string]*grant
	logger    *logger.Logger
}

// NewController creates a controller for the given viewer identity.
func NewController(viewerID string) *Controller {
	return &Controller{
		viewerID:  viewerID,
		resources: make(map[string]*grant),
		logger:    logger.NewLogger("AccessGate"),
	}
}

// HandleEvent consumes gate events from the router.
func (c *Controller) HandleEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindGateRestricted:
		c.ModeChanged(ev.Resource, true, ev.Str("ownerId"))
	case event.KindGateUnrestricted:
		c.RestrictedModeEnded(ev.Resource)
	case event.KindGateGranted:
		c.GrantReceived(ev.Resource)
	default:
		c.logger.Debugf("Ignoring event kind %s", ev.Kind)
	}
}

// ModeChanged records the resource entering or leaving restricted mode. An
// existing grant survives re-entry into restricted mode within the same
// session; only RestrictedModeEnded clears it.
func (c *Controller) ModeChanged(resourceID string, restricted bool, ownerID string) {
	if resourceID == "" {
		c.logger.Warnf("Dropping mode change without resource id")
		metrics.RecordEventDropped("missing_resource")
		return
	}

	c.mu.Lock()
	g := c.ensureLocked(resourceID)
	g.restricted = restricted
	if ownerID != "" {
		g.ownerID = ownerID
	}
	c.mu.Unlock()

	c.logger.Infof("Resource %s restricted=%v", resourceID, restricted)
}

// GrantReceived records that the viewer's entitlement for the resource was
// confirmed. Idempotent: repeats of the same grant are no-ops.
func (c *Controller) GrantReceived(resourceID string) {
	if resourceID == "" {
		c.logger.Warnf("Dropping grant without resource id")
		metrics.RecordEventDropped("missing_resource")
		return
	}

	c.mu.Lock()
	g := c.ensureLocked(resourceID)
	already := g.hasGrant
	if !already {
		g.hasGrant = true
		g.grantedAt = time.Now()
	}
	c.mu.Unlock()

	if already {
		c.logger.Debugf("Duplicate grant for %s, ignoring", resourceID)
		return
	}
	c.logger.Infof("Grant recorded for resource %s", resourceID)
}

// ApplyInitialState seeds a resource from an initial-state fetch at mount
// time. Push events that arrived before the fetch completed are not
// overwritten: an already-recorded grant is kept.
func (c *Controller) ApplyInitialState(resourceID string, restricted, hasGrant bool, ownerID string) {
	if resourceID == "" {
		c.logger.Warnf("Dropping initial state without resource id")
		metrics.RecordEventDropped("missing_resource")
		return
	}

	c.mu.Lock()
	g := c.ensureLocked(resourceID)
	g.restricted = restricted
	if hasGrant && !g.hasGrant {
		g.hasGrant = true
		g.grantedAt = time.Now()
	}
	if ownerID != "" {
		g.ownerID = ownerID
	}
	c.mu.Unlock()

	c.logger.Infof("Initial state for %s: restricted=%v grant=%v", resourceID, restricted, hasGrant)
}

// RestrictedModeEnded restores visibility for everyone and clears the grant
// record; grants do not outlive the restricted window that sold them.
func (c *Controller) RestrictedModeEnded(resourceID string) {
	if resourceID == "" {
		c.logger.Warnf("Dropping unrestrict without resource id")
		metrics.RecordEventDropped("missing_resource")
		return
	}

	c.mu.Lock()
	g := c.ensureLocked(resourceID)
	g.restricted = false
	if g.hasGrant {
		g.hasGrant = false
		g.revokedAt = time.Now()
	}
	c.mu.Unlock()

	c.logger.Infof("Restricted mode ended for resource %s", resourceID)
}

// IsVisible reports whether the viewer may currently see the resource:
// visible iff !restricted || hasGrant || isOwner. Synchronous and always
// answerable — unknown resources are visible.
func (c *Controller) IsVisible(resourceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.resources[resourceID]
	if !ok {
		return true
	}
	return !g.restricted || g.hasGrant || g.ownerID == c.viewerID
}

// HasGrant reports whether the viewer holds a grant for the resource.
func (c *Controller) HasGrant(resourceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.resources[resourceID]
	return ok && g.hasGrant
}

// Reset drops all tracked resources, e.g. when switching streams.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = make(map[string]*grant)
}

func (c *Controller) ensureLocked(resourceID string) *grant {
	g, ok := c.resources[resourceID]
	if !ok {
		g = &grant{}
		c.resources[resourceID] = g
	}
	return g
}
