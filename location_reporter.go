package pair

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
)

// supplies device coordinates, permission state, battery level and
// reverse-geocoded addresses. implemented by the host platform.
type LocationProvider interface {
	CheckPermission(ctx context.Context) (bool, error)
	RequestPermission(ctx context.Context) (*Permission, error)
	GetCurrentLocation(ctx context.Context, highAccuracy bool) (*Location, error)
	// `force` bypasses any geocode cache
	ReverseGeocode(ctx context.Context, latitude float64, longitude float64, force bool) (string, error)
	BatteryLevel(ctx context.Context) (int, error)
}

type Permission struct {
	Granted     bool
	CanAskAgain bool
}

var ErrPermissionDenied = errors.New("location permission denied")

// pushes the user's location to the rows other users read, on a fixed
// interval and on demand. a stationary device writes at most once per
// suppression window, which bounds write volume.

type LocationReporterSettings struct {
	ReportInterval time.Duration

	// skip the write when the device stayed inside the radius since
	// the last report, for up to the window
	SuppressionWindow       time.Duration
	SuppressionRadiusMeters float64

	HighAccuracy bool
}

func DefaultLocationReporterSettings() *LocationReporterSettings {
	return &LocationReporterSettings{
		ReportInterval:          45 * time.Minute,
		SuppressionWindow:       1 * time.Hour,
		SuppressionRadiusMeters: 30,
		HighAccuracy:            true,
	}
}

type reportBaseline struct {
	latitude   float64
	longitude  float64
	reportTime time.Time
}

type LocationReporter struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       RemoteStore
	connections *ConnectionStore
	provider    LocationProvider

	settings *LocationReporterSettings
	now      func() time.Time

	kick chan struct{}

	stateLock sync.Mutex
	baseline  *reportBaseline

	startOnce sync.Once
}

func NewLocationReporterWithDefaults(
	ctx context.Context,
	store RemoteStore,
	connections *ConnectionStore,
	provider LocationProvider,
) *LocationReporter {
	return NewLocationReporter(ctx, store, connections, provider, DefaultLocationReporterSettings())
}

func NewLocationReporter(
	ctx context.Context,
	store RemoteStore,
	connections *ConnectionStore,
	provider LocationProvider,
	settings *LocationReporterSettings,
) *LocationReporter {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LocationReporter{
		ctx:         cancelCtx,
		cancel:      cancel,
		store:       store,
		connections: connections,
		provider:    provider,
		settings:    settings,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
	}
}

func (self *LocationReporter) Start() {
	self.startOnce.Do(func() {
		go self.run()
	})
}

// push on the next loop pass, skipping the interval wait. call when
// sharing is enabled or a connection is created or accepted.
func (self *LocationReporter) ReportNow() {
	select {
	case self.kick <- struct{}{}:
	default:
	}
}

func (self *LocationReporter) Stop() {
	self.cancel()
}

func (self *LocationReporter) run() {
	defer self.cancel()

	ticker := time.NewTicker(self.settings.ReportInterval)
	defer ticker.Stop()

	for {
		// a failed report does not crash the interval. the next tick
		// retries independently.
		if err := self.reportOnce(self.ctx); err != nil {
			glog.V(2).Infof("[lr]report = %s\n", err)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		case <-self.kick:
		}
	}
}

func (self *LocationReporter) reportOnce(ctx context.Context) error {
	granted, err := self.provider.CheckPermission(ctx)
	if err != nil {
		return err
	}
	if !granted {
		permission, err := self.provider.RequestPermission(ctx)
		if err != nil {
			return err
		}
		if !permission.Granted {
			// the host surfaces a settings deep link when
			// `CanAskAgain` is false
			return ErrPermissionDenied
		}
	}

	location, err := self.provider.GetCurrentLocation(ctx, self.settings.HighAccuracy)
	if err != nil {
		return err
	}
	// always force a fresh geocode so the address tracks the fix
	address, err := self.provider.ReverseGeocode(ctx, location.Latitude, location.Longitude, true)
	if err != nil {
		glog.V(2).Infof("[lr]geocode = %s\n", err)
		address = location.Address
	}
	var batteryPercent *int
	if percent, err := self.provider.BatteryLevel(ctx); err == nil {
		batteryPercent = &percent
	} else {
		glog.V(2).Infof("[lr]battery = %s\n", err)
	}

	now := self.now()

	self.stateLock.Lock()
	baseline := self.baseline
	self.stateLock.Unlock()
	if baseline != nil &&
		distanceMeters(baseline.latitude, baseline.longitude, location.Latitude, location.Longitude) <= self.settings.SuppressionRadiusMeters &&
		now.Sub(baseline.reportTime) < self.settings.SuppressionWindow {
		glog.V(2).Infof("[lr]suppress stationary\n")
		return nil
	}

	payload := map[string]any{
		"latitude":            location.Latitude,
		"longitude":           location.Longitude,
		"address":             address,
		"location_updated_at": now,
	}
	if batteryPercent != nil {
		payload["battery_percent"] = *batteryPercent
	}

	userId := self.connections.UserId()
	writeCount := 0
	for _, connection := range self.connections.Connections() {
		if !connection.LocationSharingEnabled {
			continue
		}
		if _, err := self.store.Update(ctx, TableConnections, Filter{
			"connection_id": connection.ConnectionId.String(),
		}, payload); err != nil {
			glog.Infof("[lr]write %s = %s\n", connection.ConnectionId, err)
			continue
		}
		writeCount += 1

		// first-contact bootstrap: seed the reverse row only when it
		// has no location at all. its freshness is otherwise the
		// peer's own responsibility.
		if connection.Location() == nil {
			self.bootstrapReverseRow(ctx, userId, connection.PeerUserId, payload)
		}
	}

	if 0 < writeCount {
		self.stateLock.Lock()
		self.baseline = &reportBaseline{
			latitude:   location.Latitude,
			longitude:  location.Longitude,
			reportTime: now,
		}
		self.stateLock.Unlock()
		glog.V(2).Infof("[lr]report n=%d\n", writeCount)
	}
	return nil
}

func (self *LocationReporter) bootstrapReverseRow(ctx context.Context, userId Id, peerUserId Id, payload map[string]any) {
	reverseFilter := pairFilter(peerUserId, userId)
	rows, err := self.store.Query(ctx, TableConnections, reverseFilter)
	if err != nil || len(rows) == 0 {
		return
	}
	if rows[0]["latitude"] != nil {
		// already populated, never overwrite
		return
	}
	if _, err := self.store.Update(ctx, TableConnections, reverseFilter, payload); err != nil {
		glog.Infof("[lr]bootstrap %s = %s\n", peerUserId, err)
	}
}

const earthRadiusMeters = 6371000.0

func distanceMeters(latitudeA float64, longitudeA float64, latitudeB float64, longitudeB float64) float64 {
	phiA := latitudeA * math.Pi / 180
	phiB := latitudeB * math.Pi / 180
	dPhi := (latitudeB - latitudeA) * math.Pi / 180
	dLambda := (longitudeB - longitudeA) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phiA)*math.Cos(phiB)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
