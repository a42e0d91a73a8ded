package pair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type fakeLocationProvider struct {
	mutex sync.Mutex

	granted     bool
	canAskAgain bool
	location    *Location
	battery     int
	geocodeErr  error
}

func newFakeLocationProvider(latitude float64, longitude float64, address string) *fakeLocationProvider {
	return &fakeLocationProvider{
		granted: true,
		location: &Location{
			Latitude:  latitude,
			Longitude: longitude,
			Address:   address,
		},
		battery: 75,
	}
}

func (self *fakeLocationProvider) setLocation(latitude float64, longitude float64, address string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.location = &Location{
		Latitude:  latitude,
		Longitude: longitude,
		Address:   address,
	}
}

func (self *fakeLocationProvider) CheckPermission(ctx context.Context) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.granted, nil
}

func (self *fakeLocationProvider) RequestPermission(ctx context.Context) (*Permission, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return &Permission{
		Granted:     self.granted,
		CanAskAgain: self.canAskAgain,
	}, nil
}

func (self *fakeLocationProvider) GetCurrentLocation(ctx context.Context, highAccuracy bool) (*Location, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	location := *self.location
	return &location, nil
}

func (self *fakeLocationProvider) ReverseGeocode(ctx context.Context, latitude float64, longitude float64, force bool) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.geocodeErr != nil {
		return "", self.geocodeErr
	}
	return self.location.Address, nil
}

func (self *fakeLocationProvider) BatteryLevel(ctx context.Context) (int, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.battery, nil
}

// about `meters` north of the given latitude
func latitudeOffset(latitude float64, meters float64) float64 {
	return latitude + meters/111320.0
}

func newTestReporter(ctx context.Context, store RemoteStore, connections *ConnectionStore, provider LocationProvider, clock *testClock) *LocationReporter {
	reporter := NewLocationReporterWithDefaults(ctx, store, connections, provider)
	reporter.now = clock.Now
	return reporter
}

func TestReportFansOutToSharingRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	userC := seedAccount(store, "carol", "5550000003")
	abId, _ := seedPair(ctx, t, store, userA, userB, clock.Now())
	acId, _ := seedPair(ctx, t, store, userA, userC, clock.Now())

	// sharing with carol is off
	_, err := store.Update(ctx, TableConnections, Filter{
		"connection_id": acId.String(),
	}, map[string]any{
		"location_sharing_enabled": false,
	})
	assert.Equal(t, nil, err)

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()
	assert.Equal(t, nil, connectionStore.Refresh(ctx))

	provider := newFakeLocationProvider(37.0, -122.0, "home")
	reporter := newTestReporter(ctx, store, connectionStore, provider, clock)
	assert.Equal(t, nil, reporter.reportOnce(ctx))

	abRows, err := store.Query(ctx, TableConnections, Filter{
		"connection_id": abId.String(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 37.0, abRows[0]["latitude"])
	assert.Equal(t, "home", abRows[0]["address"])
	assert.Equal(t, 75.0, abRows[0]["battery_percent"])

	acRows, err := store.Query(ctx, TableConnections, Filter{
		"connection_id": acId.String(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, acRows[0]["latitude"])
}

func TestStationarySuppression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	abId, _ := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()
	assert.Equal(t, nil, connectionStore.Refresh(ctx))

	provider := newFakeLocationProvider(37.0, -122.0, "home")
	reporter := newTestReporter(ctx, store, connectionStore, provider, clock)

	assert.Equal(t, nil, reporter.reportOnce(ctx))
	firstTime, ok := connectionRowTime(ctx, t, store, abId)
	assert.Equal(t, true, ok)

	// 25m away inside the window is suppressed
	clock.Advance(10 * time.Minute)
	provider.setLocation(latitudeOffset(37.0, 25), -122.0, "home")
	assert.Equal(t, nil, reporter.reportOnce(ctx))
	secondTime, _ := connectionRowTime(ctx, t, store, abId)
	assert.Equal(t, true, secondTime.Equal(firstTime))

	// 50m away writes
	clock.Advance(10 * time.Minute)
	provider.setLocation(latitudeOffset(37.0, 50), -122.0, "park")
	assert.Equal(t, nil, reporter.reportOnce(ctx))
	thirdTime, _ := connectionRowTime(ctx, t, store, abId)
	assert.Equal(t, false, thirdTime.Equal(firstTime))

	// and a stationary device writes again once the window lapses
	clock.Advance(2 * time.Hour)
	assert.Equal(t, nil, reporter.reportOnce(ctx))
	fourthTime, _ := connectionRowTime(ctx, t, store, abId)
	assert.Equal(t, false, fourthTime.Equal(thirdTime))
}

func connectionRowTime(ctx context.Context, t *testing.T, store *MemoryStore, connectionId Id) (time.Time, bool) {
	rows, err := store.Query(ctx, TableConnections, Filter{
		"connection_id": connectionId.String(),
	})
	if err != nil || len(rows) != 1 {
		t.Fatalf("row lookup failed: %v", err)
	}
	return rowTime(rows[0], "location_updated_at")
}

func TestBootstrapSeedsEmptyReverseRowOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	_, baId := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()
	assert.Equal(t, nil, connectionStore.Refresh(ctx))

	// the pair was just created in person, bob has not reported yet.
	// alice's report seeds his empty row with her fix as a stand-in.
	provider := newFakeLocationProvider(37.0, -122.0, "cafe")
	reporter := newTestReporter(ctx, store, connectionStore, provider, clock)
	assert.Equal(t, nil, reporter.reportOnce(ctx))

	baRows, err := store.Query(ctx, TableConnections, Filter{
		"connection_id": baId.String(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 37.0, baRows[0]["latitude"])

	// once bob reports for real the bootstrap never overwrites
	bobTime := clock.Now().Add(time.Minute)
	_, err = store.Update(ctx, TableConnections, Filter{
		"connection_id": baId.String(),
	}, map[string]any{
		"latitude":            38.0,
		"longitude":           -121.0,
		"location_updated_at": bobTime,
	})
	assert.Equal(t, nil, err)

	clock.Advance(2 * time.Hour)
	provider.setLocation(39.0, -120.0, "work")
	assert.Equal(t, nil, connectionStore.Refresh(ctx))
	assert.Equal(t, nil, reporter.reportOnce(ctx))

	baRows, err = store.Query(ctx, TableConnections, Filter{
		"connection_id": baId.String(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 38.0, baRows[0]["latitude"])
}

func TestReportPermissionDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()

	provider := newFakeLocationProvider(37.0, -122.0, "home")
	provider.granted = false
	reporter := newTestReporter(ctx, store, connectionStore, provider, clock)

	err := reporter.reportOnce(ctx)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))
}

func TestGeocodeFailureFallsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newTestClock()
	store := newTestStore(ctx, clock)
	defer store.Close()

	userA := seedAccount(store, "alice", "5550000001")
	userB := seedAccount(store, "bob", "5550000002")
	abId, _ := seedPair(ctx, t, store, userA, userB, clock.Now())

	connectionStore := newTestConnectionStore(ctx, userA.UserId, store, clock)
	defer connectionStore.Close()
	assert.Equal(t, nil, connectionStore.Refresh(ctx))

	provider := newFakeLocationProvider(37.0, -122.0, "home")
	provider.geocodeErr = errors.New("geocoder down")
	reporter := newTestReporter(ctx, store, connectionStore, provider, clock)

	// the fix's own address stands in for the failed geocode
	assert.Equal(t, nil, reporter.reportOnce(ctx))
	abRows, err := store.Query(ctx, TableConnections, Filter{
		"connection_id": abId.String(),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "home", abRows[0]["address"])
	assert.Equal(t, 37.0, abRows[0]["latitude"])
}

func TestDistanceMeters(t *testing.T) {
	// one degree of latitude is about 111km
	d := distanceMeters(37.0, -122.0, 38.0, -122.0)
	assert.Equal(t, true, 110000 < d && d < 112000)

	assert.Equal(t, 0.0, distanceMeters(37.0, -122.0, 37.0, -122.0))

	d = distanceMeters(37.0, -122.0, latitudeOffset(37.0, 25), -122.0)
	assert.Equal(t, true, 24 < d && d < 26)
}
