package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Beacon515L/Rastel/internal/coordinates"
	"github.com/Beacon515L/Rastel/internal/locations"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testResolution = 60

func newTestCodec(t *testing.T) *coordinates.Codec {
	t.Helper()
	codec, err := coordinates.NewCodec(coordinates.DefaultScale)
	require.NoError(t, err)
	return codec
}

func encodedSample(t *testing.T, codec *coordinates.Codec, recordedAt int64, lat, long float64, status locations.Status) locations.Sample {
	t.Helper()
	encoded, err := codec.Encode(lat, long)
	require.NoError(t, err)
	return locations.Sample{RecordedAt: recordedAt, PairCode: encoded.PairCode, Quadrant: encoded.Quadrant, Status: status}
}

func TestMergeClaimsLocalEntriesAndRebuildsUnknownOnes(t *testing.T) {
	codec := newTestCodec(t)
	local := []Entry{
		{Time: 500, Lat: 1, Long: 1, Status: locations.StatusCorrelated},
		{Time: 1000, Lat: 51.5007, Long: -0.1246, Status: locations.StatusLocalOnly},
		{Time: 1075, Lat: 51.5008, Long: -0.1247, Status: locations.StatusLocalOnly},
		{Time: 1200, Lat: 51.5009, Long: -0.1248, Status: locations.StatusLocalOnly},
	}
	server := []locations.Sample{
		encodedSample(t, codec, 960, 51.5007, -0.1246, locations.StatusUncorrelated),
		encodedSample(t, codec, 1020, 51.5008, -0.1247, locations.StatusFlagged),
		encodedSample(t, codec, 2000, -33.8568, 151.2153, locations.StatusCorrelated),
	}
	lat, long, err := codec.Decode(server[2].Encoded())
	require.NoError(t, err)

	merged, err := Merge(codec, testResolution, local, server, 30)
	require.NoError(t, err)

	expected := []Entry{
		{Time: 1000, Lat: 51.5007, Long: -0.1246, Status: locations.StatusUncorrelated},
		{Time: 1075, Lat: 51.5008, Long: -0.1247, Status: locations.StatusFlagged},
		{Time: 2030, Lat: lat, Long: long, Status: locations.StatusCorrelated},
		{Time: 1200, Lat: 51.5009, Long: -0.1248, Status: locations.StatusLocalOnlyRejected},
	}
	if diff := cmp.Diff(expected, merged); diff != "" {
		t.Fatalf("merged log mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, locations.StatusLocalOnly, local[1].Status, "inputs must not be modified")
}

func TestMergePrefersSmallestGapThenScanOrder(t *testing.T) {
	codec := newTestCodec(t)
	local := []Entry{
		{Time: 1010, Lat: 1, Status: locations.StatusLocalOnly},
		{Time: 1002, Lat: 2, Status: locations.StatusLocalOnly},
		{Time: 1002, Lat: 3, Status: locations.StatusLocalOnly},
		{Time: 1060, Lat: 4, Status: locations.StatusLocalOnly},
	}
	server := []locations.Sample{encodedSample(t, codec, 1000, 2, 0, locations.StatusCorrelated)}

	merged, err := Merge(codec, testResolution, local, server, 0)
	require.NoError(t, err)

	expected := []Entry{
		{Time: 1002, Lat: 2, Status: locations.StatusCorrelated},
		{Time: 1010, Lat: 1, Status: locations.StatusLocalOnlyRejected},
		{Time: 1002, Lat: 3, Status: locations.StatusLocalOnlyRejected},
		{Time: 1060, Lat: 4, Status: locations.StatusLocalOnlyRejected},
	}
	if diff := cmp.Diff(expected, merged); diff != "" {
		t.Fatalf("merged log mismatch (-want +got):\n%s", diff)
	}
}

func TestMergePrefersMatchingCoordinateWithinTheWindow(t *testing.T) {
	codec := newTestCodec(t)
	local := []Entry{
		{Time: 1005, Lat: 1, Long: 1, Status: locations.StatusFlagged},
		{Time: 1010, Lat: 45.5, Long: 45.5, Status: locations.StatusLocalOnly},
	}
	server := []locations.Sample{encodedSample(t, codec, 1000, 45.5, 45.5, locations.StatusUncorrelated)}

	merged, err := Merge(codec, testResolution, local, server, 0)
	require.NoError(t, err)

	expected := []Entry{{Time: 1010, Lat: 45.5, Long: 45.5, Status: locations.StatusUncorrelated}}
	if diff := cmp.Diff(expected, merged); diff != "" {
		t.Fatalf("merged log mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileKeepsFlaggedEntrySharingATimeBucket(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	cache, _ := newTestCache(t)
	require.NoError(t, cache.Store(ctx, []Entry{{Time: 1005, Lat: 1, Long: 1, Status: locations.StatusFlagged}}))
	require.NoError(t, cache.Record(ctx, 45.5, 45.5, 1010))

	reconciler, err := NewReconciler(ReconcilerConfig{Cache: cache, Codec: codec, Resolution: time.Minute})
	require.NoError(t, err)
	server := []locations.Sample{encodedSample(t, codec, 1000, 45.5, 45.5, locations.StatusUncorrelated)}

	result, err := reconciler.Reconcile(ctx, server, 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.Changed)

	stored, err := cache.Load(ctx)
	require.NoError(t, err)
	expected := []Entry{
		{Time: 1005, Lat: 1, Long: 1, Status: locations.StatusFlagged},
		{Time: 1010, Lat: 45.5, Long: 45.5, Status: locations.StatusUncorrelated},
	}
	if diff := cmp.Diff(expected, stored); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeAllowsOneLocalEntryToBeClaimedTwice(t *testing.T) {
	codec := newTestCodec(t)
	local := []Entry{{Time: 1030, Lat: 5, Status: locations.StatusLocalOnly}}
	server := []locations.Sample{
		encodedSample(t, codec, 1000, 5, 0, locations.StatusCorrelated),
		encodedSample(t, codec, 1020, 5, 0, locations.StatusFlagged),
	}

	merged, err := Merge(codec, testResolution, local, server, 0)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.Equal(t, int64(1030), merged[0].Time)
	require.Equal(t, int64(1030), merged[1].Time)
	require.Equal(t, locations.StatusFlagged, merged[1].Status)
}

func TestMergeTreatsServerLocalOnlyAsRejected(t *testing.T) {
	codec := newTestCodec(t)
	server := []locations.Sample{encodedSample(t, codec, 1000, 5, 5, locations.StatusLocalOnly)}

	merged, err := Merge(codec, testResolution, nil, server, 0)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, locations.StatusLocalOnlyRejected, merged[0].Status)
}

func TestMergeRejectsUndecodableServerEntry(t *testing.T) {
	codec := newTestCodec(t)
	server := []locations.Sample{{RecordedAt: 1000, PairCode: 1, Quadrant: coordinates.Quadrant(2)}}

	_, err := Merge(codec, testResolution, nil, server, 0)
	require.Error(t, err)
}

func newTestCache(t *testing.T) (*GormCache, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:client_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Entry{}, &Credential{}))
	cache, err := NewGormCache(db)
	require.NoError(t, err)
	return cache, db
}

func TestReconcileIsIdempotentOnceNothingIsLocalOnly(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(t)
	cache, _ := newTestCache(t)
	require.NoError(t, cache.Store(ctx, []Entry{{Time: 500, Lat: 1, Long: 1, Status: locations.StatusCorrelated}}))
	require.NoError(t, cache.Record(ctx, 51.5007, -0.1246, 1000))
	require.NoError(t, cache.Record(ctx, 51.5008, -0.1247, 1075))
	require.NoError(t, cache.Record(ctx, 51.5009, -0.1248, 1200))

	reconciler, err := NewReconciler(ReconcilerConfig{Cache: cache, Codec: codec, Resolution: time.Minute})
	require.NoError(t, err)
	server := []locations.Sample{
		encodedSample(t, codec, 960, 51.5007, -0.1246, locations.StatusUncorrelated),
		encodedSample(t, codec, 1020, 51.5008, -0.1247, locations.StatusFlagged),
		encodedSample(t, codec, 2000, -33.8568, 151.2153, locations.StatusCorrelated),
	}

	first, err := reconciler.Reconcile(ctx, server, 30)
	require.NoError(t, err)
	require.Equal(t, 4, first.Changed)

	pending, err := cache.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "no entry of the exchange may remain LOCAL_ONLY")

	before, err := cache.Load(ctx)
	require.NoError(t, err)
	require.Len(t, before, 5)

	second, err := reconciler.Reconcile(ctx, server, 30)
	require.NoError(t, err)
	require.Zero(t, second.Changed)

	after, err := cache.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("second reconciliation changed the cache (-before +after):\n%s", diff)
	}

	third, err := reconciler.Reconcile(ctx, server, 30)
	require.NoError(t, err)
	require.Zero(t, third.Changed)
	if diff := cmp.Diff(second.Merged, third.Merged); diff != "" {
		t.Fatalf("repeat reconciliation differs (-second +third):\n%s", diff)
	}
}

func TestGormCacheStoresToken(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	token, err := cache.LoadToken(ctx)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, cache.SaveToken(ctx, "first"))
	require.NoError(t, cache.SaveToken(ctx, "second"))
	token, err = cache.LoadToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", token)
}
