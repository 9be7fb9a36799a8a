package locations

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/coordinates"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testNow        = int64(1700000000)
	testServerTime = int64(1699999000)
	testLocalTime  = int64(1699999030)
)

func newTestService(t *testing.T, logger *zap.Logger) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:locations_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Sample{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(testNow, 0).UTC() },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func sampleAt(clientTime int64, lat, long float64) SampleInput {
	return SampleInput{Time: &clientTime, Lat: &lat, Long: &long}
}

func TestSubmitValidatesCorrectsAndQuantizes(t *testing.T) {
	service, db := newTestService(t, nil)
	skew := testLocalTime - testServerTime

	latOnly := 10.0
	missingLong := SampleInput{Time: new(int64), Lat: &latOnly}
	*missingLong.Time = testNow

	inputs := []SampleInput{
		sampleAt(testNow-100+skew, -33.8688, 151.2093),
		sampleAt(testNow-70+skew, 0, 0),
		missingLong,
		sampleAt(testNow+skew, 90.5, 10),
		sampleAt(testNow+skew, 10, -180),
		sampleAt(testNow-15*24*3600+skew, 10, 10),
		sampleAt(testNow-7200+skew, -90, 180),
	}

	results, err := service.Submit(context.Background(), "user-1", inputs, testServerTime, testLocalTime)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}
	for _, rejected := range []int{2, 3, 4, 5} {
		if results[rejected] != nil {
			t.Fatalf("expected sample %d to be rejected, got %+v", rejected, results[rejected])
		}
	}

	expectedTimes := map[int]int64{0: 1699999860, 1: 1699999920, 6: 1699992780}
	for index, expected := range expectedTimes {
		if results[index] == nil {
			t.Fatalf("expected sample %d to be accepted", index)
		}
		if results[index].RecordedAt != expected {
			t.Fatalf("sample %d: expected quantized time %d, got %d", index, expected, results[index].RecordedAt)
		}
		if results[index].Status != StatusUncorrelated {
			t.Fatalf("sample %d: unexpected status %v", index, results[index].Status)
		}
	}
	if results[0].Quadrant != coordinates.QuadrantSouthEast {
		t.Fatalf("expected south-east quadrant, got %d", results[0].Quadrant)
	}
	if results[1].PairCode != 0 || results[1].Quadrant != coordinates.QuadrantNorthEast {
		t.Fatalf("expected origin to encode as zero, got %+v", results[1])
	}

	var stored int64
	if err := db.Model(&Sample{}).Count(&stored).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if stored != 3 {
		t.Fatalf("expected 3 stored samples, got %d", stored)
	}
}

func TestSubmitStoresEverySampleSharingAQuantizedTime(t *testing.T) {
	service, db := newTestService(t, nil)
	ctx := context.Background()

	first, err := service.Submit(ctx, "user-1", []SampleInput{sampleAt(testNow-119, 1, 1)}, testNow, testNow)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := db.Model(&Sample{}).Where("id = ?", first[0].ID).Update("status", StatusFlagged.Code()).Error; err != nil {
		t.Fatalf("failed to flag sample: %v", err)
	}

	second, err := service.Submit(ctx, "user-1", []SampleInput{sampleAt(testNow-101, 45.5, 45.5)}, testNow, testNow)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	returned := second[0]
	if returned == nil || returned.RecordedAt != first[0].RecordedAt {
		t.Fatalf("expected the second sample to be accepted in the same minute, got %+v", returned)
	}

	var stored []Sample
	if err := db.Order("id ASC").Find(&stored).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected both samples stored, got %d", len(stored))
	}
	if stored[0].Status != StatusFlagged {
		t.Fatalf("earlier sample must keep its status, got %v", stored[0].Status)
	}
	if stored[1] != *returned {
		t.Fatalf("accepted result %+v does not describe stored row %+v", *returned, stored[1])
	}
}

func TestSubmitIsAtomic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	service, db := newTestService(t, zap.New(core))

	creates := 0
	if err := db.Callback().Create().Before("gorm:create").Register("test:fail_second", func(tx *gorm.DB) {
		creates++
		if creates == 2 {
			_ = tx.AddError(errors.New("disk full"))
		}
	}); err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	inputs := []SampleInput{
		sampleAt(testNow-600, 1, 1),
		sampleAt(testNow-300, 2, 2),
		sampleAt(testNow-60, 3, 3),
	}
	_, err := service.Submit(context.Background(), "user-1", inputs, testNow, testNow)
	if err == nil {
		t.Fatalf("expected submit to fail")
	}
	if apperr.KindOf(err) != apperr.KindDatabaseError {
		t.Fatalf("expected database error kind, got %s", apperr.KindOf(err))
	}
	if apperr.CodeOf(err) != "locations.submit.insert_failed" {
		t.Fatalf("unexpected error code %q", apperr.CodeOf(err))
	}

	var stored int64
	if err := db.Model(&Sample{}).Count(&stored).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if stored != 0 {
		t.Fatalf("expected rollback to leave no samples, found %d", stored)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one error log, got %d", logs.Len())
	}
}

func TestSubmitRejectsMalformedRequests(t *testing.T) {
	service, _ := newTestService(t, nil)
	valid := []SampleInput{sampleAt(testNow, 1, 1)}

	testCases := []struct {
		name       string
		ownerID    string
		samples    []SampleInput
		serverTime int64
		localTime  int64
		code       string
	}{
		{name: "missing-owner", ownerID: " ", samples: valid, serverTime: testNow, localTime: testNow, code: "locations.submit.missing_user_id"},
		{name: "empty-batch", ownerID: "user-1", serverTime: testNow, localTime: testNow, code: "locations.submit.empty_batch"},
		{name: "missing-probe", ownerID: "user-1", samples: valid, localTime: testNow, code: "locations.submit.missing_time_probe"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Submit(context.Background(), testCase.ownerID, testCase.samples, testCase.serverTime, testCase.localTime)
			if apperr.KindOf(err) != apperr.KindBadRequest {
				t.Fatalf("expected bad request, got %v", err)
			}
			if apperr.CodeOf(err) != testCase.code {
				t.Fatalf("expected code %s, got %s", testCase.code, apperr.CodeOf(err))
			}
		})
	}
}

func TestListPruneAndLatestCorrelated(t *testing.T) {
	service, db := newTestService(t, nil)
	ctx := context.Background()

	if _, ok, err := service.LatestCorrelatedAt(ctx); err != nil || ok {
		t.Fatalf("expected no correlated sample, ok=%v err=%v", ok, err)
	}

	rows := []Sample{
		{UserID: "user-1", RecordedAt: testNow - 3600, Status: StatusNotified},
		{UserID: "user-1", RecordedAt: testNow - 1800, Status: StatusCorrelated},
		{UserID: "user-1", RecordedAt: testNow - 60, Status: StatusUncorrelated},
		{UserID: "user-2", RecordedAt: testNow - 600, Status: StatusFlagged},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	latest, ok, err := service.LatestCorrelatedAt(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a correlated sample, ok=%v err=%v", ok, err)
	}
	if latest.Unix() != testNow-600 {
		t.Fatalf("unexpected latest correlated time %d", latest.Unix())
	}

	listed, err := service.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 3 || listed[0].RecordedAt != testNow-3600 || listed[2].RecordedAt != testNow-60 {
		t.Fatalf("unexpected listing %+v", listed)
	}

	removed, err := service.PruneBefore(ctx, time.Unix(testNow-1000, 0))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 pruned samples, got %d", removed)
	}
	listed, err = service.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one remaining sample, got %d", len(listed))
	}
}

func TestQuantizeFloorsOntoGrid(t *testing.T) {
	testCases := map[int64]int64{0: 0, 59: 0, 60: 60, 119: 60, -1: -60, -60: -60}
	for input, expected := range testCases {
		if got := Quantize(input, 60); got != expected {
			t.Fatalf("Quantize(%d) = %d, want %d", input, got, expected)
		}
	}
}

func TestLatestCorrelatedCountsUnflaggedCorrelatedRows(t *testing.T) {
	service, db := newTestService(t, nil)
	ctx := context.Background()

	rows := []Sample{
		{UserID: "user-1", RecordedAt: testNow - 1200, Status: StatusFlagged},
		{UserID: "user-1", RecordedAt: testNow - 120, Status: StatusCorrelated},
		{UserID: "user-1", RecordedAt: testNow - 60, Status: StatusUncorrelated},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	latest, ok, err := service.LatestCorrelatedAt(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a correlated sample, ok=%v err=%v", ok, err)
	}
	if latest.Unix() != testNow-120 {
		t.Fatalf("expected the correlated row to hold the gate, got %d", latest.Unix())
	}
}
