package testreports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:testreports_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Report{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestRecordCorrectsClientClock(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	input := Input{
		Type:                 intPtr(1),
		Positive:             true,
		TimeTaken:            int64Ptr(1700000100),
		TimeResultReceived:   int64Ptr(1700086500),
		TimeLeavingIsolation: int64Ptr(1700604900),
	}
	report, err := service.Record(ctx, "user-1", input, 1700000000, 1700000100)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if report.TimeTaken != 1700000000 || report.TimeResultReceived != 1700086400 {
		t.Fatalf("unexpected corrected times %+v", report)
	}
	if report.TimeLeavingIsolation == nil || *report.TimeLeavingIsolation != 1700604800 {
		t.Fatalf("unexpected isolation release %v", report.TimeLeavingIsolation)
	}

	reports, err := service.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(reports) != 1 || !reports[0].Positive || reports[0].Type != 1 {
		t.Fatalf("unexpected reports %+v", reports)
	}
	if others, err := service.List(ctx, "user-2"); err != nil || len(others) != 0 {
		t.Fatalf("expected no reports for another user, got %v %v", others, err)
	}
}

func TestRecordRejectsInvalidReports(t *testing.T) {
	service := newTestService(t)

	testCases := []struct {
		name  string
		input Input
		code  string
	}{
		{
			name:  "missing-type",
			input: Input{TimeTaken: int64Ptr(10), TimeResultReceived: int64Ptr(20)},
			code:  "testreports.record.missing_field",
		},
		{
			name:  "missing-taken",
			input: Input{Type: intPtr(0), TimeResultReceived: int64Ptr(20)},
			code:  "testreports.record.missing_field",
		},
		{
			name:  "type-out-of-range",
			input: Input{Type: intPtr(4), TimeTaken: int64Ptr(10), TimeResultReceived: int64Ptr(20)},
			code:  "testreports.record.invalid_type",
		},
		{
			name:  "result-before-test",
			input: Input{Type: intPtr(2), TimeTaken: int64Ptr(30), TimeResultReceived: int64Ptr(20)},
			code:  "testreports.record.result_before_test",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Record(context.Background(), "user-1", testCase.input, 100, 100)
			if apperr.KindOf(err) != apperr.KindBadRequest {
				t.Fatalf("expected bad request, got %v", err)
			}
			if apperr.CodeOf(err) != testCase.code {
				t.Fatalf("expected %s, got %s", testCase.code, apperr.CodeOf(err))
			}
		})
	}
}
