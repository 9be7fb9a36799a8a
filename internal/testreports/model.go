package testreports

// Bounds of the test type codes accepted by the API.
const (
	MinType = 0
	MaxType = 3
)

// Report is a user's recorded test result. All times are server-corrected unix seconds.
type Report struct {
	ID                   int64  `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	UserID               string `gorm:"column:user_id;size:190;not null;index:idx_test_reports_user_positive,priority:1" json:"-"`
	Type                 int    `gorm:"column:test_type;not null" json:"type"`
	Positive             bool   `gorm:"column:positive;not null;index:idx_test_reports_user_positive,priority:2" json:"positive"`
	TimeTaken            int64  `gorm:"column:time_taken_s;not null" json:"timeTaken"`
	TimeResultReceived   int64  `gorm:"column:time_result_received_s;not null" json:"timeResultReceived"`
	TimeLeavingIsolation *int64 `gorm:"column:time_leaving_isolation_s" json:"timeLeavingIsolation,omitempty"`
}

// TableName binds Report to its table.
func (Report) TableName() string {
	return "test_reports"
}

// Input is a client-submitted report in client clock time. Pointers mark required fields.
type Input struct {
	Type                 *int   `json:"type"`
	Positive             bool   `json:"positive"`
	TimeTaken            *int64 `json:"timeTaken"`
	TimeResultReceived   *int64 `json:"timeResultReceived"`
	TimeLeavingIsolation *int64 `json:"timeLeavingIsolation,omitempty"`
}
