package locations

import "github.com/Beacon515L/Rastel/internal/coordinates"

// Sample is one stored location sample. Coordinates are only ever held in encoded form and
// RecordedAt is always a multiple of the configured resolution.
type Sample struct {
	ID         int64                `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	UserID     string               `gorm:"column:user_id;size:190;not null;index:idx_location_samples_owner_time,priority:1" json:"-"`
	RecordedAt int64                `gorm:"column:recorded_at_s;not null;index:idx_location_samples_owner_time,priority:2;index:idx_location_samples_place_time,priority:3" json:"time"`
	PairCode   uint64               `gorm:"column:pair_code;not null;index:idx_location_samples_place_time,priority:1" json:"pairCode"`
	Quadrant   coordinates.Quadrant `gorm:"column:quadrant;not null;index:idx_location_samples_place_time,priority:2" json:"quadrant"`
	Status     Status               `gorm:"column:status;not null;default:0;index:idx_location_samples_status" json:"status"`
}

// TableName binds Sample to its table.
func (Sample) TableName() string {
	return "location_samples"
}

// Encoded returns the sample's coordinate in codec form.
func (s Sample) Encoded() coordinates.Encoded {
	return coordinates.Encoded{PairCode: s.PairCode, Quadrant: s.Quadrant}
}

// SampleInput is a client-submitted sample before validation. Fields are pointers so an
// absent field can be told apart from a zero coordinate.
type SampleInput struct {
	Time *int64   `json:"time"`
	Lat  *float64 `json:"lat"`
	Long *float64 `json:"long"`
}

// Quantize floors t onto the resolution grid.
func Quantize(t, resolution int64) int64 {
	q := t / resolution
	if t%resolution != 0 && t < 0 {
		q--
	}
	return q * resolution
}
