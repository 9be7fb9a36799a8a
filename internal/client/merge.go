package client

import (
	"fmt"

	"github.com/Beacon515L/Rastel/internal/coordinates"
	"github.com/Beacon515L/Rastel/internal/locations"
)

// Merge folds the server's canonical entries for one exchange into the local cache contents.
//
// A server entry claims the local entry whose time is at least the server time shifted by
// clockOffset and less than one resolution step past it. Within that window an entry whose
// coordinate encodes to the server's coordinate is preferred, so a sample in the same time
// bucket at another place is never handed the wrong status. Among equally eligible entries the
// smallest gap wins and then the earliest position in localLogs. A claimed entry keeps its local time and coordinates and
// takes the server status. An unclaimed server entry is rebuilt from its encoded coordinate
// at its server time shifted by clockOffset. Local entries still LOCAL_ONLY afterwards were
// not acknowledged and are appended as LOCAL_ONLY_REJECTED.
//
// A local entry can be claimed by more than one server entry; it then appears once per claim.
// Neither input is modified.
func Merge(codec *coordinates.Codec, resolution int64, localLogs []Entry, serverLogs []locations.Sample, clockOffset int64) ([]Entry, error) {
	if codec == nil {
		return nil, errMissingCodec
	}
	if resolution <= 0 {
		return nil, errBadResolution
	}

	localCodes := make([]coordinates.Encoded, len(localLogs))
	encodable := make([]bool, len(localLogs))
	for localIndex, localLog := range localLogs {
		encoded, err := codec.Encode(localLog.Lat, localLog.Long)
		if err == nil {
			localCodes[localIndex] = encoded
			encodable[localIndex] = true
		}
	}

	claimed := make([]bool, len(localLogs))
	merged := make([]Entry, 0, len(serverLogs)+len(localLogs))
	for index, serverLog := range serverLogs {
		status := serverStatus(serverLog.Status)

		serverCode := serverLog.Encoded()
		candidate, sameCandidate := -1, -1
		smallest, sameSmallest := resolution, resolution
		for localIndex, localLog := range localLogs {
			delta := localLog.Time - serverLog.RecordedAt - clockOffset
			if delta < 0 || delta >= resolution {
				continue
			}
			if delta < smallest {
				candidate = localIndex
				smallest = delta
			}
			if encodable[localIndex] && localCodes[localIndex] == serverCode && delta < sameSmallest {
				sameCandidate = localIndex
				sameSmallest = delta
			}
		}
		if sameCandidate >= 0 {
			candidate = sameCandidate
		}

		if candidate >= 0 {
			claimed[candidate] = true
			entry := localLogs[candidate]
			entry.Status = status
			merged = append(merged, entry)
			continue
		}

		lat, long, err := codec.Decode(serverLog.Encoded())
		if err != nil {
			return nil, fmt.Errorf("server entry %d at %d: %w", index, serverLog.RecordedAt, err)
		}
		merged = append(merged, Entry{
			Time:   serverLog.RecordedAt + clockOffset,
			Lat:    lat,
			Long:   long,
			Status: status,
		})
	}

	for localIndex, localLog := range localLogs {
		if claimed[localIndex] || localLog.Status != locations.StatusLocalOnly {
			continue
		}
		localLog.Status = locations.StatusLocalOnlyRejected
		merged = append(merged, localLog)
	}
	return merged, nil
}

// serverStatus maps a status received from the server onto the statuses a merged entry may
// carry. The server never reports LOCAL_ONLY; if it does, the entry is treated as rejected so
// it is never sent again.
func serverStatus(status locations.Status) locations.Status {
	if status == locations.StatusLocalOnly {
		return locations.StatusLocalOnlyRejected
	}
	return status
}
