/*
Copyright The Barman Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"fmt"
	"regexp"
	"strconv"
)

// DefaultWALSegmentSize is the default size of a WAL segment file
const DefaultWALSegmentSize = int64(1 << 24)

// PartialSuffix marks a segment still being streamed by the receiver
const PartialSuffix = ".partial"

var (
	segmentNameRegex = regexp.MustCompile(`^([0-9A-F]{8})([0-9A-F]{8})([0-9A-F]{8})$`)
	historyNameRegex = regexp.MustCompile(`^([0-9A-F]{8})\.history$`)
	backupNameRegex  = regexp.MustCompile(`^[0-9A-F]{24}\.[0-9A-F]{8}\.backup$`)
)

// Segment contains the timeline, log and segment number of a WAL file
type Segment struct {
	Tli uint32
	Log uint32
	Seg uint32
}

// Name returns the 24-hex-digit name of the segment
func (segment Segment) Name() string {
	return fmt.Sprintf("%08X%08X%08X", segment.Tli, segment.Log, segment.Seg)
}

// PrefixName returns the first 16 hex digits of the segment name, used
// as the bucket directory inside the WAL archive
func (segment Segment) PrefixName() string {
	return fmt.Sprintf("%08X%08X", segment.Tli, segment.Log)
}

// SegmentFromName retrieves the timeline, log and segment number from
// a 24-hex-digit WAL segment name. History and backup label files are
// rejected.
func SegmentFromName(name string) (Segment, error) {
	matches := segmentNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return Segment{}, fmt.Errorf("invalid WAL segment name %q", name)
	}

	tli, err := strconv.ParseUint(matches[1], 16, 32)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid timeline in %q: %w", name, err)
	}
	log, err := strconv.ParseUint(matches[2], 16, 32)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid log in %q: %w", name, err)
	}
	seg, err := strconv.ParseUint(matches[3], 16, 32)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid segment in %q: %w", name, err)
	}

	return Segment{Tli: uint32(tli), Log: uint32(log), Seg: uint32(seg)}, nil
}

// MustSegmentFromName is like SegmentFromName but panics on invalid
// names. To be used only on literals.
func MustSegmentFromName(name string) Segment {
	segment, err := SegmentFromName(name)
	if err != nil {
		panic(err)
	}
	return segment
}

// IsWALSegmentName tells whether a file name is a legal WAL segment name
func IsWALSegmentName(name string) bool {
	return segmentNameRegex.MatchString(name)
}

// IsHistoryFileName tells whether a file name is a timeline history file
func IsHistoryFileName(name string) bool {
	return historyNameRegex.MatchString(name)
}

// IsBackupFileName tells whether a file name is a backup label file
func IsBackupFileName(name string) bool {
	return backupNameRegex.MatchString(name)
}

// TimelineFromHistoryFileName extracts the timeline id declared by a
// history file name
func TimelineFromHistoryFileName(name string) (uint32, error) {
	matches := historyNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return 0, fmt.Errorf("invalid history file name %q", name)
	}
	tli, err := strconv.ParseUint(matches[1], 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(tli), nil
}

// segmentsPerWALLog computes how many segments fit in a WAL "log"
// given the segment size
func segmentsPerWALLog(walSegmentSize int64) uint32 {
	return uint32(int64(0x100000000) / walSegmentSize)
}

// NextSegments generate a list of the next `size` segments starting
// from this one. The WAL segment size and the PostgreSQL version are
// needed because old versions skipped the last segment of every log
// file.
func (segment Segment) NextSegments(size int, version *int, walSegmentSize *int64) []Segment {
	segSize := DefaultWALSegmentSize
	if walSegmentSize != nil {
		segSize = *walSegmentSize
	}
	perLog := segmentsPerWALLog(segSize)

	// PostgreSQL before 9.3 skipped the last segment of every log file
	skipLastSegment := version != nil && *version < 90300

	result := make([]Segment, 0, size)
	current := segment
	for len(result) < size {
		result = append(result, current)

		current = Segment{Tli: current.Tli, Log: current.Log, Seg: current.Seg + 1}
		if current.Seg >= perLog || (skipLastSegment && current.Seg == perLog-1) {
			current = Segment{Tli: current.Tli, Log: current.Log + 1, Seg: 0}
		}
	}

	return result
}

// SegmentFromLSN computes the name of the segment containing the
// passed LSN on the given timeline
func SegmentFromLSN(lsn LSN, timeline uint32, walSegmentSize int64) (Segment, error) {
	value, err := lsn.Parse()
	if err != nil {
		return Segment{}, err
	}

	return Segment{
		Tli: timeline,
		Log: uint32(value >> 32),
		Seg: uint32((value & 0xFFFFFFFF) / walSegmentSize),
	}, nil
}

// SegmentRange enumerates every segment between begin and end
// inclusive, on the begin segment's timeline
func SegmentRange(begin, end Segment) ([]Segment, error) {
	if begin.Tli != end.Tli {
		return nil, fmt.Errorf("segment range %s..%s crosses timelines", begin.Name(), end.Name())
	}
	if begin.Log > end.Log || (begin.Log == end.Log && begin.Seg > end.Seg) {
		return nil, fmt.Errorf("segment range %s..%s is inverted", begin.Name(), end.Name())
	}

	perLog := segmentsPerWALLog(DefaultWALSegmentSize)
	var result []Segment
	current := begin
	for {
		result = append(result, current)
		if current == end {
			break
		}
		current.Seg++
		if current.Seg >= perLog {
			current.Log++
			current.Seg = 0
		}
	}
	return result, nil
}
