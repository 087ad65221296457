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
	"strconv"
	"strings"
)

// LSN is a string composed by two 32-bit hexadecimal numbers, separated
// by a "/", as PostgreSQL renders a pg_lsn value
type LSN string

// Parse converts an LSN to a 64-bit WAL stream offset
func (lsn LSN) Parse() (int64, error) {
	components := strings.Split(string(lsn), "/")
	if len(components) != 2 {
		return 0, fmt.Errorf("error parsing LSN %s", lsn)
	}

	segment, err := strconv.ParseInt(components[0], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing LSN %s: %w", lsn, err)
	}

	displacement, err := strconv.ParseInt(components[1], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing LSN %s: %w", lsn, err)
	}

	return segment<<32 + displacement, nil
}

// Diff returns the difference in bytes between two LSNs, or nil when
// one of them cannot be parsed
func (lsn LSN) Diff(other LSN) *int64 {
	lsnValue, err := lsn.Parse()
	if err != nil {
		return nil
	}
	otherValue, err := other.Parse()
	if err != nil {
		return nil
	}

	result := lsnValue - otherValue
	return &result
}

// Less compares two LSNs, returning true when this one precedes the
// other in the WAL stream. Unparsable LSNs sort first.
func (lsn LSN) Less(other LSN) bool {
	lsnValue, err := lsn.Parse()
	if err != nil {
		return true
	}
	otherValue, err := other.Parse()
	if err != nil {
		return false
	}
	return lsnValue < otherValue
}

// Int64ToLSN renders a 64-bit WAL stream offset in the pg_lsn format
func Int64ToLSN(value int64) LSN {
	return LSN(fmt.Sprintf("%X/%X", value>>32, value&0xFFFFFFFF))
}
