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

// leadingDigits returns the decimal prefix of a string
func leadingDigits(value string) string {
	for idx, c := range value {
		if c < '0' || c > '9' {
			return value[:idx]
		}
	}
	return value
}

// GetPostgresVersionFromTag parses a PostgreSQL version string (such
// as "14.2", "9.6.3" or "15beta1") into the numeric form reported by
// server_version_num
func GetPostgresVersionFromTag(tag string) (int, error) {
	fields := strings.Split(tag, ".")

	majorDigits := leadingDigits(fields[0])
	if majorDigits == "" {
		return 0, fmt.Errorf("version not parsable: %q", tag)
	}
	major, err := strconv.Atoi(majorDigits)
	if err != nil {
		return 0, fmt.Errorf("version not parsable: %q", tag)
	}

	if len(fields) == 1 {
		// a bare major version below 10 is ambiguous
		if major < 10 {
			return 0, fmt.Errorf("version not parsable: %q", tag)
		}
		return major * 10000, nil
	}

	minorDigits := leadingDigits(fields[1])
	if minorDigits == "" {
		return 0, fmt.Errorf("version not parsable: %q", tag)
	}
	minor, err := strconv.Atoi(minorDigits)
	if err != nil {
		return 0, fmt.Errorf("version not parsable: %q", tag)
	}

	if major >= 10 {
		return major*10000 + minor, nil
	}

	patch := 0
	if len(fields) >= 3 {
		if patchDigits := leadingDigits(fields[2]); patchDigits != "" {
			patch, err = strconv.Atoi(patchDigits)
			if err != nil {
				return 0, fmt.Errorf("version not parsable: %q", tag)
			}
		}
	}
	return major*10000 + minor*100 + patch, nil
}

// GetPostgresMajorVersion gets the major version from a numeric
// version: version 10 and beyond encode the major in the first digits
// only
func GetPostgresMajorVersion(version int) int {
	if version >= 100000 {
		return version / 10000 * 10000
	}
	return version / 100 * 100
}

// MajorVersionString renders the major version of a numeric version in
// the form users expect ("14", "9.6")
func MajorVersionString(version int) string {
	if version >= 100000 {
		return strconv.Itoa(version / 10000)
	}
	return fmt.Sprintf("%d.%d", version/10000, version%10000/100)
}
