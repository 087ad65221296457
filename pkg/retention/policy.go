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

// Package retention classifies every backup and every WAL file of a
// server as retained or reclaimable, then drives the reclamation.
// The policy expression is parsed once to an algebraic value and
// evaluated against a catalog snapshot.
package retention

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/EnterpriseDB/barman/pkg/errs"
)

// PolicyKind is the algebraic shape of a retention policy
type PolicyKind int

// The policy kinds
const (
	// PolicyRedundancy keeps the n newest DONE backups
	PolicyRedundancy PolicyKind = iota
	// PolicyRecoveryWindow keeps everything needed to reach any
	// instant in the window ending now
	PolicyRecoveryWindow
)

// Policy is a parsed retention policy expression
type Policy struct {
	Kind       PolicyKind
	Redundancy int
	Window     time.Duration
}

var (
	redundancyRegex = regexp.MustCompile(`(?i)^REDUNDANCY\s+(\d+)$`)
	windowRegex     = regexp.MustCompile(`(?i)^RECOVERY\s+WINDOW\s+OF\s+(\d+)\s+(DAYS?|WEEKS?|MONTHS?)$`)
)

// ParsePolicy parses a retention policy expression:
// "REDUNDANCY n" or "RECOVERY WINDOW OF n {DAYS|WEEKS|MONTHS}"
func ParsePolicy(expression string) (*Policy, error) {
	expression = strings.TrimSpace(expression)

	if matches := redundancyRegex.FindStringSubmatch(expression); matches != nil {
		redundancy, err := strconv.Atoi(matches[1])
		if err != nil || redundancy < 1 {
			return nil, errs.Configurationf("invalid redundancy in %q", expression)
		}
		return &Policy{Kind: PolicyRedundancy, Redundancy: redundancy}, nil
	}

	if matches := windowRegex.FindStringSubmatch(expression); matches != nil {
		amount, err := strconv.Atoi(matches[1])
		if err != nil || amount < 1 {
			return nil, errs.Configurationf("invalid window in %q", expression)
		}
		var unit time.Duration
		switch strings.ToUpper(matches[2])[0] {
		case 'D':
			unit = 24 * time.Hour
		case 'W':
			unit = 7 * 24 * time.Hour
		case 'M':
			unit = 30 * 24 * time.Hour
		}
		return &Policy{Kind: PolicyRecoveryWindow, Window: time.Duration(amount) * unit}, nil
	}

	return nil, errs.Configurationf("unparsable retention policy %q", expression)
}
