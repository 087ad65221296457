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

package retention

import (
	"time"

	"github.com/EnterpriseDB/barman/pkg/catalog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var now = time.Date(2021, 6, 15, 12, 0, 0, 0, time.UTC)

func doneBackup(id string, age time.Duration, beginWAL, endWAL string) *catalog.BackupInfo {
	return &catalog.BackupInfo{
		BackupID:  id,
		Status:    catalog.BackupDone,
		Type:      catalog.BackupTypeFull,
		BeginTime: now.Add(-age),
		EndTime:   now.Add(-age).Add(30 * time.Minute),
		BeginWAL:  beginWAL,
		EndWAL:    endWAL,
		Timeline:  1,
	}
}

var _ = Describe("Retention policy parsing", func() {
	It("parses redundancy policies", func() {
		policy, err := ParsePolicy("REDUNDANCY 3")
		Expect(err).ToNot(HaveOccurred())
		Expect(policy.Kind).To(Equal(PolicyRedundancy))
		Expect(policy.Redundancy).To(Equal(3))
	})

	It("parses recovery window policies in every unit", func() {
		tests := map[string]time.Duration{
			"RECOVERY WINDOW OF 7 DAYS":   7 * 24 * time.Hour,
			"RECOVERY WINDOW OF 2 WEEKS":  14 * 24 * time.Hour,
			"RECOVERY WINDOW OF 1 MONTH":  30 * 24 * time.Hour,
			"recovery window of 3 days":   3 * 24 * time.Hour,
		}
		for expression, window := range tests {
			policy, err := ParsePolicy(expression)
			Expect(err).ToNot(HaveOccurred(), expression)
			Expect(policy.Kind).To(Equal(PolicyRecoveryWindow))
			Expect(policy.Window).To(Equal(window))
		}
	})

	It("rejects everything else", func() {
		for _, expression := range []string{
			"", "REDUNDANCY", "REDUNDANCY 0", "RECOVERY WINDOW OF 7 PARSECS", "KEEP 3",
		} {
			_, err := ParsePolicy(expression)
			Expect(err).To(HaveOccurred(), expression)
		}
	})
})

var _ = Describe("Retention classification", func() {
	It("keeps the n newest backups under a redundancy policy", func() {
		policy := &Policy{Kind: PolicyRedundancy, Redundancy: 2}
		backups := []*catalog.BackupInfo{
			doneBackup("b1", 72*time.Hour, "000000010000000000000010", "000000010000000000000011"),
			doneBackup("b2", 48*time.Hour, "000000010000000000000020", "000000010000000000000021"),
			doneBackup("b3", 24*time.Hour, "000000010000000000000030", "000000010000000000000031"),
		}

		result := Classify(now, policy, 0, backups, nil)
		Expect(result.Backups["b1"]).To(Equal(BackupObsolete))
		Expect(result.Backups["b2"]).To(Equal(BackupValid))
		Expect(result.Backups["b3"]).To(Equal(BackupValid))
	})

	It("keeps the newest backup older than the window start", func() {
		policy := &Policy{Kind: PolicyRecoveryWindow, Window: 7 * 24 * time.Hour}
		backups := []*catalog.BackupInfo{
			doneBackup("b14", 14*24*time.Hour, "000000010000000000000010", "000000010000000000000011"),
			doneBackup("b10", 10*24*time.Hour, "000000010000000000000020", "000000010000000000000021"),
			doneBackup("b05", 5*24*time.Hour, "000000010000000000000030", "000000010000000000000031"),
			doneBackup("b01", 1*24*time.Hour, "000000010000000000000040", "000000010000000000000041"),
		}

		result := Classify(now, policy, 2, backups, nil)
		// the -10d backup is the newest one able to serve the whole
		// window, so only the -14d one goes
		Expect(result.Backups["b14"]).To(Equal(BackupObsolete))
		Expect(result.Backups["b10"]).To(Equal(BackupValid))
		Expect(result.Backups["b05"]).To(Equal(BackupValid))
		Expect(result.Backups["b01"]).To(Equal(BackupValid))
	})

	It("never drops below minimum redundancy", func() {
		policy := &Policy{Kind: PolicyRedundancy, Redundancy: 1}
		backups := []*catalog.BackupInfo{
			doneBackup("b1", 72*time.Hour, "000000010000000000000010", "000000010000000000000011"),
			doneBackup("b2", 48*time.Hour, "000000010000000000000020", "000000010000000000000021"),
			doneBackup("b3", 24*time.Hour, "000000010000000000000030", "000000010000000000000031"),
		}

		result := Classify(now, policy, 2, backups, nil)
		Expect(result.FloorApplied).To(BeTrue())
		Expect(result.Backups["b1"]).To(Equal(BackupObsolete))
		Expect(result.Backups["b2"]).To(Equal(BackupValid))
		Expect(result.Backups["b3"]).To(Equal(BackupValid))
	})

	It("honors KEEP pins over the policy", func() {
		policy := &Policy{Kind: PolicyRedundancy, Redundancy: 1}
		pinned := doneBackup("b1", 72*time.Hour,
			"000000010000000000000010", "000000010000000000000011")
		pinned.Keep = catalog.KeepStandalone
		backups := []*catalog.BackupInfo{
			pinned,
			doneBackup("b2", 48*time.Hour, "000000010000000000000020", "000000010000000000000021"),
			doneBackup("b3", 24*time.Hour, "000000010000000000000030", "000000010000000000000031"),
		}

		result := Classify(now, policy, 0, backups, nil)
		Expect(result.Backups["b1"]).To(Equal(BackupKeepStandalone))
		Expect(result.Backups["b2"]).To(Equal(BackupObsolete))
		Expect(result.Backups["b3"]).To(Equal(BackupValid))
	})

	It("judges block-level chains through their root", func() {
		policy := &Policy{Kind: PolicyRedundancy, Redundancy: 1}
		root := doneBackup("b1", 72*time.Hour,
			"000000010000000000000010", "000000010000000000000011")
		child := doneBackup("b2", 48*time.Hour,
			"000000010000000000000020", "000000010000000000000021")
		child.Type = catalog.BackupTypeIncrementalBlock
		child.ParentBackupID = "b1"
		newest := doneBackup("b3", 24*time.Hour,
			"000000010000000000000030", "000000010000000000000031")

		result := Classify(now, policy, 0, []*catalog.BackupInfo{root, child, newest}, nil)
		Expect(result.Backups["b1"]).To(Equal(BackupObsolete))
		Expect(result.Backups["b2"]).To(Equal(BackupObsolete))
		Expect(result.Backups["b3"]).To(Equal(BackupValid))
	})

	It("classifies WAL files against the retained range", func() {
		policy := &Policy{Kind: PolicyRedundancy, Redundancy: 1}
		backups := []*catalog.BackupInfo{
			doneBackup("b1", 48*time.Hour, "000000010000000000000010", "000000010000000000000011"),
			doneBackup("b2", 24*time.Hour, "000000010000000000000020", "000000010000000000000021"),
		}
		walEntries := []catalog.WALFileEntry{
			{Name: "000000010000000000000005"},
			{Name: "000000010000000000000015"},
			{Name: "000000010000000000000025"},
			{Name: "00000001.history"},
		}

		result := Classify(now, policy, 0, backups, walEntries)
		Expect(result.WALs["000000010000000000000005"]).To(Equal(WALReclaim))
		Expect(result.WALs["000000010000000000000015"]).To(Equal(WALReclaim))
		Expect(result.WALs["000000010000000000000025"]).To(Equal(WALRetain))
		Expect(result.WALs["00000001.history"]).To(Equal(WALRetain))
	})

	It("retains the standalone range of a pinned backup", func() {
		policy := &Policy{Kind: PolicyRedundancy, Redundancy: 1}
		pinned := doneBackup("b1", 48*time.Hour,
			"000000010000000000000010", "000000010000000000000012")
		pinned.Keep = catalog.KeepStandalone
		backups := []*catalog.BackupInfo{
			pinned,
			doneBackup("b2", 24*time.Hour, "000000010000000000000020", "000000010000000000000021"),
		}
		walEntries := []catalog.WALFileEntry{
			{Name: "000000010000000000000005"},
			{Name: "000000010000000000000011"},
			{Name: "000000010000000000000015"},
		}

		result := Classify(now, policy, 0, backups, walEntries)
		Expect(result.WALs["000000010000000000000005"]).To(Equal(WALReclaim))
		Expect(result.WALs["000000010000000000000011"]).To(Equal(WALRetain))
		Expect(result.WALs["000000010000000000000015"]).To(Equal(WALReclaim))
	})

	It("is idempotent over the same snapshot", func() {
		policy := &Policy{Kind: PolicyRecoveryWindow, Window: 7 * 24 * time.Hour}
		backups := []*catalog.BackupInfo{
			doneBackup("b14", 14*24*time.Hour, "000000010000000000000010", "000000010000000000000011"),
			doneBackup("b05", 5*24*time.Hour, "000000010000000000000030", "000000010000000000000031"),
		}
		walEntries := []catalog.WALFileEntry{
			{Name: "000000010000000000000005"},
			{Name: "000000010000000000000030"},
		}

		first := Classify(now, policy, 0, backups, walEntries)
		second := Classify(now, policy, 0, backups, walEntries)
		Expect(second).To(Equal(first))
	})
})
