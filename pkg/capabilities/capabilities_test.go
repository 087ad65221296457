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

package capabilities

import (
	"github.com/blang/semver"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Detecting the helper capabilities", func() {
	It("handles missing helpers", func() {
		capabilities := Detect(nil, nil, nil)
		Expect(capabilities.HasRsync).To(BeFalse())
		Expect(capabilities.HasPgReceiveWAL).To(BeFalse())
		Expect(capabilities.HasServerCompression).To(BeFalse())
		Expect(capabilities.HasBlockIncremental).To(BeFalse())
	})

	It("gates server-side compression on pg_basebackup 15", func() {
		old, err := semver.ParseTolerant("14.2")
		Expect(err).ToNot(HaveOccurred())
		capabilities := Detect(nil, &old, nil)
		Expect(capabilities.HasServerCompression).To(BeFalse())

		modern, err := semver.ParseTolerant("15.1")
		Expect(err).ToNot(HaveOccurred())
		capabilities = Detect(nil, &modern, nil)
		Expect(capabilities.HasServerCompression).To(BeTrue())
		Expect(capabilities.HasBlockIncremental).To(BeFalse())
	})

	It("gates block-level incremental backups on pg_basebackup 17", func() {
		version, err := semver.ParseTolerant("17.0")
		Expect(err).ToNot(HaveOccurred())
		capabilities := Detect(nil, &version, nil)
		Expect(capabilities.HasBlockIncremental).To(BeTrue())
	})

	It("reports the presence of the streaming helpers", func() {
		version, err := semver.ParseTolerant("3.2.7")
		Expect(err).ToNot(HaveOccurred())
		capabilities := Detect(&version, nil, &version)
		Expect(capabilities.HasRsync).To(BeTrue())
		Expect(capabilities.HasPgReceiveWAL).To(BeTrue())
	})
})
