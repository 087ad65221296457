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

package errs

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Exit code mapping", func() {
	It("maps nil to success", func() {
		Expect(ExitCode(nil)).To(Equal(ExitSuccess))
	})

	It("distinguishes connection failures", func() {
		err := &ConnectionError{Op: "connect", Err: errors.New("refused")}
		Expect(ExitCode(err)).To(Equal(ExitConnection))
		Expect(ExitCode(fmt.Errorf("wrapped: %w", err))).To(Equal(ExitConnection))
	})

	It("distinguishes input errors", func() {
		Expect(ExitCode(Inputf("bad name"))).To(Equal(ExitInput))
		Expect(ExitCode(Configurationf("missing option"))).To(Equal(ExitInput))
	})

	It("distinguishes lock contention", func() {
		Expect(ExitCode(&LockBusyError{Scope: "backup"})).To(Equal(ExitLockBusy))
	})

	It("falls back to the generic failure code", func() {
		Expect(ExitCode(errors.New("anything else"))).To(Equal(ExitFailure))
		Expect(ExitCode(&DuplicationError{WALName: "000000010000000000000001"})).
			To(Equal(ExitFailure))
	})
})

var _ = Describe("Error rendering", func() {
	It("keeps the taxonomy readable", func() {
		Expect((&ProtocolError{Op: "backup stop", Detail: "boom"}).Error()).
			To(ContainSubstring("backup stop"))
		Expect((&RetentionViolationError{BackupID: "x", Reason: "pinned"}).Error()).
			To(ContainSubstring("pinned"))
		Expect((&UnsupportedOperationError{Op: "incremental", Reason: "snapshot mode"}).Error()).
			To(ContainSubstring("incremental"))
	})

	It("unwraps the wrapped cause", func() {
		cause := errors.New("root cause")
		err := &ConnectionError{Op: "probe", Err: cause}
		Expect(errors.Is(err, cause)).To(BeTrue())
	})
})
