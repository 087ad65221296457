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

package execlog

import (
	"os/exec"

	"github.com/EnterpriseDB/barman/pkg/management/log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Writing to a LogWriter", func() {
	l := LogWriter{Logger: log.GetLogger()}
	When("it is passed nil", func() {
		n, err := l.Write(nil)
		It("does not crash", func() {
			Expect(n).To(Equal(0))
			Expect(err).To(BeNil())
		})
	})
})

var _ = Describe("Supervising a streaming command", func() {
	It("streams the output and reports the exit status", func() {
		Expect(RunStreaming(exec.Command("sh", "-c", "echo out; echo err >&2"), "sh")).
			To(Succeed())
		Expect(RunStreaming(exec.Command("false"), "false")).ToNot(Succeed())
	})

	It("exposes the pid and waits for termination", func() {
		streaming, err := RunStreamingNoWait(exec.Command("sh", "-c", "exit 0"), "sh")
		Expect(err).ToNot(HaveOccurred())
		Expect(streaming.Pid()).To(BeNumerically(">", 0))
		Expect(streaming.Wait()).To(Succeed())
	})
})
