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

package hook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/EnterpriseDB/barman/pkg/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// scriptServer builds a server descriptor carrying the passed hook
// configuration
func scriptServer(hooks map[string]string) *config.ServerConfig {
	return &config.ServerConfig{Name: "main", Hooks: hooks}
}

var _ = Describe("Hook script dispatcher", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("does nothing when no script is configured", func() {
		dispatcher := NewDispatcher(scriptServer(nil))
		Expect(dispatcher.Fire(ctx, PhasePre, EventBackup, Env{})).To(Succeed())
	})

	It("ignores failures of standard scripts", func() {
		dispatcher := NewDispatcher(scriptServer(map[string]string{
			"pre_backup_script": "false",
		}))
		Expect(dispatcher.Fire(ctx, PhasePre, EventBackup, Env{})).To(Succeed())
	})

	It("passes the documented environment to the scripts", func() {
		dir := GinkgoT().TempDir()
		marker := filepath.Join(dir, "env")
		dispatcher := NewDispatcher(scriptServer(map[string]string{
			"pre_archive_script": fmt.Sprintf("sh -c 'env > %s'", marker),
		}))

		env := ArchiveEnv("000000010000000000000001", "/path", 16777216, 0, "gzip")
		Expect(dispatcher.Fire(ctx, PhasePre, EventArchive, env)).To(Succeed())

		content, err := os.ReadFile(marker)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("BARMAN_SERVER=main"))
		Expect(string(content)).To(ContainSubstring("BARMAN_PHASE=pre"))
		Expect(string(content)).To(ContainSubstring("BARMAN_SEGMENT=000000010000000000000001"))
		Expect(string(content)).To(ContainSubstring("BARMAN_COMPRESSION=gzip"))
	})

	It("aborts the event when a pre retry script returns ABORT_STOP", func() {
		dispatcher := NewDispatcher(scriptServer(map[string]string{
			"pre_backup_retry_script": "sh -c 'exit 63'",
		}))
		err := dispatcher.Fire(ctx, PhasePre, EventBackup, Env{})
		Expect(err).To(Equal(ErrAborted))
	})

	It("proceeds when a retry script returns ABORT_CONTINUE", func() {
		dispatcher := NewDispatcher(scriptServer(map[string]string{
			"pre_backup_retry_script": "sh -c 'exit 62'",
		}))
		Expect(dispatcher.Fire(ctx, PhasePre, EventBackup, Env{})).To(Succeed())
	})

	It("treats ABORT_STOP as ABORT_CONTINUE in a post hook", func() {
		dispatcher := NewDispatcher(scriptServer(map[string]string{
			"post_backup_retry_script": "sh -c 'exit 63'",
		}))
		Expect(dispatcher.Fire(ctx, PhasePost, EventBackup, Env{})).To(Succeed())
	})

	It("re-invokes a retry script until it reports a meaningful code", func() {
		dir := GinkgoT().TempDir()
		counter := filepath.Join(dir, "count")
		// fail twice, then succeed
		script := fmt.Sprintf(
			"sh -c 'n=$(cat %s 2>/dev/null || echo 0); n=$((n+1)); echo $n > %s; [ $n -ge 3 ]'",
			counter, counter)
		dispatcher := NewDispatcher(scriptServer(map[string]string{
			"pre_delete_retry_script": script,
		}))

		Expect(dispatcher.Fire(ctx, PhasePre, EventDelete, Env{})).To(Succeed())
		content, err := os.ReadFile(counter)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(Equal("3\n"))
	})
})
