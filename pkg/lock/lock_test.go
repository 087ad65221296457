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

package lock

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Advisory locks", func() {
	It("acquires and releases a scope", func() {
		dir := GinkgoT().TempDir()
		held, err := TryAcquire(dir, "main", ScopeBackup)
		Expect(err).ToNot(HaveOccurred())
		Expect(held.Scope()).To(Equal(ScopeBackup))
		Expect(held.Release()).To(Succeed())
	})

	It("does not conflict across scopes or servers", func() {
		dir := GinkgoT().TempDir()
		backupLock, err := TryAcquire(dir, "main", ScopeBackup)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = backupLock.Release() }()

		archiveLock, err := TryAcquire(dir, "main", ScopeArchive)
		Expect(err).ToNot(HaveOccurred())
		Expect(archiveLock.Release()).To(Succeed())

		otherServer, err := TryAcquire(dir, "other", ScopeBackup)
		Expect(err).ToNot(HaveOccurred())
		Expect(otherServer.Release()).To(Succeed())
	})

	It("blocks in Acquire until the holder releases", func() {
		dir := GinkgoT().TempDir()
		held, err := TryAcquire(dir, "main", ScopeArchive)
		Expect(err).ToNot(HaveOccurred())

		acquired := make(chan error, 1)
		go func() {
			late, err := Acquire(context.Background(), dir, "main", ScopeArchive)
			if err == nil {
				_ = late.Release()
			}
			acquired <- err
		}()

		Consistently(acquired, 300*time.Millisecond).ShouldNot(Receive())
		Expect(held.Release()).To(Succeed())
		Eventually(acquired, 5*time.Second).Should(Receive(BeNil()))
	})

	It("gives up on a cancelled context", func() {
		dir := GinkgoT().TempDir()
		held, err := TryAcquire(dir, "main", ScopeServer)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = held.Release() }()

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err = Acquire(ctx, dir, "main", ScopeServer)
		Expect(err).To(HaveOccurred())
	})

	It("tolerates releasing a nil lock", func() {
		var empty *Lock
		Expect(empty.Release()).To(Succeed())
	})
})
