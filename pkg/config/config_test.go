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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func loadFixture(content string) (*Configuration, error) {
	dir := GinkgoT().TempDir()
	path := filepath.Join(dir, "barman.conf")
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
	return Load(path)
}

var _ = Describe("Configuration loading", func() {
	It("loads the global section and the servers", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman
log_level = debug

[main]
description = the main cluster
conninfo = host=pg1 user=barman
ssh_command = ssh postgres@pg1
retention_policy = REDUNDANCY 3
minimum_redundancy = 1
`)
		Expect(err).ToNot(HaveOccurred())
		Expect(configuration.BarmanHome).To(Equal("/srv/barman"))
		Expect(configuration.LogLevel).To(Equal("debug"))
		Expect(configuration.ServerNames()).To(Equal([]string{"main"}))

		server, err := configuration.Server("main")
		Expect(err).ToNot(HaveOccurred())
		Expect(server.Description).To(Equal("the main cluster"))
		Expect(server.Conninfo).To(Equal("host=pg1 user=barman"))
		Expect(server.RetentionPolicy).To(Equal("REDUNDANCY 3"))
		Expect(server.MinimumRedundancy).To(Equal(1))
		Expect(server.BaseDirectory()).To(Equal("/srv/barman/main"))
		Expect(server.XLogDBPath()).To(Equal("/srv/barman/main/wals/xlog.db"))
	})

	It("applies global values and descriptor defaults in order", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman
compression = gzip

[one]
conninfo = host=one

[two]
conninfo = host=two
compression = zstd
`)
		Expect(err).ToNot(HaveOccurred())

		one, _ := configuration.Server("one")
		two, _ := configuration.Server("two")
		Expect(one.Compression).To(Equal("gzip"))
		Expect(two.Compression).To(Equal("zstd"))
		// descriptor defaults fill what nobody set
		Expect(one.BackupMethod).To(Equal(BackupMethodRsync))
		Expect(one.ArchiveTimeout).To(Equal(60 * time.Second))
	})

	It("records unknown options as warnings, not errors", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman
made_up_option = 42

[main]
conninfo = host=pg1
another_unknown = on
`)
		Expect(err).ToNot(HaveOccurred())
		Expect(configuration.Warnings).To(HaveLen(2))
	})

	It("rejects reserved section names", func() {
		_, err := loadFixture(`
[barman]
barman_home = /srv/barman

[all]
conninfo = host=pg1
`)
		Expect(err).To(HaveOccurred())
	})

	It("enables the plain archiver on a fresh server", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman

[main]
conninfo = host=pg1
`)
		Expect(err).ToNot(HaveOccurred())
		server, _ := configuration.Server("main")
		Expect(server.Archiver).To(BeTrue())
		Expect(server.StreamingArchiver).To(BeFalse())
	})

	It("refuses a server explicitly disabling both ingress paths", func() {
		_, err := loadFixture(`
[barman]
barman_home = /srv/barman

[main]
conninfo = host=pg1
archiver = off
streaming_archiver = off
`)
		Expect(err).To(HaveOccurred())
	})

	It("requires a slot name with create_slot=auto", func() {
		_, err := loadFixture(`
[barman]
barman_home = /srv/barman

[main]
conninfo = host=pg1
streaming_archiver = on
create_slot = auto
`)
		Expect(err).To(HaveOccurred())
	})

	It("parses booleans with the documented truthy and falsy words", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman

[main]
conninfo = host=pg1
immediate_checkpoint = 1
archiver = on
`)
		Expect(err).ToNot(HaveOccurred())
		server, _ := configuration.Server("main")
		Expect(server.ImmediateCheckpoint).To(BeTrue())
	})

	It("parses the maximum age grammar", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman

[main]
conninfo = host=pg1
last_backup_maximum_age = 7 DAYS
last_wal_maximum_age = 2 hours
`)
		Expect(err).ToNot(HaveOccurred())
		server, _ := configuration.Server("main")
		Expect(server.LastBackupMaxAge).To(Equal(7 * 24 * time.Hour))
		Expect(server.LastWALMaxAge).To(Equal(2 * time.Hour))
	})

	It("collects hook scripts from both scopes", func() {
		configuration, err := loadFixture(`
[barman]
barman_home = /srv/barman
pre_archive_script = /usr/local/bin/notify archive

[main]
conninfo = host=pg1
post_backup_retry_script = /usr/local/bin/verify
`)
		Expect(err).ToNot(HaveOccurred())
		server, _ := configuration.Server("main")
		Expect(server.Hooks["pre_archive_script"]).To(Equal("/usr/local/bin/notify archive"))
		Expect(server.Hooks["post_backup_retry_script"]).To(Equal("/usr/local/bin/verify"))
	})

	It("merges files from the configuration directory", func() {
		dir := GinkgoT().TempDir()
		confDir := filepath.Join(dir, "conf.d")
		Expect(os.MkdirAll(confDir, 0o700)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(confDir, "10-extra.conf"),
			[]byte("[extra]\nconninfo = host=extra\n"), 0o600)).To(Succeed())

		path := filepath.Join(dir, "barman.conf")
		Expect(os.WriteFile(path, []byte(
			"[barman]\nbarman_home = "+dir+"\nconfiguration_files_directory = "+confDir+"\n"),
			0o600)).To(Succeed())

		configuration, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(configuration.ServerNames()).To(ContainElement("extra"))
	})
})

var _ = Describe("Configuration models", func() {
	fixture := `
[barman]
barman_home = %HOME%

[main]
conninfo = host=pg1
compression = gzip

[main-switchover]
model = true
cluster = main
compression = zstd
`

	It("keeps models out of the server list", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "barman.conf")
		content := []byte(replaceHome(fixture, dir))
		Expect(os.WriteFile(path, content, 0o600)).To(Succeed())

		configuration, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(configuration.ServerNames()).To(Equal([]string{"main"}))
		Expect(configuration.ModelNames()).To(Equal([]string{"main-switchover"}))
	})

	It("applies the switched model on the next load", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "barman.conf")
		content := []byte(replaceHome(fixture, dir))
		Expect(os.WriteFile(path, content, 0o600)).To(Succeed())

		configuration, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(configuration.SwitchModel("main", "main-switchover")).To(Succeed())

		reloaded, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		server, _ := reloaded.Server("main")
		Expect(server.Compression).To(Equal("zstd"))
		Expect(server.ActiveModel).To(Equal("main-switchover"))

		// and the switch is reversible
		Expect(reloaded.SwitchModel("main", "none")).To(Succeed())
		final, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		server, _ = final.Server("main")
		Expect(server.Compression).To(Equal("gzip"))
		Expect(server.ActiveModel).To(BeEmpty())
	})

	It("refuses to switch a model onto another cluster", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "barman.conf")
		content := replaceHome(fixture, dir) + "\n[other]\nconninfo = host=other\n"
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

		configuration, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(configuration.SwitchModel("other", "main-switchover")).ToNot(Succeed())
	})
})

func replaceHome(fixture, home string) string {
	return strings.ReplaceAll(fixture, "%HOME%", home)
}
