package transfer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"keyjawn/internal/hostkey"
	"keyjawn/internal/identity"
	"keyjawn/internal/remote"
	"keyjawn/internal/sshtest"
	"keyjawn/internal/transfer"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	user     = "pi"
	password = "raspberry"
	filename = "img-20260101-000000.png"
)

var content = []byte("hello, world")

var _ = Describe("Uploaders", func() {
	var (
		ctx   context.Context
		store *hostkey.Store
		cred  remote.Credential
	)

	start := func(opts ...sshtest.Option) *sshtest.Server {
		server, err := sshtest.Start(append([]sshtest.Option{sshtest.WithPassword(user, password)}, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(server.Close)
		return server
	}

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
		store = hostkey.NewStore(hostkey.NewMemoryBackend())
		cred = remote.Credential{Password: password}
	})

	Describe("SCPUploader", func() {
		var uploader transfer.Uploader

		BeforeEach(func() {
			var err error
			uploader, err = transfer.New(transfer.KindSCP, transfer.WithHostKeyStore(store), transfer.WithDialTimeout(5*time.Second))
			Expect(err).NotTo(HaveOccurred())
		})

		It("creates the directory and stores the file", func() {
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			host.UploadDirectory = "/tmp/keyjawn"

			result := uploader.Upload(ctx, host, cred, content, filename)

			Expect(result.Error).To(BeEmpty())
			Expect(result.Success).To(BeTrue())
			Expect(result.RemotePath).To(Equal("/tmp/keyjawn/img-20260101-000000.png"))

			stored, ok := server.File(result.RemotePath)
			Expect(ok).To(BeTrue())
			Expect(stored).To(Equal(content))
			Expect(server.Commands()).To(Equal([]string{
				"mkdir -p '/tmp/keyjawn/'",
				"scp -t '/tmp/keyjawn/img-20260101-000000.png'",
			}))
		})

		It("authenticates with a password when the auth method is unset", func() {
			server := start()
			host := remote.HostConfig{
				Hostname:        "127.0.0.1",
				Port:            server.Port(),
				Username:        user,
				UploadDirectory: "/tmp/keyjawn/",
			}

			result := uploader.Upload(ctx, host, cred, content, filename)
			Expect(result.Success).To(BeTrue(), result.Error)
			Expect(result.RemotePath).To(Equal("/tmp/keyjawn/" + filename))
		})

		It("quotes directories with spaces and quotes", func() {
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			host.UploadDirectory = "/tmp/it's here/"

			result := uploader.Upload(ctx, host, cred, content, filename)
			Expect(result.Success).To(BeTrue(), result.Error)
			Expect(result.RemotePath).To(Equal("/tmp/it's here/" + filename))
			Expect(server.Commands()[0]).To(Equal(`mkdir -p '/tmp/it'\''s here/'`))

			_, ok := server.File("/tmp/it's here/" + filename)
			Expect(ok).To(BeTrue())
		})

		It("accepts an existing directory", func() {
			server := start(sshtest.WithMkdirResult(1, "mkdir: cannot create directory: File exists\n"))
			result := uploader.Upload(ctx, server.HostConfig(remote.AuthPassword), cred, content, filename)
			Expect(result.Success).To(BeTrue(), result.Error)
		})

		It("fails when the directory cannot be created", func() {
			server := start(sshtest.WithMkdirResult(1, "mkdir: cannot create directory '/tmp/keyjawn': Permission denied\n"))
			result := uploader.Upload(ctx, server.HostConfig(remote.AuthPassword), cred, content, filename)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("Permission denied"))
			Expect(server.Commands()).To(HaveLen(1))
		})

		It("reports a rejected header and sends nothing more", func() {
			server := start(sshtest.WithSCPHeaderNack("No such file or directory"))
			result := uploader.Upload(ctx, server.HostConfig(remote.AuthPassword), cred, content, filename)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("No such file or directory"))

			Eventually(server.SinksDone, 5*time.Second).Should(Equal(1))
			Expect(server.BytesAfterNack()).To(BeZero())
			Expect(server.FileCount()).To(BeZero())
		})

		It("reports a failure at the final acknowledgement", func() {
			server := start(sshtest.WithSCPFinalReply([]byte("\x02scp: disk quota exceeded\n")))
			result := uploader.Upload(ctx, server.HostConfig(remote.AuthPassword), cred, content, filename)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("disk quota exceeded"))
			Expect(result.RemotePath).To(BeEmpty())
			Eventually(server.SinksDone, 5*time.Second).Should(Equal(1))
			Expect(server.FileCount()).To(BeZero())
		})

		It("rejects a sink that answers with something other than an acknowledgement", func() {
			server := start(sshtest.WithSCPFinalReply([]byte("X")))
			result := uploader.Upload(ctx, server.HostConfig(remote.AuthPassword), cred, content, filename)

			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("unexpected acknowledgement byte 0x58"))
		})

		It("uploads empty files", func() {
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			result := uploader.Upload(ctx, host, cred, nil, filename)

			Expect(result.Success).To(BeTrue(), result.Error)
			stored, ok := server.File(host.RemotePath(filename))
			Expect(ok).To(BeTrue())
			Expect(stored).To(BeEmpty())
		})

		It("rejects filenames that would break the header", func() {
			server := start()
			result := uploader.Upload(ctx, server.HostConfig(remote.AuthPassword), cred, content, "bad\nname")

			Expect(result.Success).To(BeFalse())
			Expect(server.Sessions()).To(BeZero())
		})
	})

	Describe("SFTPUploader", func() {
		var (
			uploader transfer.Uploader
			dir      string
		)

		BeforeEach(func() {
			var err error
			uploader, err = transfer.New(transfer.KindSFTP, transfer.WithHostKeyStore(store))
			Expect(err).NotTo(HaveOccurred())
			dir = GinkgoT().TempDir()
		})

		It("creates nested directories and writes the file", func() {
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			host.UploadDirectory = filepath.Join(dir, "a", "b") + "//"

			result := uploader.Upload(ctx, host, cred, content, filename)

			Expect(result.Success).To(BeTrue(), result.Error)
			Expect(result.RemotePath).To(Equal(filepath.Join(dir, "a", "b", filename)))

			stored, err := os.ReadFile(result.RemotePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(Equal(content))
		})

		It("truncates an existing file", func() {
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			host.UploadDirectory = dir
			Expect(os.WriteFile(filepath.Join(dir, filename), []byte("a much longer previous content"), 0o644)).To(Succeed())

			result := uploader.Upload(ctx, host, cred, content, filename)
			Expect(result.Success).To(BeTrue(), result.Error)

			stored, err := os.ReadFile(filepath.Join(dir, filename))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(Equal(content))
		})

		It("reports the server's status when the directory is a file", func() {
			server := start()
			blocker := filepath.Join(dir, "blocker")
			Expect(os.WriteFile(blocker, nil, 0o644)).To(Succeed())
			host := server.HostConfig(remote.AuthPassword)
			host.UploadDirectory = filepath.Join(blocker, "sub")

			result := uploader.Upload(ctx, host, cred, content, filename)
			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("failed to create upload directory"))
		})

		It("authenticates with raw private key bytes", func() {
			pair, err := identity.Generate()
			Expect(err).NotTo(HaveOccurred())
			signer, err := pair.Signer()
			Expect(err).NotTo(HaveOccurred())

			server := start(sshtest.WithAuthorizedKey(user, signer.PublicKey()))
			host := server.HostConfig(remote.AuthKey)
			host.UploadDirectory = dir

			result := uploader.Upload(ctx, host, remote.Credential{PrivateKey: pair.PrivateKey}, content, filename)
			Expect(result.Success).To(BeTrue(), result.Error)
		})
	})

	DescribeTable("connection failures",
		func(kind transfer.Kind) {
			uploader, err := transfer.New(kind, transfer.WithHostKeyStore(store))
			Expect(err).NotTo(HaveOccurred())

			By("rejecting a wrong password")
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			host.UploadDirectory = GinkgoT().TempDir()
			result := uploader.Upload(ctx, host, remote.Credential{Password: "nope"}, content, filename)
			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("authentication failed"))

			By("refusing a changed host key without transferring")
			Expect(store.Forget(ctx, host.Endpoint())).To(Succeed())
			_, err = store.VerifyAndPin(ctx, host.Endpoint(), "SHA256:AABBpinnedearlier")
			Expect(err).NotTo(HaveOccurred())

			result = uploader.Upload(ctx, host, cred, content, filename)
			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("machine-in-the-middle"))
			Expect(result.Error).To(ContainSubstring(server.Fingerprint()))
			Expect(server.Sessions()).To(BeZero())

			By("rejecting an invalid host")
			host.Port = 0
			result = uploader.Upload(ctx, host, cred, content, filename)
			Expect(result.Success).To(BeFalse())
			Expect(result.Error).To(ContainSubstring("port"))
		},
		Entry("scp", transfer.KindSCP),
		Entry("sftp", transfer.KindSFTP),
	)

	Describe("UploadAll", func() {
		It("uploads every file and keeps result order", func() {
			server := start()
			host := server.HostConfig(remote.AuthPassword)
			uploader := transfer.NewSCPUploader(transfer.WithHostKeyStore(store))

			files := make([]transfer.File, 6)
			for i := range files {
				files[i] = transfer.File{Name: fmt.Sprintf("img-%d.png", i), Content: []byte(fmt.Sprintf("file %d", i))}
			}
			files[3].Name = ""

			results := transfer.UploadAll(ctx, uploader, host, cred, files, 3)

			Expect(results).To(HaveLen(len(files)))
			for i, r := range results {
				if i == 3 {
					Expect(r.Success).To(BeFalse())
					continue
				}
				Expect(r.Success).To(BeTrue(), r.Error)
				Expect(r.RemotePath).To(Equal(host.RemotePath(files[i].Name)))
				stored, ok := server.File(r.RemotePath)
				Expect(ok).To(BeTrue())
				Expect(stored).To(Equal(files[i].Content))
			}
		})

		It("returns nothing for no files", func() {
			Expect(transfer.UploadAll(ctx, transfer.NewSCPUploader(), remote.HostConfig{}, cred, nil, 4)).To(BeEmpty())
		})
	})
})
