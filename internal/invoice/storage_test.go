package invoice

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// storageBehaviour runs the Storage contract against any implementation
func storageBehaviour(newStorage func() Storage) {
	var (
		storage Storage
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		storage = newStorage()
	})

	It("returns saved data by path", func() {
		path, err := storage.Save(ctx, "test-id_invoice.pdf", []byte("pdf data"), "application/pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(HaveSuffix("test-id_invoice.pdf"))

		data, err := storage.Get(ctx, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("pdf data")))
	})

	It("deletes files", func() {
		path, err := storage.Save(ctx, "gone.png", []byte("png"), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.Delete(ctx, path)).To(Succeed())

		_, err = storage.Get(ctx, path)
		Expect(err).To(HaveOccurred())
	})
}

var _ = Describe("LocalStorage", func() {
	var tmpDir string

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
	})

	storageBehaviour(func() Storage {
		s, err := NewLocalStorage(filepath.Join(tmpDir, "docs"))
		Expect(err).NotTo(HaveOccurred())
		return s
	})

	It("creates the storage directory", func() {
		dir := filepath.Join(tmpDir, "nested", "docs")
		_, err := NewLocalStorage(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(dir).To(BeADirectory())
	})

	It("keeps paths inside the storage directory", func() {
		base := filepath.Join(tmpDir, "docs")
		s, err := NewLocalStorage(base)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Save(context.Background(), "../escape.txt", []byte("x"), "text/plain")
		Expect(err).NotTo(HaveOccurred())
		Expect(filepath.Join(base, "escape.txt")).To(BeARegularFile())
		Expect(filepath.Join(tmpDir, "escape.txt")).NotTo(BeAnExistingFile())
	})

	It("rejects an empty path", func() {
		s, err := NewLocalStorage(filepath.Join(tmpDir, "docs"))
		Expect(err).NotTo(HaveOccurred())
		_, err = s.Get(context.Background(), "")
		Expect(err).To(HaveOccurred())
	})
})

// MinIO specs need a reachable server, e.g.
// INVOICE_INTAKE_TEST_MINIO_ENDPOINT=localhost:9000 with minioadmin credentials
var _ = Describe("MinioStorage", Ordered, func() {
	var endpoint string

	BeforeAll(func() {
		endpoint = os.Getenv("INVOICE_INTAKE_TEST_MINIO_ENDPOINT")
		if endpoint == "" {
			Skip("INVOICE_INTAKE_TEST_MINIO_ENDPOINT not set")
		}
	})

	storageBehaviour(func() Storage {
		s, err := NewMinioStorage(context.Background(), MinioConfig{
			Endpoint:  endpoint,
			AccessKey: envOr("INVOICE_INTAKE_TEST_MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: envOr("INVOICE_INTAKE_TEST_MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    "invoice-intake-test",
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	})

	It("prefixes objects with the bucket and month", func() {
		s, err := NewMinioStorage(context.Background(), MinioConfig{
			Endpoint:  endpoint,
			AccessKey: envOr("INVOICE_INTAKE_TEST_MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: envOr("INVOICE_INTAKE_TEST_MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    "invoice-intake-test",
		})
		Expect(err).NotTo(HaveOccurred())

		path, err := s.Save(context.Background(), "dated.pdf", []byte("x"), "application/pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(MatchRegexp(`^invoice-intake-test/\d{4}/\d{2}/dated\.pdf$`))
		Expect(s.Delete(context.Background(), path)).To(Succeed())
	})
})

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
