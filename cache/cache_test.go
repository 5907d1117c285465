package cache_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/hls-proxy/cache"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

var _ = Describe("Playlists", func() {
	var c *cache.Playlists

	AfterEach(func() {
		if c != nil {
			c.Stop()
		}
	})

	It("returns a stored body within the TTL", func() {
		c = cache.NewPlaylists(30*time.Second, 10)
		body := []byte("#EXTM3U\nrewritten")
		c.Set("https://a.example/m.m3u8", body)

		got, ok := c.Get("https://a.example/m.m3u8")
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(body))
	})

	It("misses after the TTL elapses", func() {
		c = cache.NewPlaylists(20*time.Millisecond, 10)
		c.Set("https://a.example/m.m3u8", []byte("x"))

		Eventually(func() bool {
			_, ok := c.Get("https://a.example/m.m3u8")
			return ok
		}, "500ms", "10ms").Should(BeFalse())
	})

	It("overwrites on re-insertion", func() {
		c = cache.NewPlaylists(30*time.Second, 10)
		c.Set("k", []byte("old"))
		c.Set("k", []byte("new"))

		got, _ := c.Get("k")
		Expect(got).To(Equal([]byte("new")))
	})

	It("drops everything on Flush", func() {
		c = cache.NewPlaylists(30*time.Second, 10)
		c.Set("k1", []byte("a"))
		c.Set("k2", []byte("b"))
		c.Flush()

		_, ok := c.Get("k1")
		Expect(ok).To(BeFalse())
		_, ok = c.Get("k2")
		Expect(ok).To(BeFalse())
	})

	It("counts hits and misses", func() {
		c = cache.NewPlaylists(30*time.Second, 10)
		c.Set("k", []byte("a"))
		c.Get("k")
		c.Get("absent")

		hits, misses, _ := c.Stats()
		Expect(hits).To(Equal(uint64(1)))
		Expect(misses).To(Equal(uint64(1)))
	})

	It("evicts beyond capacity", func() {
		c = cache.NewPlaylists(30*time.Second, 2)
		c.Set("k1", []byte("a"))
		c.Set("k2", []byte("b"))
		c.Set("k3", []byte("c"))

		_, _, evictions := c.Stats()
		Expect(evictions).To(BeNumerically(">=", uint64(1)))
	})
})

var _ = Describe("Segments", func() {
	It("is inert when disabled", func() {
		s := cache.NewSegments(false, time.Minute, 10)
		Expect(s.Enabled()).To(BeFalse())

		s.Set("k", cache.Segment{Body: []byte("x")})
		_, ok := s.Get("k")
		Expect(ok).To(BeFalse())
	})

	It("stores complete segments when enabled", func() {
		s := cache.NewSegments(true, time.Minute, 10)
		defer s.Stop()

		s.Set("https://a.example/seg1.ts", cache.Segment{Body: []byte("tsdata"), ContentType: "video/mp2t"})
		got, ok := s.Get("https://a.example/seg1.ts")
		Expect(ok).To(BeTrue())
		Expect(got.Body).To(Equal([]byte("tsdata")))
		Expect(got.ContentType).To(Equal("video/mp2t"))
	})
})
