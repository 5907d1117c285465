package urlsafe_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/hls-proxy/urlsafe"
)

func TestURLSafe(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "URLSafe Suite")
}

var _ = Describe("Normalize", func() {
	It("accepts a plain https URL", func() {
		out, err := urlsafe.Normalize("https://cdn.example.com/live/index.m3u8")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("https://cdn.example.com/live/index.m3u8"))
	})

	It("trims surrounding whitespace", func() {
		out, err := urlsafe.Normalize("  https://cdn.example.com/a.m3u8\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("https://cdn.example.com/a.m3u8"))
	})

	It("strips the fragment", func() {
		out, err := urlsafe.Normalize("https://cdn.example.com/a.m3u8#t=30")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("https://cdn.example.com/a.m3u8"))
	})

	It("decodes a percent-encoded URL exactly once", func() {
		out, err := urlsafe.Normalize("https%3A%2F%2Fcdn.example.com%2Fa.m3u8")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("https://cdn.example.com/a.m3u8"))
	})

	It("rejects non-http schemes", func() {
		_, err := urlsafe.Normalize("ftp://cdn.example.com/a.m3u8")
		Expect(err).To(MatchError(urlsafe.ErrMalformed))
	})

	It("rejects relative URLs", func() {
		_, err := urlsafe.Normalize("/live/index.m3u8")
		Expect(err).To(MatchError(urlsafe.ErrMalformed))
	})

	It("rejects empty input", func() {
		_, err := urlsafe.Normalize("   ")
		Expect(err).To(MatchError(urlsafe.ErrMalformed))
	})

	It("is idempotent over its own output", func() {
		inputs := []string{
			"https://cdn.example.com/live/index.m3u8?token=abc",
			"  http://a.example/seg%20ment.ts#frag",
			"https%3A%2F%2Fcdn.example.com%2Fa.m3u8",
		}
		for _, in := range inputs {
			once, err := urlsafe.Normalize(in)
			Expect(err).NotTo(HaveOccurred())
			twice, err := urlsafe.Normalize(once)
			Expect(err).NotTo(HaveOccurred())
			Expect(twice).To(Equal(once))
		}
	})
})

var _ = Describe("ValidateSafety", func() {
	It("accepts a single clean URL", func() {
		Expect(urlsafe.ValidateSafety("https://cdn.example.com/a.m3u8?token=abc")).To(Succeed())
	})

	It("rejects two concatenated URLs", func() {
		err := urlsafe.ValidateSafety("https://a.example/x https://b.example/y")
		Expect(err).To(MatchError(urlsafe.ErrMalformed))
	})

	It("rejects a nested URL carrying its own query", func() {
		err := urlsafe.ValidateSafety("https://a.example/p?url=https://internal.example/v?admin=1&x=2")
		Expect(err).To(MatchError(urlsafe.ErrMalformed))
	})

	It("rejects a double-encoded JSON blob in a query value", func() {
		err := urlsafe.ValidateSafety(`https://a.example/p?payload=https://b.example/%7B%22url%22%3A%22x%22%7D`)
		Expect(err).To(MatchError(urlsafe.ErrMalformed))
	})

	It("tolerates unparseable input, leaving rejection to Normalize", func() {
		Expect(urlsafe.ValidateSafety("::::not a url")).To(Succeed())
	})
})

var _ = Describe("SanitizeForLogging", func() {
	It("redacts every sensitive parameter", func() {
		in := "https://cdn.example.com/a.m3u8?token=sec1&key=sec2&auth=sec3&signature=sec4&sig=sec5&access_token=sec6&api_key=sec7&quality=hd"
		out := urlsafe.SanitizeForLogging(in)

		Expect(out).To(ContainSubstring("token=[REDACTED]"))
		Expect(out).To(ContainSubstring("key=[REDACTED]"))
		Expect(out).To(ContainSubstring("auth=[REDACTED]"))
		Expect(out).To(ContainSubstring("signature=[REDACTED]"))
		Expect(out).To(ContainSubstring("sig=[REDACTED]"))
		Expect(out).To(ContainSubstring("access_token=[REDACTED]"))
		Expect(out).To(ContainSubstring("api_key=[REDACTED]"))
		Expect(out).To(ContainSubstring("quality=hd"))
		Expect(out).NotTo(ContainSubstring("sec"))
	})

	It("redacts case-insensitively", func() {
		out := urlsafe.SanitizeForLogging("https://cdn.example.com/a.m3u8?Token=secret")
		Expect(out).To(ContainSubstring("Token=[REDACTED]"))
		Expect(out).NotTo(ContainSubstring("secret"))
	})

	It("keeps scheme, host, and path visible", func() {
		out := urlsafe.SanitizeForLogging("https://cdn.example.com/live/index.m3u8?token=x")
		Expect(out).To(HavePrefix("https://cdn.example.com/live/index.m3u8"))
	})

	It("truncates unparseable input to 100 bytes", func() {
		in := "::" + strings.Repeat("x", 300)
		out := urlsafe.SanitizeForLogging(in)
		Expect(out).To(HaveLen(103))
		Expect(out).To(HaveSuffix("..."))
	})
})
