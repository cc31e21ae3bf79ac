package invoice

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("ParseDate", func() {
	DescribeTable("unambiguous layouts",
		func(input string, expected string) {
			t, err := ParseDate(input, LocaleUS)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Format(ISODate)).To(Equal(expected))
		},
		Entry("ISO", "2024-03-15", "2024-03-15"),
		Entry("slashed ISO", "2024/03/15", "2024-03-15"),
		Entry("long month", "March 15, 2024", "2024-03-15"),
		Entry("short month", "Mar 15, 2024", "2024-03-15"),
		Entry("day first with month name", "15 March 2024", "2024-03-15"),
		Entry("extra whitespace", "  Mar   15,  2024 ", "2024-03-15"),
	)

	It("reads numeric dates month first under the US locale", func() {
		t, err := ParseDate("01/02/2024", LocaleUS)
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)))
	})

	It("reads numeric dates day first under the EU locale", func() {
		t, err := ParseDate("01/02/2024", LocaleEU)
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("rejects day-first dates that are invalid month first", func() {
		_, err := ParseDate("25/12/2024", LocaleUS)
		Expect(err).To(HaveOccurred())
	})

	It("rejects garbage", func() {
		_, err := ParseDate("next tuesday", LocaleUS)
		Expect(err).To(HaveOccurred())
	})

	It("normalizes to ISO", func() {
		Expect(NormalizeDate("Mar 15, 2024", LocaleUS)).To(Equal("2024-03-15"))
		Expect(NormalizeDate("soon", LocaleUS)).To(Equal("soon"))
	})
})

var _ = Describe("ParseAmount", func() {
	DescribeTable("accepted amounts",
		func(input string, expected string) {
			d, err := ParseAmount(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Equal(decimal.RequireFromString(expected))).To(BeTrue(), "got %s", d)
		},
		Entry("plain", "105.00", "105"),
		Entry("dollar sign", "$105.00", "105"),
		Entry("thousands", "$1,234.50", "1234.5"),
		Entry("ISO code prefix", "USD 99.99", "99.99"),
		Entry("ISO code suffix", "99.99 EUR", "99.99"),
		Entry("euro sign", "€12", "12"),
		Entry("decimal comma", "12,50", "12.5"),
	)

	It("rejects non-numeric text", func() {
		_, err := ParseAmount("twelve")
		Expect(err).To(HaveOccurred())
	})

	It("rejects empty text", func() {
		_, err := ParseAmount("  ")
		Expect(err).To(HaveOccurred())
	})

	It("normalizes to two decimals", func() {
		Expect(NormalizeAmount("$1,234.5")).To(Equal("1234.50"))
	})
})
