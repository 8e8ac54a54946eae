package protocol_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
)

var _ = Describe("DataPacket samples", func() {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bt := &protocol.BaseTimes{Index: 1, Times: [2]time.Time{base.Add(-time.Hour), base}}

	samples := []protocol.WireSample{
		{ID: 1, Timestamp: base.Add(250 * time.Millisecond), Value: 59.5, Quality: measurement.QualityNormal},
		{ID: 9, Timestamp: base.Add(2 * time.Second), Value: -12.25, Quality: measurement.QualityBadData},
	}

	DescribeTable("round trip",
		func(flags protocol.DataPacketFlags) {
			body, err := protocol.EncodeSamples(flags, base, samples, bt)
			Expect(err).To(Succeed())

			out, err := protocol.DecodeSamples(flags, body, bt)
			Expect(err).To(Succeed())
			Expect(out).To(HaveLen(2))

			for i, s := range out {
				Expect(s.ID).To(Equal(samples[i].ID))
				Expect(s.Value).To(Equal(samples[i].Value))
				Expect(s.Quality).To(Equal(samples[i].Quality))

				if flags.Has(protocol.Synchronized) {
					Expect(s.Timestamp.Equal(base)).To(BeTrue())
				} else {
					Expect(s.Timestamp.Equal(samples[i].Timestamp)).To(BeTrue())
				}
			}
		},
		Entry("full", protocol.NoFlags),
		Entry("full synchronized", protocol.Synchronized),
		Entry("compact", protocol.Compact),
		Entry("compact synchronized", protocol.Synchronized|protocol.Compact),
	)

	It("refuses compact samples older than the base time", func() {
		old := []protocol.WireSample{{ID: 1, Timestamp: base.Add(-time.Second)}}

		_, err := protocol.EncodeSamples(protocol.Compact, base, old, bt)
		Expect(errors.Is(err, protocol.ErrTimeOutOfRange)).To(BeTrue())
	})

	It("refuses to decode compact samples without base times", func() {
		body, err := protocol.EncodeSamples(protocol.Compact, base, samples, bt)
		Expect(err).To(Succeed())

		_, err = protocol.DecodeSamples(protocol.Compact, body, nil)
		Expect(errors.Is(err, protocol.ErrTimeOutOfRange)).To(BeTrue())
	})

	It("detects a body shorter than its declared count", func() {
		body, err := protocol.EncodeSamples(protocol.NoFlags, base, samples, nil)
		Expect(err).To(Succeed())

		_, err = protocol.DecodeSamples(protocol.NoFlags, body[:len(body)-3], nil)
		Expect(errors.Is(err, protocol.ErrPayloadTruncated)).To(BeTrue())
	})
})

var _ = Describe("DataPacketFlags", func() {
	It("stores the cipher index at the requested shift without touching other flags", func() {
		f := (protocol.Synchronized | protocol.Compact).WithCipherIndex(protocol.DefaultCipherIndexShift, 1)

		Expect(byte(f)).To(Equal(byte(0x07)))
		Expect(f.CipherIndexAt(protocol.DefaultCipherIndexShift)).To(Equal(1))
		Expect(f.Has(protocol.Synchronized)).To(BeTrue())

		f = f.WithCipherIndex(protocol.DefaultCipherIndexShift, 0)
		Expect(f.CipherIndexAt(protocol.DefaultCipherIndexShift)).To(Equal(0))
		Expect(f).To(Equal(protocol.Synchronized | protocol.Compact))
	})
})
