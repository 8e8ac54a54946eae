package protocol_test

import (
	"bytes"
	"errors"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/gep/protocol"
)

var _ = Describe("Frame", func() {
	Describe("Encode() / Decode()", func() {
		DescribeTable("round trips every valid frame",
			func(code protocol.Code, flags byte, payload []byte) {
				in := protocol.Frame{Code: code, Flags: flags, Payload: payload}

				b, err := protocol.Encode(in)
				Expect(err).To(Succeed())
				Expect(b).To(HaveLen(protocol.HeaderSize + len(payload)))

				out, n, err := protocol.Decode(b, protocol.DefaultLimits())
				Expect(err).To(Succeed())
				Expect(n).To(Equal(len(b)))
				Expect(out).To(Equal(in))
			},
			Entry("Authenticate", protocol.Authenticate, byte(0), []byte("sharedSecret=x")),
			Entry("Subscribe with flags", protocol.Subscribe, byte(protocol.Synchronized|protocol.Compact), []byte{0, 0, 0, 1, 'a'}),
			Entry("Unsubscribe without payload", protocol.Unsubscribe, byte(0), nil),
			Entry("Succeeded answering Subscribe", protocol.Succeeded, byte(protocol.Subscribe), []byte("ok")),
			Entry("DataPacket", protocol.DataPacket, byte(0x0F), bytes.Repeat([]byte{0xAB}, 300)),
			Entry("NoOP", protocol.NoOP, byte(0), nil),
		)

		It("writes the header as code, flags and a big-endian length", func() {
			b, err := protocol.Encode(protocol.Frame{Code: protocol.BufferBlock, Flags: 7, Payload: []byte{1, 2, 3}})
			Expect(err).To(Succeed())
			Expect(b).To(Equal([]byte{0x88, 7, 0, 0, 0, 3, 1, 2, 3}))
		})

		It("returns ErrTruncated when the header is incomplete", func() {
			_, n, err := protocol.Decode([]byte{0x80, 0x00, 0x00}, protocol.DefaultLimits())
			Expect(errors.Is(err, protocol.ErrTruncated)).To(BeTrue())
			Expect(n).To(BeZero())
		})

		It("returns ErrTruncated when fewer payload bytes are available than declared", func() {
			_, _, err := protocol.Decode([]byte{0x80, 0x00, 0, 0, 0, 5, 'a', 'b'}, protocol.DefaultLimits())
			Expect(errors.Is(err, protocol.ErrTruncated)).To(BeTrue())

			var fe *protocol.FramingError
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Fatal()).To(BeTrue())
			Expect(fe.Need).To(Equal(11))
			Expect(fe.Have).To(Equal(8))
		})

		It("consumes an unknown type so the caller can skip it", func() {
			data := []byte{0x42, 0x00, 0, 0, 0, 1, 'x', 0xFF, 0x00, 0, 0, 0, 0}

			f, n, err := protocol.Decode(data, protocol.DefaultLimits())
			Expect(errors.Is(err, protocol.ErrUnknownType)).To(BeTrue())
			Expect(n).To(Equal(7))
			Expect(f.Code).To(Equal(protocol.Code(0x42)))

			var fe *protocol.FramingError
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Fatal()).To(BeFalse())

			next, m, err := protocol.Decode(data[n:], protocol.DefaultLimits())
			Expect(err).To(Succeed())
			Expect(m).To(Equal(6))
			Expect(next.Code).To(Equal(protocol.NoOP))
		})

		It("rejects payloads larger than the limit", func() {
			_, _, err := protocol.Decode([]byte{0x82, 0x00, 0, 0, 1, 0}, protocol.Limits{MaxPayloadBytes: 255})
			Expect(errors.Is(err, protocol.ErrPayloadTooLarge)).To(BeTrue())
		})
	})

	Describe("ReadFrame() / WriteFrame()", func() {
		It("reads back frames written to a stream in order", func() {
			var buf bytes.Buffer

			Expect(protocol.WriteFrame(&buf, protocol.NewCommand(protocol.Authenticate, 0, []byte("a")))).To(Succeed())
			Expect(protocol.WriteFrame(&buf, protocol.NewResponse(protocol.Succeeded, protocol.Authenticate, nil))).To(Succeed())

			f, err := protocol.ReadFrame(&buf, protocol.DefaultLimits())
			Expect(err).To(Succeed())
			Expect(f.Code).To(Equal(protocol.Authenticate))
			Expect(f.Payload).To(Equal([]byte("a")))

			f, err = protocol.ReadFrame(&buf, protocol.DefaultLimits())
			Expect(err).To(Succeed())
			Expect(f.Code).To(Equal(protocol.Succeeded))
			Expect(f.InResponseTo()).To(Equal(protocol.Authenticate))

			_, err = protocol.ReadFrame(&buf, protocol.DefaultLimits())
			Expect(err).To(MatchError(io.EOF))
		})

		It("reports a stream that ends mid frame as truncated", func() {
			buf := bytes.NewReader([]byte{0x82, 0x00, 0, 0, 0, 10, 1, 2})

			_, err := protocol.ReadFrame(buf, protocol.DefaultLimits())
			Expect(errors.Is(err, protocol.ErrTruncated)).To(BeTrue())
		})

		It("reports a stream that ends mid header as truncated", func() {
			buf := bytes.NewReader([]byte{0x82, 0x00})

			_, err := protocol.ReadFrame(buf, protocol.DefaultLimits())
			Expect(errors.Is(err, protocol.ErrTruncated)).To(BeTrue())
		})
	})
})

var _ = Describe("Code", func() {
	It("partitions commands and responses", func() {
		for c := 0; c <= 0xFF; c++ {
			code := protocol.Code(c)
			Expect(code.IsCommand() && code.IsResponse()).To(BeFalse())

			switch {
			case c <= 0x09:
				Expect(code.Kind()).To(Equal(protocol.KindCommand))
			case c >= 0x80 && c <= 0x8A, c == 0xFF:
				Expect(code.Kind()).To(Equal(protocol.KindResponse))
			default:
				Expect(code.Kind()).To(Equal(protocol.KindUnknown))
			}
		}
	})

	It("names known codes", func() {
		Expect(protocol.ConfirmBufferBlock.String()).To(Equal("ConfirmBufferBlock"))
		Expect(protocol.NoOP.String()).To(Equal("NoOP"))
		Expect(protocol.Code(0x42).String()).To(Equal("Unknown(0x42)"))
	})
})
