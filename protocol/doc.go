package protocol

// This package implements framing and payload serialisation for the
// publish/subscribe protocol GEP uses between a measurement publisher and its
// subscribers.
//
// This protocol aims to be
//
// - cheap to frame, every unit has a fixed 6 byte header
// - unambiguous, a type code is either a command or a response, never both
// - negotiable, text encoding and compression are agreed per connection
//
// - `Command` - A subscriber instruction to the publisher (codes 0x00-0x09).
// - `Response` - Anything the publisher sends (codes 0x80-0x8A and 0xFF).
//                Most responses are pushed without a matching command.
//
// === General Syntax
//
//   ```
//     [1 byte code][1 byte flags][4 byte big-endian payload length][payload]
//   ```
//
// The meaning of the flags byte depends on the code
//
// - `Succeeded` / `Failed` - the command code being answered
// - `DataPacket` / `Subscribe` - DataPacketFlags
// - everything else - zero
//
// === Session outline
//
//  ```
//    > Authenticate              sharedSecret=...
//    < Succeeded(Authenticate)
//    > DefineOperationalModes    [u32 modes]
//    > Subscribe(flags)          [u32 len]inputMeasurementKeys={PPA:1;PPA:2}
//    < Succeeded(Subscribe)
//    < UpdateSignalIndexCache    compact id -> measurement key
//    < UpdateBaseTimes
//    < UpdateCipherKeys
//    < DataPacket(flags)         samples keyed by compact id
//    < BufferBlock               [u32 sequence][data]
//    > ConfirmBufferBlock        [u32 sequence]
//    < NoOP                      keepalive
//  ```
//
// DefineOperationalModes is answered only when it fails. A publisher that
// accepts the modes applies them to every payload it sends afterwards.
//
// === Operational modes
//
//   ```
//     bits  0-4   protocol version (1-2)
//     bits  5-7   compression (None 0x00, GZip 0x20, TSSC 0x40)
//     bits  8-9   text encoding (Unicode, BigEndianUnicode, UTF8, ANSI)
//     bits 24-31  UseCommonSerializationFormat, ReceiveExternalMetadata,
//                 ReceiveInternalMetadata, CompressSignalIndexCache,
//                 CompressMetadata
//   ```
//
// GZip compresses every DataPacket body, and the metadata / signal index
// cache when their flag is also set.
//
// === DataPacket
//
// When cipher keys have been distributed the body is
// `nonce || chacha20poly1305(body)` under the key selected by the 2-bit
// cipher index inside the flags byte. The plain body is
//
//   ```
//     [i64 timestamp]   Synchronized only
//     [u32 count]
//     full:    [u32 id][i64 time][f64 value][u32 quality]
//     compact: [u32 id][u8 base index][u32 offset ms][f32 value][u32 quality]
//   ```
//
// Per-sample times are omitted when the packet is Synchronized.
//
// === Errors
//
// Decode failures are reported as *FramingError. Unknown codes are consumed
// whole so the stream stays aligned and the caller may skip them, truncation
// and oversized payloads leave the stream in an unknown state.
