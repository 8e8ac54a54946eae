package protocol

import "fmt"

// Code is the first byte of every frame. Commands flow from subscriber to
// publisher, responses flow the other way. The two ranges never overlap.
type Code byte

// Commands
const (
	Authenticate               Code = 0x00
	MetadataRefresh            Code = 0x01
	Subscribe                  Code = 0x02
	Unsubscribe                Code = 0x03
	RotateCipherKeys           Code = 0x04
	UpdateProcessingInterval   Code = 0x05
	DefineOperationalModes     Code = 0x06
	ConfirmNotification        Code = 0x07
	ConfirmBufferBlock         Code = 0x08
	PublishCommandMeasurements Code = 0x09
)

// Responses
const (
	Succeeded              Code = 0x80
	Failed                 Code = 0x81
	DataPacket             Code = 0x82
	UpdateSignalIndexCache Code = 0x83
	UpdateBaseTimes        Code = 0x84
	UpdateCipherKeys       Code = 0x85
	DataStartTime          Code = 0x86
	ProcessingComplete     Code = 0x87
	BufferBlock            Code = 0x88
	Notify                 Code = 0x89
	ConfigurationChanged   Code = 0x8A
	NoOP                   Code = 0xFF
)

// Kind partitions the code space.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommand
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

var codeNames = map[Code]string{
	Authenticate:               "Authenticate",
	MetadataRefresh:            "MetadataRefresh",
	Subscribe:                  "Subscribe",
	Unsubscribe:                "Unsubscribe",
	RotateCipherKeys:           "RotateCipherKeys",
	UpdateProcessingInterval:   "UpdateProcessingInterval",
	DefineOperationalModes:     "DefineOperationalModes",
	ConfirmNotification:        "ConfirmNotification",
	ConfirmBufferBlock:         "ConfirmBufferBlock",
	PublishCommandMeasurements: "PublishCommandMeasurements",
	Succeeded:                  "Succeeded",
	Failed:                     "Failed",
	DataPacket:                 "DataPacket",
	UpdateSignalIndexCache:     "UpdateSignalIndexCache",
	UpdateBaseTimes:            "UpdateBaseTimes",
	UpdateCipherKeys:           "UpdateCipherKeys",
	DataStartTime:              "DataStartTime",
	ProcessingComplete:         "ProcessingComplete",
	BufferBlock:                "BufferBlock",
	Notify:                     "Notify",
	ConfigurationChanged:       "ConfigurationChanged",
	NoOP:                       "NoOP",
}

// Kind classifies c by the fixed code ranges.
func (c Code) Kind() Kind {
	switch {
	case c <= PublishCommandMeasurements:
		return KindCommand
	case c >= Succeeded && c <= ConfigurationChanged, c == NoOP:
		return KindResponse
	default:
		return KindUnknown
	}
}

func (c Code) IsCommand() bool {
	return c.Kind() == KindCommand
}

func (c Code) IsResponse() bool {
	return c.Kind() == KindResponse
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Unknown(0x%02X)", byte(c))
}
