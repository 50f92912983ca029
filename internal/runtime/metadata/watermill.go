package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill message headers.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies md into a fresh Watermill metadata map.
func ToWatermill(md Metadata) message.Metadata {
	return message.Metadata(md.Clone())
}
