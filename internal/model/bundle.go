package model

import "time"

// Bundle is the metadata of the single save bundle an owner keeps per emulator.
// The payload itself lives in blob storage under ObjectKey.
type Bundle struct {
	OwnerID      string
	Emulator     string
	ObjectKey    string
	Size         int64
	Checksum     string
	LastModified time.Time
}

// BundleInfo is the wire representation of bundle metadata.
type BundleInfo struct {
	Emulator     string    `json:"emulator"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
}

// ToInfo converts a Bundle to its wire form.
func (b *Bundle) ToInfo() BundleInfo {
	return BundleInfo{
		Emulator:     b.Emulator,
		LastModified: b.LastModified.UTC(),
		Size:         b.Size,
		Checksum:     b.Checksum,
	}
}

// BundleListResponse is returned by GET /saves.
type BundleListResponse struct {
	Saves []BundleInfo `json:"saves"`
}
