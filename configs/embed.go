package configs

import _ "embed"

// DeviceTypes is the shipped device-type catalog. It is written to the
// configured catalog path on first start and can be edited there.
//
//go:embed device_types.yaml
var DeviceTypes []byte
