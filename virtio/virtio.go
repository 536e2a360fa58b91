// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtio names the contract between the vhost-user control
// plane and a concrete device realization (block, net, ...) so the
// control plane never type-switches on device kind.
package virtio

import "github.com/hexonxon/libvhost-user/virtq"

// Device is the capability set the vhost-user control plane needs from
// an attached virtio device. blkdev.Device is the one concrete
// realization in this module.
type Device interface {
	// SupportedFeatures returns the device-specific feature bits this
	// device is willing to advertise, on top of the transport-level
	// bits the control plane adds unconditionally.
	SupportedFeatures() uint64

	// NegotiatedFeatures returns the feature bits accepted so far.
	NegotiatedFeatures() uint64

	// SetNegotiatedFeatures records the feature bits the driver and
	// the device have agreed on. The caller has already rejected any
	// bit not present in SupportedFeatures.
	SetNegotiatedFeatures(bits uint64) error

	// ConfigSize reports the size of the device config space exposed
	// via GET_CONFIG.
	ConfigSize() uint32

	// GetConfig fills out with the current config space contents.
	// len(out) == ConfigSize().
	GetConfig(out []byte) error

	// OnVringKick is invoked once per kick on a started vring. dev is
	// the device itself, passed back so the callback never needs to
	// close over it. The vhost-user control plane logs an error
	// returned here; it does not reset the device or drop the
	// connection.
	OnVringKick(dev Device, q *virtq.Queue) error
}
