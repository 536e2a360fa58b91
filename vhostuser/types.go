// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

// protocol features vhost-user.h
const (
	PROTOCOL_F_MQ             = 0
	PROTOCOL_F_LOG_SHMFD      = 1
	PROTOCOL_F_RARP           = 2
	PROTOCOL_F_REPLY_ACK      = 3
	PROTOCOL_F_NET_MTU        = 4
	PROTOCOL_F_BACKEND_REQ    = 5
	PROTOCOL_F_CROSS_ENDIAN   = 6
	PROTOCOL_F_CRYPTO_SESSION = 7
	PROTOCOL_F_PAGEFAULT      = 8
	PROTOCOL_F_CONFIG         = 9
	// aka. VHOST_USER_PROTOCOL_F_SLAVE_SEND_FD =10
	PROTOCOL_F_BACKEND_SEND_FD      = 10
	PROTOCOL_F_HOST_NOTIFIER        = 11
	PROTOCOL_F_INFLIGHT_SHMFD       = 12
	PROTOCOL_F_RESET_DEVICE         = 13
	PROTOCOL_F_INBAND_NOTIFICATIONS = 14
	PROTOCOL_F_CONFIGURE_MEM_SLOTS  = 15
	PROTOCOL_F_STATUS               = 16
	/* Feature 17 reserved for PROTOCOL_F_XEN_MMAP. */
	PROTOCOL_F_SHARED_OBJECT = 18
	PROTOCOL_F_DEVICE_STATE  = 19
	PROTOCOL_F_MAX           = 20
)

// include/standard-headers/linux/virtio_config.h
// include/standard-headers/linux/vhost_types.h
const (
	F_NOTIFY_ON_EMPTY = 24
	F_LOG_ALL         = 26

	F_ANY_LAYOUT = 27

	// include/standard-headers/linux/virtio_ring.h
	//  https://stackoverflow.com/questions/46334546/what-is-indirect-buffer-and-indirect-descriptor
	RING_F_INDIRECT_DESC = 28
	RING_F_EVENT_IDX     = 29

	F_PROTOCOL_FEATURES = 30

	F_VERSION_1         = 32
	F_ACCESS_PLATFORM   = 33
	F_RING_PACKED       = 34
	F_IN_ORDER          = 35
	F_ORDER_PLATFORM    = 36
	F_SR_IOV            = 37
	F_NOTIFICATION_DATA = 38
	F_NOTIF_CONFIG_DATA = 39
	F_RING_RESET        = 40
	F_ADMIN_VQ          = 41
)

// VhostUserRequest

const (
	REQ_NONE                  = 0
	REQ_GET_FEATURES          = 1
	REQ_SET_FEATURES          = 2
	REQ_SET_OWNER             = 3
	REQ_RESET_OWNER           = 4
	REQ_SET_MEM_TABLE         = 5
	REQ_SET_LOG_BASE          = 6
	REQ_SET_LOG_FD            = 7
	REQ_SET_VRING_NUM         = 8
	REQ_SET_VRING_ADDR        = 9
	REQ_SET_VRING_BASE        = 10
	REQ_GET_VRING_BASE        = 11
	REQ_SET_VRING_KICK        = 12
	REQ_SET_VRING_CALL        = 13
	REQ_SET_VRING_ERR         = 14
	REQ_GET_PROTOCOL_FEATURES = 15
	REQ_SET_PROTOCOL_FEATURES = 16
	REQ_GET_QUEUE_NUM         = 17
	REQ_SET_VRING_ENABLE      = 18
	REQ_SEND_RARP             = 19
	REQ_NET_SET_MTU           = 20
	REQ_SET_BACKEND_REQ_FD    = 21
	REQ_IOTLB_MSG             = 22
	REQ_SET_VRING_ENDIAN      = 23
	REQ_GET_CONFIG            = 24
	REQ_SET_CONFIG            = 25
	REQ_CREATE_CRYPTO_SESSION = 26
	REQ_CLOSE_CRYPTO_SESSION  = 27
	REQ_POSTCOPY_ADVISE       = 28
	REQ_POSTCOPY_LISTEN       = 29
	REQ_POSTCOPY_END          = 30
	REQ_GET_INFLIGHT_FD       = 31
	REQ_SET_INFLIGHT_FD       = 32
	REQ_GPU_SET_SOCKET        = 33
	REQ_RESET_DEVICE          = 34
	/* Message number 35 reserved for REQ_VRING_KICK. */
	REQ_GET_MAX_MEM_SLOTS   = 36
	REQ_ADD_MEM_REG         = 37
	REQ_REM_MEM_REG         = 38
	REQ_SET_STATUS          = 39
	REQ_GET_STATUS          = 40
	REQ_GET_SHARED_OBJECT   = 41
	REQ_SET_DEVICE_STATE_FD = 42
	REQ_CHECK_DEVICE_STATE  = 43
	REQ_MAX                 = 44
)

var reqNames = map[int]string{
	REQ_NONE:                  "NONE",
	REQ_GET_FEATURES:          "GET_FEATURES",
	REQ_SET_FEATURES:          "SET_FEATURES",
	REQ_SET_OWNER:             "SET_OWNER",
	REQ_RESET_OWNER:           "RESET_OWNER",
	REQ_SET_MEM_TABLE:         "SET_MEM_TABLE",
	REQ_SET_LOG_BASE:          "SET_LOG_BASE",
	REQ_SET_LOG_FD:            "SET_LOG_FD",
	REQ_SET_VRING_NUM:         "SET_VRING_NUM",
	REQ_SET_VRING_ADDR:        "SET_VRING_ADDR",
	REQ_SET_VRING_BASE:        "SET_VRING_BASE",
	REQ_GET_VRING_BASE:        "GET_VRING_BASE",
	REQ_SET_VRING_KICK:        "SET_VRING_KICK",
	REQ_SET_VRING_CALL:        "SET_VRING_CALL",
	REQ_SET_VRING_ERR:         "SET_VRING_ERR",
	REQ_GET_PROTOCOL_FEATURES: "GET_PROTOCOL_FEATURES",
	REQ_SET_PROTOCOL_FEATURES: "SET_PROTOCOL_FEATURES",
	REQ_GET_QUEUE_NUM:         "GET_QUEUE_NUM",
	REQ_SET_VRING_ENABLE:      "SET_VRING_ENABLE",
	REQ_SEND_RARP:             "SEND_RARP",
	REQ_NET_SET_MTU:           "NET_SET_MTU",
	REQ_SET_BACKEND_REQ_FD:    "SET_BACKEND_REQ_FD",
	REQ_IOTLB_MSG:             "IOTLB_MSG",
	REQ_SET_VRING_ENDIAN:      "SET_VRING_ENDIAN",
	REQ_GET_CONFIG:            "GET_CONFIG",
	REQ_SET_CONFIG:            "SET_CONFIG",
	REQ_CREATE_CRYPTO_SESSION: "CREATE_CRYPTO_SESSION",
	REQ_CLOSE_CRYPTO_SESSION:  "CLOSE_CRYPTO_SESSION",
	REQ_POSTCOPY_ADVISE:       "POSTCOPY_ADVISE",
	REQ_POSTCOPY_LISTEN:       "POSTCOPY_LISTEN",
	REQ_POSTCOPY_END:          "POSTCOPY_END",
	REQ_GET_INFLIGHT_FD:       "GET_INFLIGHT_FD",
	REQ_SET_INFLIGHT_FD:       "SET_INFLIGHT_FD",
	REQ_GPU_SET_SOCKET:        "GPU_SET_SOCKET",
	REQ_RESET_DEVICE:          "RESET_DEVICE",
	REQ_GET_MAX_MEM_SLOTS:     "GET_MAX_MEM_SLOTS",
	REQ_ADD_MEM_REG:           "ADD_MEM_REG",
	REQ_REM_MEM_REG:           "REM_MEM_REG",
	REQ_SET_STATUS:            "SET_STATUS",
	REQ_GET_STATUS:            "GET_STATUS",
	REQ_GET_SHARED_OBJECT:     "GET_SHARED_OBJECT",
	REQ_SET_DEVICE_STATE_FD:   "SET_DEVICE_STATE_FD",
	REQ_CHECK_DEVICE_STATE:    "CHECK_DEVICE_STATE",
	REQ_MAX:                   "MAX",
}

const (
	VHOST_MEMORY_BASELINE_NREGIONS = 8
	BACKEND_MAX_FDS                = 8
	MAX_CONFIG_SIZE                = 256
)

// inFDCount lists requests that carry a fixed number of SCM_RIGHTS fds,
// checked by readMessage before the payload is even parsed.
// SET_VRING_KICK/CALL/ERR may instead carry none when bit 8 of their
// payload is set; readMessage lets those through with zero fds.
// SET_MEM_TABLE is variable-count (one fd per region) and is excluded
// here, checked instead against its own Nregions field.
var inFDCount = map[uint32]int{
	REQ_SET_BACKEND_REQ_FD: 1,
	REQ_SET_VRING_CALL:     1,
	REQ_SET_VRING_ERR:      1,
	REQ_ADD_MEM_REG:        1,
	REQ_SET_VRING_KICK:     1,
	REQ_SET_LOG_BASE:       1,
}

type VhostVringState struct {
	Index uint32
	Num   uint32 // unsigned int?
}

type VhostVringAddr struct {
	Index uint32
	/* Option flags. */
	Flags uint32
	/* Flag values: */
	/* Whether log address is valid. If set enables logging. */
	//#define VHOST_VRING_F_LOG 0

	/* Start of array of descriptors (virtually contiguous) */
	DescUserAddr uint64
	/* Used structure address. Must be 32 bit aligned */
	UsedUserAddr uint64
	/* Available structure address. Must be 16 bit aligned */
	AvailUserAddr uint64
	/* Logging support. */
	/* Log writes to used structure, at offset calculated from specified
	 * address. Address must be 32 bit aligned. */
	LogGuestAddr uint64
}

type VhostUserMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	DriverAddr    uint64
	MmapOffset    uint64
}

type VhostUserMemory struct {
	Nregions uint32
	Padding  uint32
	Regions  [VHOST_MEMORY_BASELINE_NREGIONS]VhostUserMemoryRegion
}

type VhostUserConfig struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region [MAX_CONFIG_SIZE]uint8
}

type Header struct {
	Request uint32
	/*
			VERSION_MASK     (0x3)
		        USER_REPLY  (0x1 << 2)
		        NEED_REPLY  (0x1 << 3)
	*/
	Flags uint32
	/* the following payload size */
	Size uint32
}
