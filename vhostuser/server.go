// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"
)

const (
	flagVersionMask = 0x3
	flagReply       = 0x1 << 2
	flagNeedReply   = 0x1 << 3
)

const headerSize = 12

// queryRequests always get a reply, regardless of REPLY_ACK negotiation.
var queryRequests = map[uint32]bool{
	REQ_GET_FEATURES:          true,
	REQ_GET_PROTOCOL_FEATURES: true,
	REQ_GET_VRING_BASE:        true,
	REQ_GET_QUEUE_NUM:         true,
	REQ_GET_CONFIG:            true,
	REQ_GET_MAX_MEM_SLOTS:     true,
	REQ_GET_INFLIGHT_FD:       true,
}

// onMessage reads and dispatches exactly one vhost-user message from
// conn. A malformed message, a failed query, a failed SET_MEM_TABLE or
// a protocol violation (see isProtocolError, e.g. an unoffered feature
// bit) resets the device and drops the connection; any other failed
// action yields a u64 error reply if REPLY_ACK was requested and
// negotiated, and nothing otherwise.
func (d *Device) onMessage(conn *net.UnixConn) error {
	hdr, body, fds, err := readMessage(conn)
	if err != nil {
		d.log.Warnf("vhostuser: %v", err)
		d.dropConnection(conn)
		return nil
	}

	needReply := hdr.Flags&flagNeedReply != 0 &&
		d.negotiatedProtocolFeatures&(1<<PROTOCOL_F_REPLY_ACK) != 0

	reply, replyErr := d.dispatch(hdr, body, fds)
	if replyErr != nil {
		d.log.Warnf("vhostuser: %s: %v", reqNames[int(hdr.Request)], replyErr)
		if queryRequests[hdr.Request] || isProtocolError(replyErr) || hdr.Request == REQ_SET_MEM_TABLE {
			d.dropConnection(conn)
			return nil
		}
		if needReply {
			writeU64Reply(conn, hdr.Request, errnoOf(replyErr))
		}
		return nil
	}

	if queryRequests[hdr.Request] {
		writeReply(conn, hdr.Request, reply)
	} else if needReply {
		writeU64Reply(conn, hdr.Request, 0)
	}
	return nil
}

func errnoOf(err error) uint64 {
	if errno, ok := err.(syscall.Errno); ok {
		return uint64(errno)
	}
	return uint64(syscall.EINVAL)
}

func readMessage(conn *net.UnixConn) (Header, []byte, []int, error) {
	hdrBuf := make([]byte, headerSize)
	oob := make([]byte, syscall.CmsgSpace(BACKEND_MAX_FDS*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("read header: %w", err)
	}
	if n != headerSize {
		return Header{}, nil, nil, fmt.Errorf("short header read: %d bytes", n)
	}

	hdr := Header{
		Request: binary.LittleEndian.Uint32(hdrBuf[0:4]),
		Flags:   binary.LittleEndian.Uint32(hdrBuf[4:8]),
		Size:    binary.LittleEndian.Uint32(hdrBuf[8:12]),
	}
	if hdr.Flags&flagVersionMask != 1 {
		return Header{}, nil, nil, fmt.Errorf("unsupported message version %d", hdr.Flags&flagVersionMask)
	}
	if hdr.Request >= REQ_MAX {
		return Header{}, nil, nil, fmt.Errorf("unknown request %d", hdr.Request)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Header{}, nil, nil, err
	}

	// SET_VRING_KICK/CALL/ERR may also arrive with no fd at all (bit 8
	// of the payload); decodeU8Payload checks those against the payload.
	fdOptional := hdr.Request == REQ_SET_VRING_KICK || hdr.Request == REQ_SET_VRING_CALL || hdr.Request == REQ_SET_VRING_ERR
	if want, ok := inFDCount[hdr.Request]; ok && hdr.Request != REQ_SET_MEM_TABLE && !(fdOptional && len(fds) == 0) && len(fds) != want {
		return Header{}, nil, nil, fmt.Errorf("%s: expected %d fds, got %d", reqNames[int(hdr.Request)], want, len(fds))
	}

	var body []byte
	if hdr.Size > 0 {
		body = make([]byte, hdr.Size)
		if _, err := readFull(conn, body); err != nil {
			return Header{}, nil, nil, fmt.Errorf("read body: %w", err)
		}
	}
	return hdr, body, fds, nil
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		f, err := syscall.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

func writeReply(conn *net.UnixConn, req uint32, payload []byte) {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], req)
	binary.LittleEndian.PutUint32(hdr[4:8], 1|flagReply)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	conn.Write(hdr)
	if len(payload) > 0 {
		conn.Write(payload)
	}
}

func writeU64Reply(conn *net.UnixConn, req uint32, val uint64) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, val)
	writeReply(conn, req, payload)
}

// closeFd closes fd if it denotes a real descriptor, tolerating the -1
// sentinel decodeU8Payload returns for "no fd enclosed".
func closeFd(fd int) {
	if fd >= 0 {
		syscall.Close(fd)
	}
}

// dispatch executes one already-framed request and returns the reply
// payload for query requests (nil otherwise).
func (d *Device) dispatch(hdr Header, body []byte, fds []int) ([]byte, error) {
	closeUnused := func(used int) {
		if used >= len(fds) {
			return
		}
		for _, f := range fds[used:] {
			syscall.Close(f)
		}
	}

	switch hdr.Request {
	case REQ_GET_FEATURES:
		return u64Payload(d.getFeatures()), nil

	case REQ_SET_FEATURES:
		if err := checkSize(body, 8); err != nil {
			return nil, err
		}
		return nil, d.setFeatures(binary.LittleEndian.Uint64(body))

	case REQ_GET_PROTOCOL_FEATURES:
		return u64Payload(d.getProtocolFeatures()), nil

	case REQ_SET_PROTOCOL_FEATURES:
		if err := checkSize(body, 8); err != nil {
			return nil, err
		}
		return nil, d.setProtocolFeatures(binary.LittleEndian.Uint64(body))

	case REQ_SET_OWNER:
		return nil, d.setOwner()

	case REQ_RESET_OWNER:
		d.resetLocked()
		return nil, nil

	case REQ_GET_QUEUE_NUM:
		return u64Payload(d.getQueueNum()), nil

	case REQ_GET_MAX_MEM_SLOTS:
		return u64Payload(d.getMaxMemslots()), nil

	case REQ_SET_BACKEND_REQ_FD:
		defer closeUnused(1)
		if len(fds) != 1 {
			return nil, errNoFd
		}
		d.setReqFD(fds[0])
		return nil, nil

	case REQ_SET_MEM_TABLE:
		defer func() { closeUnused(0) }() // setMemTable consumes every fd itself
		msg, err := decodeMemoryMsg(body)
		if err != nil {
			return nil, err
		}
		return nil, d.setMemTable(msg, fds)

	case REQ_SET_VRING_NUM:
		st, err := decodeVringState(body)
		if err != nil {
			return nil, err
		}
		return nil, d.setVringNum(int(st.Index), st.Num)

	case REQ_SET_VRING_ADDR:
		addr, err := decodeVringAddr(body)
		if err != nil {
			return nil, err
		}
		return nil, d.setVringAddr(addr)

	case REQ_SET_VRING_BASE:
		st, err := decodeVringState(body)
		if err != nil {
			return nil, err
		}
		return nil, d.setVringBase(int(st.Index), st.Num)

	case REQ_GET_VRING_BASE:
		st, err := decodeVringState(body)
		if err != nil {
			return nil, err
		}
		base, err := d.getVringBase(int(st.Index))
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[0:4], st.Index)
		binary.LittleEndian.PutUint32(out[4:8], base)
		return out, nil

	case REQ_SET_VRING_KICK:
		idx, fd, err := decodeU8Payload(body, fds)
		if err != nil {
			closeUnused(0)
			return nil, err
		}
		if err := d.setVringKick(idx, fd); err != nil {
			closeFd(fd)
			return nil, err
		}
		return nil, d.registerKick(idx)

	case REQ_SET_VRING_CALL:
		idx, fd, err := decodeU8Payload(body, fds)
		if err != nil {
			closeUnused(0)
			return nil, err
		}
		if err := d.setVringCall(idx, fd); err != nil {
			closeFd(fd)
			return nil, err
		}
		return nil, nil

	case REQ_SET_VRING_ERR:
		idx, fd, err := decodeU8Payload(body, fds)
		if err != nil {
			closeUnused(0)
			return nil, err
		}
		if err := d.setVringErr(idx, fd); err != nil {
			closeFd(fd)
			return nil, err
		}
		return nil, nil

	case REQ_SET_VRING_ENABLE:
		st, err := decodeVringState(body)
		if err != nil {
			return nil, err
		}
		return nil, d.setVringEnable(int(st.Index), st.Num != 0)

	case REQ_GET_CONFIG:
		cfg, err := decodeConfigMsg(body)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(body))
		copy(out, body)
		if err := d.getConfig(out[12 : 12+cfg.Size]); err != nil {
			return nil, err
		}
		return out, nil

	case REQ_RESET_DEVICE:
		d.resetLocked()
		return nil, nil

	case REQ_SET_LOG_BASE, REQ_SET_LOG_FD:
		closeUnused(0)
		return nil, nil

	default:
		closeUnused(0)
		return nil, fmt.Errorf("unhandled request %s", reqNames[int(hdr.Request)])
	}
}

func checkSize(body []byte, want int) error {
	if len(body) != want {
		return fmt.Errorf("bad payload size %d, want %d", len(body), want)
	}
	return nil
}

func u64Payload(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func decodeVringState(body []byte) (*VhostVringState, error) {
	if err := checkSize(body, int(unsafe.Sizeof(VhostVringState{}))); err != nil {
		return nil, err
	}
	return (*VhostVringState)(unsafe.Pointer(&body[0])), nil
}

func decodeVringAddr(body []byte) (*VhostVringAddr, error) {
	if err := checkSize(body, int(unsafe.Sizeof(VhostVringAddr{}))); err != nil {
		return nil, err
	}
	return (*VhostVringAddr)(unsafe.Pointer(&body[0])), nil
}

func decodeConfigMsg(body []byte) (*VhostUserConfig, error) {
	if len(body) < 12 {
		return nil, fmt.Errorf("GET_CONFIG payload too short: %d bytes", len(body))
	}
	cfg := &VhostUserConfig{
		Offset: binary.LittleEndian.Uint32(body[0:4]),
		Size:   binary.LittleEndian.Uint32(body[4:8]),
		Flags:  binary.LittleEndian.Uint32(body[8:12]),
	}
	if cfg.Size > MAX_CONFIG_SIZE || len(body) < 12+int(cfg.Size) {
		return nil, fmt.Errorf("GET_CONFIG: bad size %d", cfg.Size)
	}
	return cfg, nil
}

func decodeMemoryMsg(body []byte) (*VhostUserMemory, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("SET_MEM_TABLE payload too short: %d bytes", len(body))
	}
	nregions := binary.LittleEndian.Uint32(body[0:4])
	if nregions > VHOST_MEMORY_BASELINE_NREGIONS {
		return nil, fmt.Errorf("SET_MEM_TABLE: %d regions exceeds max %d", nregions, VHOST_MEMORY_BASELINE_NREGIONS)
	}
	const regionSize = 32
	want := 8 + int(nregions)*regionSize
	if len(body) < want {
		return nil, fmt.Errorf("SET_MEM_TABLE payload too short for %d regions", nregions)
	}

	msg := &VhostUserMemory{Nregions: nregions}
	for i := 0; i < int(nregions); i++ {
		off := 8 + i*regionSize
		msg.Regions[i] = VhostUserMemoryRegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(body[off:]),
			MemorySize:    binary.LittleEndian.Uint64(body[off+8:]),
			DriverAddr:    binary.LittleEndian.Uint64(body[off+16:]),
			MmapOffset:    binary.LittleEndian.Uint64(body[off+24:]),
		}
	}
	return msg, nil
}

// decodeU8Payload decodes the packed u64 payload of SET_VRING_KICK/
// CALL/ERR: the low byte is the vring index; bit 8 set means no fd is
// attached and polling/notification falls back to some other mechanism,
// otherwise exactly one fd must have arrived via SCM_RIGHTS.
func decodeU8Payload(body []byte, fds []int) (idx int, fd int, err error) {
	if err := checkSize(body, 8); err != nil {
		return 0, -1, err
	}
	raw := binary.LittleEndian.Uint64(body)
	idx = int(raw & 0xff)
	if raw&(1<<8) != 0 {
		return idx, -1, nil
	}
	if len(fds) != 1 {
		return 0, -1, errNoFd
	}
	return idx, fds[0], nil
}
