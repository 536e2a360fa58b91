// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reactor implements a single-threaded, cooperative epoll event
// loop: register a file descriptor and a callback, run, and the
// callback fires whenever the fd becomes readable or hangs up.
//
// The one property every caller in this module depends on:
// Unregister is safe to call from inside a callback, even for an fd
// whose event is already in the batch epoll_wait just returned.
package reactor

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Mask is a subset of {Readable, Hangup}.
type Mask uint32

const (
	Readable Mask = unix.EPOLLIN
	Hangup   Mask = unix.EPOLLHUP
)

// Callback is invoked once per readable/hangup event on its fd. An
// error return is fatal: Run stops and returns it.
type Callback func() error

const maxEvents = 128

// pollTimeoutMillis bounds how long EpollWait blocks so Run can notice
// context cancellation without a self-pipe.
const pollTimeoutMillis = 100

// Reactor multiplexes file descriptors on a single goroutine.
type Reactor struct {
	epfd     int
	handlers map[int]Callback

	events [maxEvents]unix.EpollEvent
	cursor int
	count  int
}

// New creates an epoll instance.
func New() (*Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: fd, handlers: make(map[int]Callback)}, nil
}

// Register starts watching fd for the given interest mask, invoking cb
// on every matching event.
func (r *Reactor) Register(fd int, mask Mask, cb Callback) error {
	ev := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(add, %d): %w", fd, err)
	}
	r.handlers[fd] = cb
	return nil
}

// Unregister stops watching fd. Safe to call from within a callback,
// including the callback currently running for fd itself or for any
// other fd in the same epoll_wait batch: any remaining entry for fd in
// the in-flight batch is nulled out so it is not dispatched again.
func (r *Reactor) Unregister(fd int) error {
	if _, ok := r.handlers[fd]; !ok {
		return nil
	}
	delete(r.handlers, fd)

	for i := r.cursor; i < r.count; i++ {
		if int(r.events[i].Fd) == fd {
			r.events[i].Fd = -1
		}
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(del, %d): %w", fd, err)
	}
	return nil
}

// Run dispatches events until ctx is cancelled or a callback returns an
// error, which Run then returns. ctx.Err() is returned on cancellation.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(r.epfd, r.events[:], pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		r.count = n
		for r.cursor = 0; r.cursor < r.count; r.cursor++ {
			fd := int(r.events[r.cursor].Fd)
			if fd < 0 {
				continue // nulled out by an Unregister earlier in this batch
			}
			cb, ok := r.handlers[fd]
			if !ok {
				continue
			}
			if err := cb(); err != nil {
				return err
			}
		}
	}
}

// Close releases the epoll instance. It does not close registered fds.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
