// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command vhostuserblkd is a vhost-user virtio-blk backend: it exposes a
// single backing file over a vhost-user UNIX socket for a hypervisor to
// attach as a vhost-user-blk PCI device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hexonxon/libvhost-user/blkdev"
	"github.com/hexonxon/libvhost-user/reactor"
	"github.com/hexonxon/libvhost-user/storage"
	"github.com/hexonxon/libvhost-user/vhostuser"
	"github.com/hexonxon/libvhost-user/vlog"
)

func main() {
	var (
		sockPath  = flag.String("socket", "", "vhost-user control socket path (required)")
		imagePath = flag.String("file", "", "backing file path (required)")
		blockSize = flag.Uint("block-size", 512, "logical block size in bytes")
		readOnly  = flag.Bool("readonly", false, "expose the device as read-only")
		writeback = flag.Bool("writeback", true, "advertise VIRTIO_BLK_F_FLUSH (cache writeback, flush on demand)")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *sockPath == "" || *imagePath == "" {
		fmt.Fprintln(os.Stderr, "vhostuserblkd: -socket and -file are required")
		flag.Usage()
		os.Exit(2)
	}

	level := vlog.LevelInfo
	if *debug {
		level = vlog.LevelDebug
	}
	log := vlog.New("vhostuserblkd: ", level)

	if err := run(*sockPath, *imagePath, uint32(*blockSize), *readOnly, *writeback, log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(sockPath, imagePath string, blockSize uint32, readOnly, writeback bool, log *vlog.Logger) error {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(imagePath, flags, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", imagePath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", imagePath, err)
	}
	if fi.Size()%int64(blockSize) != 0 {
		return fmt.Errorf("%s: size %d is not a multiple of block size %d", imagePath, fi.Size(), blockSize)
	}
	totalSectors := uint64(fi.Size()) / 512

	dev, err := blkdev.New(totalSectors, blockSize, readOnly, writeback, nil)
	if err != nil {
		return fmt.Errorf("configure device: %w", err)
	}

	backend, err := storage.NewFileBackend(f, dev, log)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer backend.Close()
	dev.SetBackend(backend)

	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("create reactor: %w", err)
	}
	defer r.Close()

	vdev, err := vhostuser.Listen(sockPath, dev, 1, r, log)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", sockPath, err)
	}
	defer vdev.Close()

	if err := r.Register(backend.CompletionFD(), reactor.Readable, backend.Drain); err != nil {
		return fmt.Errorf("register completion fd: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("serving %s (%d sectors, block size %d, readonly=%v) on %s",
		imagePath, totalSectors, blockSize, readOnly, sockPath)

	if err := vdev.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
