// Command gfmd-replicate runs the metadata-server replication daemon.
/*
 * Copyright (c) 2018, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"os"

	"github.com/golang/glog"

	"github.com/gfarm-project/gfmd-replicate/gfmd"
)

var (
	version = "unknown"
	build   = "unknown"
)

func main() {
	defer glog.Flush()
	if err := gfmd.Run(version, build); err != nil {
		glog.Errorf("exiting: %v", err)
		os.Exit(1)
	}
}
