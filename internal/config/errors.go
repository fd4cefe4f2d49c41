package config

import "github.com/ruvnet/bftreplica/internal/errors"

var (
	errInvalidClusterSize = errors.New(errors.Communication, "cluster size n must be >= 3f+1")
	errInvalidNodeId      = errors.New(errors.Communication, "node id out of range for configured n/first_cli")
)
