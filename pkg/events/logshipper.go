package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/bus"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// logTTL is the safety cap set on every containerlog.<id> key.
const logTTL = 3600 * time.Second

const (
	shipRetries    = 3
	shipRetryDelay = 200 * time.Millisecond
)

// LogShipper drains a container's log iterator into bounded chunks pushed
// to the bus.
type LogShipper struct {
	bus       bus.Bus
	producer  *Producer
	chunkSize int
}

// NewLogShipper constructs a shipper chunking at chunkSize bytes
// (container.container-logs.chunk-size, default 64 KiB).
func NewLogShipper(b bus.Bus, producer *Producer, chunkSize int) *LogShipper {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &LogShipper{bus: b, producer: producer, chunkSize: chunkSize}
}

// Ship drains it, a container's log iterator, pushing full-size chunks to
// containerlog.<container-id> as it fills a buffer, then the residual tail
// on completion. A chunk exactly equal to chunkSize emits one record and no
// spurious zero-byte tail record. kernel_log is always emitted on exit,
// even on iterator error.
func (s *LogShipper) Ship(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId, it backend.LogIterator) {
	logger := log.WithKernelID(string(kernelID))
	key := fmt.Sprintf("containerlog.%s", containerID)

	var buf []byte
	var shipErr error

	for {
		frag, err := it.Next(ctx)
		if len(frag) > 0 {
			buf = append(buf, frag...)
			for len(buf) >= s.chunkSize {
				chunk := buf[:s.chunkSize]
				buf = buf[s.chunkSize:]
				if pushErr := s.push(ctx, key, chunk); pushErr != nil {
					logger.Warn().Err(pushErr).Str("container_id", string(containerID)).Msg("failed to push log chunk")
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				shipErr = err
			}
			break
		}
	}

	if len(buf) > 0 {
		if pushErr := s.push(ctx, key, buf); pushErr != nil {
			logger.Warn().Err(pushErr).Str("container_id", string(containerID)).Msg("failed to push log tail")
		}
	}

	if closeErr := it.Close(); closeErr != nil {
		logger.Debug().Err(closeErr).Msg("error closing log iterator")
	}

	args := map[string]any{"kernel_id": string(kernelID), "container_id": string(containerID)}
	if shipErr != nil {
		args["error"] = shipErr.Error()
	}
	s.producer.ProduceEvent("kernel_log", args)
}

func (s *LogShipper) push(ctx context.Context, key string, chunk []byte) error {
	return retry(shipRetries, shipRetryDelay, func() error {
		return s.bus.ListPush(ctx, key, chunk, logTTL)
	})
}
