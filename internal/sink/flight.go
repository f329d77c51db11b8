package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-denoise/internal/imageio"
	"github.com/23skdu/longbow-denoise/internal/logger"
)

// DefaultFlightPath is the descriptor path frames are put under.
const DefaultFlightPath = "denoised"

// FlightSink streams each frame to an Arrow Flight server with DoPut.
type FlightSink struct {
	addr    string
	path    []string
	timeout time.Duration
	mem     memory.Allocator
	log     *logger.Logger

	// mu is held shared for the length of a put so Close cannot tear the
	// client down under it.
	mu     sync.RWMutex
	client flight.Client
}

// NewFlightSink creates a sink for the server at addr (host:port).
func NewFlightSink(addr string, path ...string) *FlightSink {
	if len(path) == 0 {
		path = []string{DefaultFlightPath}
	}
	return &FlightSink{
		addr:    addr,
		path:    path,
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
		log:     logger.Log.Component("flight").With("addr", addr),
	}
}

// Connect dials the server. Write connects lazily when needed.
func (s *FlightSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *FlightSink) connectLocked() error {
	if s.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddleware(s.addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	s.client = client
	return nil
}

func (s *FlightSink) Write(ctx context.Context, r *imageio.Raster) error {
	client, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	rec := NewFrameRecord(s.mem, r)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(FrameSchema), ipc.WithAllocator(s.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: append(append([]string(nil), s.path...), r.Name),
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write frame %s: %w", r.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut: %w", err)
		}
	}

	s.log.Debug("frame sent", "frame", r.Name, "bytes", len(r.Pixels))
	return nil
}

// acquire returns a connected client with the read lock held.
func (s *FlightSink) acquire() (flight.Client, error) {
	s.mu.RLock()
	if s.client != nil {
		return s.client, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	err := s.connectLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.acquire()
}

func (s *FlightSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *FlightSink) String() string { return "flight://" + s.addr }
