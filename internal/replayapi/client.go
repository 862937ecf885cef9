package replayapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/selfsup/internal/episode"
	"github.com/cartridge/selfsup/internal/sampler"
)

// Client calls a remote EpisodeReplay service. It satisfies collector.Sink.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// PushEpisode stores ep remotely and returns its ID and the remote window count.
func (c *Client) PushEpisode(ctx context.Context, ep episode.Episode) (string, int, error) {
	in, err := toStruct(ep)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode episode: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPushEpisode, in, out); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return "", 0, fmt.Errorf("%w (remote: %s)", episode.ErrInvalidEpisode, status.Convert(err).Message())
		}
		return "", 0, fromStatus(err)
	}
	var resp pushResponse
	if err := fromStruct(out, &resp); err != nil {
		return "", 0, err
	}
	return resp.EpisodeID, resp.NumWindows, nil
}

// Push implements collector.Sink.
func (c *Client) Push(ctx context.Context, ep episode.Episode) error {
	_, _, err := c.PushEpisode(ctx, ep)
	return err
}

// Sample draws a batch remotely. A batchSize of 0 uses the server default.
func (c *Client) Sample(ctx context.Context, batchSize int, withReplacement bool) (*sampler.Batch, error) {
	in, err := toStruct(sampleRequest{BatchSize: batchSize, WithReplacement: withReplacement})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodSample, in, out); err != nil {
		return nil, fromStatus(err)
	}
	var wire wireBatch
	if err := fromStruct(out, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return decodeBatch(wire), nil
}

// Stats fetches remote buffer statistics.
func (c *Client) Stats(ctx context.Context) (episode.Stats, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStats, &emptypb.Empty{}, out); err != nil {
		return episode.Stats{}, fromStatus(err)
	}
	var stats episode.Stats
	if err := fromStruct(out, &stats); err != nil {
		return episode.Stats{}, err
	}
	return stats, nil
}

// fromStatus restores sampler.ErrNoValidWindows from FailedPrecondition.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w (remote: %s)", sampler.ErrNoValidWindows, st.Message())
	default:
		return err
	}
}
