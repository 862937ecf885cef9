package sampler

import (
	"fmt"
	"strings"

	"github.com/cartridge/selfsup/internal/episode"
)

// Index identifies a window by episode position and start frame.
type Index struct {
	Episode int `json:"episode"`
	Start   int `json:"start"`
}

// Lengths exposes episode lengths.
type Lengths interface {
	Len() int
	EpisodeLen(i int) int
}

// Source is random access to recorded episodes.
type Source interface {
	Lengths
	Episode(i int) (*episode.Episode, error)
}

// IndexPolicy selects which start frames count as valid.
type IndexPolicy int

const (
	// ReserveStride keeps starts 0..L-stride-1 of episodes long enough to
	// hold one window. Windows that would overrun are shifted backward when
	// sampled.
	ReserveStride IndexPolicy = iota
	// FullWindow keeps only starts whose whole window fits: i + n*stride <= L.
	FullWindow
)

func (p IndexPolicy) String() string {
	switch p {
	case ReserveStride:
		return "reserve-stride"
	case FullWindow:
		return "full-window"
	default:
		return fmt.Sprintf("IndexPolicy(%d)", int(p))
	}
}

// ParseIndexPolicy parses the String form of a policy.
func ParseIndexPolicy(s string) (IndexPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reserve-stride":
		return ReserveStride, nil
	case "full-window":
		return FullWindow, nil
	default:
		return 0, fmt.Errorf("unknown index policy %q", s)
	}
}

// Enumerate lists every valid window index, episode-major.
func Enumerate(src Lengths, numFrames, stride int, policy IndexPolicy) []Index {
	var out []Index
	episodes := src.Len()
	for ep := 0; ep < episodes; ep++ {
		last := lastStart(src.EpisodeLen(ep), numFrames, stride, policy)
		for start := 0; start <= last; start++ {
			out = append(out, Index{Episode: ep, Start: start})
		}
	}
	return out
}

// lastStart returns the largest valid start, or -1 when none exist.
// Episodes shorter than one window span contribute no starts.
func lastStart(length, numFrames, stride int, policy IndexPolicy) int {
	if length <= 0 || length < (numFrames-1)*stride+1 {
		return -1
	}
	switch policy {
	case FullWindow:
		return length - numFrames*stride
	default:
		return length - stride - 1
	}
}
