package env

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/cartridge/selfsup/internal/episode"
)

// Grid actions.
const (
	ActionLeft = iota
	ActionRight
	ActionForward
)

// GridConfig configures a GridWorld.
type GridConfig struct {
	Size        int
	CellPixels  int
	MaxSteps    int
	Seed        int64
	RandomStart bool
}

// GridWorld is an empty square room: the agent turns or moves forward and
// the episode ends at the goal in the bottom-right corner or after MaxSteps.
type GridWorld struct {
	cfg     GridConfig
	rng     *rand.Rand
	x, y    int
	heading int
	steps   int
}

// NewGridWorld creates a GridWorld, filling unset config fields.
func NewGridWorld(cfg GridConfig) *GridWorld {
	if cfg.Size < 2 {
		cfg.Size = 5
	}
	if cfg.CellPixels <= 0 {
		cfg.CellPixels = 4
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 4 * cfg.Size * cfg.Size
	}
	return &GridWorld{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// ID implements Environment.
func (g *GridWorld) ID() string {
	return fmt.Sprintf("gridworld-%dx%d", g.cfg.Size, g.cfg.Size)
}

// NumActions implements Environment.
func (g *GridWorld) NumActions() int { return 3 }

// NumClasses implements Environment.
func (g *GridWorld) NumClasses() map[string]int {
	return map[string]int{LabelX: g.cfg.Size, LabelY: g.cfg.Size, LabelHeading: 4}
}

// Reset implements Environment.
func (g *GridWorld) Reset(ctx context.Context) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	g.steps = 0
	g.x, g.y, g.heading = 0, 0, 0
	if g.cfg.RandomStart {
		for {
			g.x, g.y = g.rng.Intn(g.cfg.Size), g.rng.Intn(g.cfg.Size)
			if !g.atGoal() {
				break
			}
		}
		g.heading = g.rng.Intn(4)
	}
	return g.observe(), nil
}

// Step implements Environment.
func (g *GridWorld) Step(ctx context.Context, action int) (Observation, float32, bool, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, 0, false, err
	}
	switch action {
	case ActionLeft:
		g.heading = (g.heading + 3) % 4
	case ActionRight:
		g.heading = (g.heading + 1) % 4
	case ActionForward:
		nx, ny := g.x+headings[g.heading][0], g.y+headings[g.heading][1]
		if nx >= 0 && ny >= 0 && nx < g.cfg.Size && ny < g.cfg.Size {
			g.x, g.y = nx, ny
		}
	default:
		return Observation{}, 0, false, fmt.Errorf("invalid action %d", action)
	}
	g.steps++

	var reward float32
	done := false
	if g.atGoal() {
		reward = 1 - 0.9*float32(g.steps)/float32(g.cfg.MaxSteps)
		done = true
	} else if g.steps >= g.cfg.MaxSteps {
		done = true
	}
	return g.observe(), reward, done, nil
}

func (g *GridWorld) atGoal() bool {
	return g.x == g.cfg.Size-1 && g.y == g.cfg.Size-1
}

func (g *GridWorld) observe() Observation {
	dx, dy := headings[g.heading][0], headings[g.heading][1]
	heading, _ := DiscretizeHeading(dx, dy)
	return Observation{
		Frame: g.render(),
		Labels: map[string]int{
			LabelX:       g.x,
			LabelY:       g.y,
			LabelHeading: heading,
		},
	}
}

// render draws the goal green and the agent red, with a white pixel row on
// the side the agent faces.
func (g *GridWorld) render() episode.Frame {
	cell := g.cfg.CellPixels
	side := g.cfg.Size * cell
	f := episode.Frame{Pix: make([]uint8, side*side*3), Height: side, Width: side, Channels: 3}

	paint := func(cx, cy int, r, gr, b uint8) {
		for py := cy * cell; py < (cy+1)*cell; py++ {
			for px := cx * cell; px < (cx+1)*cell; px++ {
				i := (py*side + px) * 3
				f.Pix[i], f.Pix[i+1], f.Pix[i+2] = r, gr, b
			}
		}
	}
	paint(g.cfg.Size-1, g.cfg.Size-1, 0, 200, 0)
	paint(g.x, g.y, 200, 0, 0)

	for k := 0; k < cell; k++ {
		var px, py int
		switch g.heading {
		case 0:
			px, py = (g.x+1)*cell-1, g.y*cell+k
		case 1:
			px, py = g.x*cell+k, (g.y+1)*cell-1
		case 2:
			px, py = g.x*cell, g.y*cell+k
		default:
			px, py = g.x*cell+k, g.y*cell
		}
		i := (py*side + px) * 3
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 255, 255, 255
	}
	return f
}
