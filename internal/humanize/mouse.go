// Package humanize performs the user interactions a synthetic page needs:
// clicking the submit control and assigning upload files to file inputs.
//
// Clicks are dispatched as raw Input.dispatchMouseEvent moved/pressed/released
// events at the center of the element's content box, which is what a real
// pointer produces. With humanized movement enabled the pointer travels a
// Bezier path to the target first.
package humanize

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Point represents a 2D coordinate.
type Point struct {
	X, Y float64
}

// MouseConfig contains configuration for pointer movement before a click.
type MouseConfig struct {
	// MinSteps and MaxSteps bound the number of mouseMoved events per move.
	// A single step jumps straight to the target.
	MinSteps int
	MaxSteps int
	StepDelay Jitter
	// Hover is the pause between arriving and pressing.
	Hover Jitter
}

// DirectMouseConfig moves straight to the target with a single event.
func DirectMouseConfig() MouseConfig {
	return MouseConfig{MinSteps: 1, MaxSteps: 1}
}

// HumanMouseConfig returns defaults for a human-like approach path.
func HumanMouseConfig() MouseConfig {
	return MouseConfig{
		MinSteps:  15,
		MaxSteps:  30,
		StepDelay: Jitter{Min: 3 * time.Millisecond, Max: 12 * time.Millisecond},
		Hover:     Jitter{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond},
	}
}

// Mouse dispatches pointer events to a page.
type Mouse struct {
	page   *rod.Page
	config MouseConfig
	pos    Point
}

// NewMouse creates a mouse controller for page with the given config.
func NewMouse(page *rod.Page, config MouseConfig) *Mouse {
	if config.MinSteps < 1 {
		config.MinSteps = 1
	}
	if config.MaxSteps < config.MinSteps {
		config.MaxSteps = config.MinSteps
	}
	return &Mouse{page: page, config: config}
}

// Position returns the last dispatched pointer position.
func (m *Mouse) Position() Point {
	return m.pos
}

// MoveTo moves the pointer to (x, y).
func (m *Mouse) MoveTo(ctx context.Context, x, y float64) error {
	end := Point{X: x, Y: y}
	steps := m.config.MinSteps + rand.Intn(m.config.MaxSteps-m.config.MinSteps+1)

	path := []Point{end}
	if steps > 1 {
		path = generateBezierPath(m.pos, end, steps)[1:]
	}

	page := m.page.Context(ctx)
	for i, p := range path {
		err := proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    p.X,
			Y:    p.Y,
		}.Call(page)
		if err != nil {
			return fmt.Errorf("mouse move: %w", err)
		}
		m.pos = p

		if i < len(path)-1 && !m.config.StepDelay.Wait(ctx) {
			return ctx.Err()
		}
	}
	return nil
}

// Click moves to (x, y) and presses and releases the left button there.
func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	if err := m.MoveTo(ctx, x, y); err != nil {
		return err
	}

	if !m.config.Hover.Wait(ctx) {
		return ctx.Err()
	}

	page := m.page.Context(ctx)
	for _, typ := range []proto.InputDispatchMouseEventType{
		proto.InputDispatchMouseEventTypeMousePressed,
		proto.InputDispatchMouseEventTypeMouseReleased,
	} {
		err := proto.InputDispatchMouseEvent{
			Type:       typ,
			X:          x,
			Y:          y,
			Button:     proto.InputMouseButtonLeft,
			ClickCount: 1,
		}.Call(page)
		if err != nil {
			return fmt.Errorf("mouse %s: %w", typ, err)
		}
	}

	log.Debug().Float64("x", x).Float64("y", y).Msg("Click dispatched")
	return nil
}

// ClickSelector clicks the center of the content box of the first element
// matching selector. It waits for the element until ctx is done.
func (m *Mouse) ClickSelector(ctx context.Context, selector string) error {
	el, err := m.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}

	box, err := proto.DOMGetBoxModel{ObjectID: el.Object.ObjectID}.Call(m.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("box model of %s: %w", selector, err)
	}
	if box.Model == nil {
		return types.Errorf(types.KindAutomationProtocol, "click", "%s has no box model", selector)
	}

	center, err := QuadCenter(box.Model.Content)
	if err != nil {
		return err
	}
	return m.Click(ctx, center.X, center.Y)
}

// QuadCenter returns the average of a quad's four corners.
func QuadCenter(quad proto.DOMQuad) (Point, error) {
	if len(quad) < 8 {
		return Point{}, types.Errorf(types.KindAutomationProtocol, "click", "element is not rendered")
	}
	return Point{
		X: (quad[0] + quad[2] + quad[4] + quad[6]) / 4,
		Y: (quad[1] + quad[3] + quad[5] + quad[7]) / 4,
	}, nil
}

// generateBezierPath generates a Bezier curve path between two points.
// Uses cubic Bezier with randomized control points for natural movement.
func generateBezierPath(start, end Point, numPoints int) []Point {
	if numPoints < 2 {
		numPoints = 2
	}

	dx := end.X - start.X
	dy := end.Y - start.Y
	distance := math.Sqrt(dx*dx + dy*dy)

	// Control points sit off the straight line, on a random side.
	ctrl1Offset := distance * (0.2 + rand.Float64()*0.3)
	ctrl2Offset := distance * (0.2 + rand.Float64()*0.3)
	side1, side2 := 1.0, 1.0
	if rand.Float64() < 0.5 {
		side1 = -1.0
	}
	if rand.Float64() < 0.5 {
		side2 = -1.0
	}

	var perpX, perpY float64
	if distance != 0 {
		perpX = -dy / distance
		perpY = dx / distance
	}

	ctrl1 := Point{
		X: start.X + dx*0.33 + perpX*ctrl1Offset*side1,
		Y: start.Y + dy*0.33 + perpY*ctrl1Offset*side1,
	}
	ctrl2 := Point{
		X: start.X + dx*0.67 + perpX*ctrl2Offset*side2,
		Y: start.Y + dy*0.67 + perpY*ctrl2Offset*side2,
	}

	points := make([]Point, numPoints)
	for i := 0; i < numPoints; i++ {
		t := easeInOutCubic(float64(i) / float64(numPoints-1))

		mt := 1 - t
		mt2 := mt * mt
		mt3 := mt2 * mt
		t2 := t * t
		t3 := t2 * t

		points[i] = Point{
			X: mt3*start.X + 3*mt2*t*ctrl1.X + 3*mt*t2*ctrl2.X + t3*end.X,
			Y: mt3*start.Y + 3*mt2*t*ctrl1.Y + 3*mt*t2*ctrl2.Y + t3*end.Y,
		}
	}

	return points
}

// easeInOutCubic starts slow, speeds up, then slows down.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
