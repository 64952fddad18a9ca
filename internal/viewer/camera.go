package viewer

import (
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Pose is a camera position plus yaw/pitch in radians.
type Pose struct {
	Position mgl64.Vec3
	Yaw      float64
	Pitch    float64
}

// Forward is the unit view direction (yaw about +Y, 0 looks down -Z).
func (p Pose) Forward() mgl64.Vec3 {
	cp := math.Cos(p.Pitch)
	return mgl64.Vec3{-math.Sin(p.Yaw) * cp, math.Sin(p.Pitch), -math.Cos(p.Yaw) * cp}
}

// View is the world-to-camera matrix.
func (p Pose) View() mgl64.Mat4 {
	eye := p.Position
	return mgl64.LookAtV(eye, eye.Add(p.Forward()), mgl64.Vec3{0, 1, 0})
}

// Camera supplies the current pose. The driver only reads it.
type Camera interface {
	Pose() Pose
}

// RemoteCamera holds a pose pushed from another goroutine.
type RemoteCamera struct {
	mu   sync.RWMutex
	pose Pose
}

func NewRemoteCamera(p Pose) *RemoteCamera { return &RemoteCamera{pose: p} }

func (c *RemoteCamera) Pose() Pose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pose
}

func (c *RemoteCamera) Set(p Pose) {
	c.mu.Lock()
	c.pose = p
	c.mu.Unlock()
}

// Path flies through waypoints at a constant speed, looping at the end.
type Path struct {
	points []mgl64.Vec3
	cum    []float64
	speed  float64
	start  time.Time
	now    func() time.Time
}

func NewPath(points []mgl64.Vec3, speed float64) *Path {
	p := &Path{points: points, speed: speed, now: time.Now}
	p.cum = make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		p.cum[i] = p.cum[i-1] + points[i].Sub(points[i-1]).Len()
	}
	p.start = p.now()
	return p
}

func (p *Path) length() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// At returns the pose after travelling dist along the path.
func (p *Path) At(dist float64) Pose {
	switch len(p.points) {
	case 0:
		return Pose{}
	case 1:
		return Pose{Position: p.points[0]}
	}
	total := p.length()
	if total <= 0 {
		return Pose{Position: p.points[0]}
	}
	dist = math.Mod(dist, total)
	if dist < 0 {
		dist += total
	}
	i := 1
	for i < len(p.cum)-1 && p.cum[i] < dist {
		i++
	}
	a, b := p.points[i-1], p.points[i]
	seg := p.cum[i] - p.cum[i-1]
	t := 0.0
	if seg > 0 {
		t = (dist - p.cum[i-1]) / seg
	}
	dir := b.Sub(a)
	horiz := math.Hypot(dir[0], dir[2])
	return Pose{
		Position: a.Add(dir.Mul(t)),
		Yaw:      math.Atan2(-dir[0], -dir[2]),
		Pitch:    math.Atan2(dir[1], horiz),
	}
}

func (p *Path) Pose() Pose {
	return p.At(p.now().Sub(p.start).Seconds() * p.speed)
}
