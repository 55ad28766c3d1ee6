package tilestream

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Range3d is an axis-aligned bounding box. A null range has Min > Max on
// every axis and contains nothing.
type Range3d struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

func NullRange3d() Range3d {
	inf := float32(1e20)
	return Range3d{
		Min: mgl32.Vec3{inf, inf, inf},
		Max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

func NewRange3d(min, max mgl32.Vec3) Range3d {
	return Range3d{Min: min, Max: max}
}

func (r Range3d) IsNull() bool {
	return r.Min.X() > r.Max.X() || r.Min.Y() > r.Max.Y() || r.Min.Z() > r.Max.Z()
}

func (r *Range3d) ExtendPoint(p mgl32.Vec3) {
	r.Min = mgl32.Vec3{minf(r.Min.X(), p.X()), minf(r.Min.Y(), p.Y()), minf(r.Min.Z(), p.Z())}
	r.Max = mgl32.Vec3{maxf(r.Max.X(), p.X()), maxf(r.Max.Y(), p.Y()), maxf(r.Max.Z(), p.Z())}
}

func (r Range3d) Union(other Range3d) Range3d {
	if r.IsNull() {
		return other
	}
	if other.IsNull() {
		return r
	}
	out := r
	out.ExtendPoint(other.Min)
	out.ExtendPoint(other.Max)
	return out
}

func (r Range3d) Center() mgl32.Vec3 {
	return r.Min.Add(r.Max).Mul(0.5)
}

// Radius returns the bounding-sphere radius of the range.
func (r Range3d) Radius() float32 {
	if r.IsNull() {
		return 0
	}
	return r.Max.Sub(r.Min).Len() * 0.5
}

// TransformBy returns the conservative AABB of the range's eight corners
// after transformation.
func (r Range3d) TransformBy(m mgl32.Mat4) Range3d {
	if r.IsNull() {
		return r
	}

	corners := [8]mgl32.Vec3{
		{r.Min.X(), r.Min.Y(), r.Min.Z()},
		{r.Max.X(), r.Min.Y(), r.Min.Z()},
		{r.Min.X(), r.Max.Y(), r.Min.Z()},
		{r.Max.X(), r.Max.Y(), r.Min.Z()},
		{r.Min.X(), r.Min.Y(), r.Max.Z()},
		{r.Max.X(), r.Min.Y(), r.Max.Z()},
		{r.Min.X(), r.Max.Y(), r.Max.Z()},
		{r.Max.X(), r.Max.Y(), r.Max.Z()},
	}

	out := NullRange3d()
	for _, c := range corners {
		out.ExtendPoint(m.Mul4x1(c.Vec4(1.0)).Vec3())
	}
	return out
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// FrustumPlanes are the six planes of a view frustum in Ax+By+Cz+D=0 form,
// normals pointing INSIDE. Order: Left, Right, Bottom, Top, Near, Far.
type FrustumPlanes [6]mgl32.Vec4

// ExtractFrustumPlanes extracts the 6 planes from a view-projection matrix
// (OpenGL-style clip space, -1..1 depth).
func ExtractFrustumPlanes(vp mgl32.Mat4) FrustumPlanes {
	var planes FrustumPlanes

	// Left: Row 3 + Row 0
	planes[0] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(0, 0),
		vp.At(3, 1) + vp.At(0, 1),
		vp.At(3, 2) + vp.At(0, 2),
		vp.At(3, 3) + vp.At(0, 3),
	}
	// Right: Row 3 - Row 0
	planes[1] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(0, 0),
		vp.At(3, 1) - vp.At(0, 1),
		vp.At(3, 2) - vp.At(0, 2),
		vp.At(3, 3) - vp.At(0, 3),
	}
	// Bottom: Row 3 + Row 1
	planes[2] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(1, 0),
		vp.At(3, 1) + vp.At(1, 1),
		vp.At(3, 2) + vp.At(1, 2),
		vp.At(3, 3) + vp.At(1, 3),
	}
	// Top: Row 3 - Row 1
	planes[3] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(1, 0),
		vp.At(3, 1) - vp.At(1, 1),
		vp.At(3, 2) - vp.At(1, 2),
		vp.At(3, 3) - vp.At(1, 3),
	}
	// Near: Row 3 + Row 2
	planes[4] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(2, 0),
		vp.At(3, 1) + vp.At(2, 1),
		vp.At(3, 2) + vp.At(2, 2),
		vp.At(3, 3) + vp.At(2, 3),
	}
	// Far: Row 3 - Row 2
	planes[5] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(2, 0),
		vp.At(3, 1) - vp.At(2, 1),
		vp.At(3, 2) - vp.At(2, 2),
		vp.At(3, 3) - vp.At(2, 3),
	}

	for i := 0; i < 6; i++ {
		length := float32(math.Sqrt(float64(planes[i][0]*planes[i][0] + planes[i][1]*planes[i][1] + planes[i][2]*planes[i][2])))
		if length > 0 {
			planes[i] = planes[i].Mul(1.0 / length)
		}
	}

	return planes
}

// ContainsRange checks whether an AABB is at least partially inside the
// frustum. For each plane we test the corner with the highest signed
// distance; if even that corner is behind the plane, the whole box is out.
func (planes FrustumPlanes) ContainsRange(r Range3d) bool {
	if r.IsNull() {
		return false
	}
	for i := 0; i < 6; i++ {
		plane := planes[i]

		var p mgl32.Vec3
		if plane[0] > 0 {
			p[0] = r.Max[0]
		} else {
			p[0] = r.Min[0]
		}
		if plane[1] > 0 {
			p[1] = r.Max[1]
		} else {
			p[1] = r.Min[1]
		}
		if plane[2] > 0 {
			p[2] = r.Max[2]
		} else {
			p[2] = r.Min[2]
		}

		dist := plane[0]*p[0] + plane[1]*p[1] + plane[2]*p[2] + plane[3]
		if dist < 0 {
			return false
		}
	}
	return true
}
