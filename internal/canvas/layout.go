package canvas

import "sort"

// Batch mutation helpers used by the editing surface and the command
// dispatcher. They are plain callers of Apply; none of them talk to the
// sync engine directly.

// MoveBy translates every listed shape by the given delta.
func (d *Document) MoveBy(shapeIDs []string, deltaX, deltaY float64) error {
	for _, shape := range d.takeShapes(shapeIDs) {
		shape.X += deltaX
		shape.Y += deltaY
		shape.UpdatedAtMillis = 0
		if err := d.Apply(OriginLocal, shape); err != nil {
			return err
		}
	}
	return nil
}

// AlignLeft moves every listed shape to the smallest X among them.
func (d *Document) AlignLeft(shapeIDs []string) error {
	shapes := d.takeShapes(shapeIDs)
	if len(shapes) < 2 {
		return nil
	}
	minX := shapes[0].X
	for _, shape := range shapes[1:] {
		if shape.X < minX {
			minX = shape.X
		}
	}
	for _, shape := range shapes {
		if shape.X == minX {
			continue
		}
		shape.X = minX
		shape.UpdatedAtMillis = 0
		if err := d.Apply(OriginLocal, shape); err != nil {
			return err
		}
	}
	return nil
}

// AlignTop moves every listed shape to the smallest Y among them.
func (d *Document) AlignTop(shapeIDs []string) error {
	shapes := d.takeShapes(shapeIDs)
	if len(shapes) < 2 {
		return nil
	}
	minY := shapes[0].Y
	for _, shape := range shapes[1:] {
		if shape.Y < minY {
			minY = shape.Y
		}
	}
	for _, shape := range shapes {
		if shape.Y == minY {
			continue
		}
		shape.Y = minY
		shape.UpdatedAtMillis = 0
		if err := d.Apply(OriginLocal, shape); err != nil {
			return err
		}
	}
	return nil
}

// DistributeHorizontal spaces the listed shapes evenly between the leftmost
// and rightmost of them, preserving their left-to-right order.
func (d *Document) DistributeHorizontal(shapeIDs []string) error {
	shapes := d.takeShapes(shapeIDs)
	if len(shapes) < 3 {
		return nil
	}
	sort.Slice(shapes, func(i, j int) bool { return shapes[i].X < shapes[j].X })

	span := shapes[len(shapes)-1].X - shapes[0].X
	step := span / float64(len(shapes)-1)
	for position, shape := range shapes[1 : len(shapes)-1] {
		target := shapes[0].X + step*float64(position+1)
		if shape.X == target {
			continue
		}
		shape.X = target
		shape.UpdatedAtMillis = 0
		if err := d.Apply(OriginLocal, shape); err != nil {
			return err
		}
	}
	return nil
}

// BringToFront restacks the listed shapes above everything else.
func (d *Document) BringToFront(shapeIDs []string) error {
	highest := d.indexBound(true)
	for offset, shape := range d.takeShapes(shapeIDs) {
		shape.Index = highest + float64(offset+1)
		shape.UpdatedAtMillis = 0
		if err := d.Apply(OriginLocal, shape); err != nil {
			return err
		}
	}
	return nil
}

// SendToBack restacks the listed shapes below everything else.
func (d *Document) SendToBack(shapeIDs []string) error {
	lowest := d.indexBound(false)
	for offset, shape := range d.takeShapes(shapeIDs) {
		shape.Index = lowest - float64(offset+1)
		shape.UpdatedAtMillis = 0
		if err := d.Apply(OriginLocal, shape); err != nil {
			return err
		}
	}
	return nil
}

// takeShapes resolves ids to current shape copies; unknown ids are
// silently skipped so a stale selection degrades to a smaller batch.
func (d *Document) takeShapes(shapeIDs []string) []Shape {
	shapes := make([]Shape, 0, len(shapeIDs))
	for _, id := range shapeIDs {
		if shape, ok := d.Shape(id); ok {
			shapes = append(shapes, shape)
		}
	}
	return shapes
}

func (d *Document) indexBound(highest bool) float64 {
	bound := 0.0
	first := true
	for _, shape := range d.AllShapes() {
		if first {
			bound = shape.Index
			first = false
			continue
		}
		if highest && shape.Index > bound {
			bound = shape.Index
		}
		if !highest && shape.Index < bound {
			bound = shape.Index
		}
	}
	return bound
}
